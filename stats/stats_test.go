package stats

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "stats.db"), slog.NewBackend(io.Discard).Logger("TEST"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndAggregate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.RecordBet(ctx, 10))
	require.NoError(t, db.RecordBet(ctx, 10))
	require.NoError(t, db.RecordChallenge(ctx, "alice", "wa"))
	require.NoError(t, db.RecordChallenge(ctx, "bob", "wb"))
	require.NoError(t, db.RecordOutcome(ctx, "alice", "wa", "bob", "wb", 20, 10))

	var total struct {
		Bet        int64 `db:"total_bet"`
		Won        int64 `db:"total_won"`
		Lost       int64 `db:"total_lost"`
		Challenges int64 `db:"total_challenges"`
	}
	require.NoError(t, db.db.Get(&total, `SELECT total_bet, total_won,
		total_lost, total_challenges FROM platform_stats WHERE id = 1`))
	assert.Equal(t, int64(20), total.Bet)
	assert.Equal(t, int64(20), total.Won)
	assert.Equal(t, int64(10), total.Lost)
	assert.Equal(t, int64(2), total.Challenges)
}

func TestTopPlayers(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.RecordOutcome(ctx, "alice", "wa", "bob", "wb", 20, 10))
	require.NoError(t, db.RecordOutcome(ctx, "bob", "wb", "alice", "wa", 40, 20))
	require.NoError(t, db.RecordOutcome(ctx, "alice", "wa", "carol", "wc", 30, 15))

	rows, err := db.TopPlayers(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows[0].PlayerName)
	assert.Equal(t, int64(50), rows[0].Won)
	assert.Equal(t, int64(20), rows[0].Lost)
	assert.Equal(t, "bob", rows[1].PlayerName)
	assert.Equal(t, int64(40), rows[1].Won)
}
