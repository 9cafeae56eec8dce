// Package stats keeps aggregate platform counters and per-player records in
// a small sqlite database. Recording is best effort; gameplay never blocks on
// it.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/decred/slog"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Recorder is the counters collaborator the client fires into after bets,
// challenges and outcomes.
type Recorder interface {
	RecordBet(ctx context.Context, amount int64) error
	RecordChallenge(ctx context.Context, playerName, wallet string) error
	RecordOutcome(ctx context.Context, winnerName, winnerWallet, loserName, loserWallet string, pot, stake int64) error
	TopPlayers(ctx context.Context, limit int) ([]PlayerRecord, error)
	Close() error
}

// PlayerRecord is one leaderboard row.
type PlayerRecord struct {
	PlayerName string `db:"player_name"`
	Wallet     string `db:"wallet"`
	Won        int64  `db:"won"`
	Lost       int64  `db:"lost"`
	Challenges int64  `db:"challenges"`
}

const schema = `
CREATE TABLE IF NOT EXISTS platform_stats (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	total_bet INTEGER NOT NULL DEFAULT 0,
	total_won INTEGER NOT NULL DEFAULT 0,
	total_lost INTEGER NOT NULL DEFAULT 0,
	total_challenges INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS leaderboard (
	wallet TEXT PRIMARY KEY,
	player_name TEXT NOT NULL,
	won INTEGER NOT NULL DEFAULT 0,
	lost INTEGER NOT NULL DEFAULT 0,
	challenges INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);
`

// DB is the sqlite-backed Recorder.
type DB struct {
	db  *sqlx.DB
	log slog.Logger
}

func Open(path string, log slog.Logger) (*DB, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init stats schema: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO platform_stats
		(id, updated_at) VALUES (1, ?)`, time.Now().UTC()); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed platform stats: %w", err)
	}
	return &DB{db: db, log: log}, nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) RecordBet(ctx context.Context, amount int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE platform_stats
		SET total_bet = total_bet + ?, updated_at = ? WHERE id = 1`,
		amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record bet: %w", err)
	}
	return nil
}

func (s *DB) RecordChallenge(ctx context.Context, playerName, wallet string) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record challenge: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE platform_stats
		SET total_challenges = total_challenges + 1, updated_at = ? WHERE id = 1`,
		now); err != nil {
		return fmt.Errorf("record challenge: %w", err)
	}
	if wallet != "" {
		if _, err := tx.ExecContext(ctx, `INSERT INTO leaderboard
			(wallet, player_name, won, lost, challenges, updated_at)
			VALUES (?, ?, 0, 0, 1, ?)
			ON CONFLICT(wallet) DO UPDATE SET
				challenges = challenges + 1,
				player_name = excluded.player_name,
				updated_at = excluded.updated_at`,
			wallet, playerName, now); err != nil {
			return fmt.Errorf("record challenge: %w", err)
		}
	}
	return tx.Commit()
}

// RecordOutcome books both sides of a finished game: the winner's take and
// the loser's stake.
func (s *DB) RecordOutcome(ctx context.Context, winnerName, winnerWallet, loserName, loserWallet string, pot, stake int64) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE platform_stats
		SET total_won = total_won + ?, total_lost = total_lost + ?,
		    updated_at = ? WHERE id = 1`, pot, stake, now); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO leaderboard
		(wallet, player_name, won, lost, challenges, updated_at)
		VALUES (?, ?, ?, 0, 0, ?)
		ON CONFLICT(wallet) DO UPDATE SET
			won = won + excluded.won,
			player_name = excluded.player_name,
			updated_at = excluded.updated_at`,
		winnerWallet, winnerName, pot, now); err != nil {
		return fmt.Errorf("record winner: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO leaderboard
		(wallet, player_name, won, lost, challenges, updated_at)
		VALUES (?, ?, 0, ?, 0, ?)
		ON CONFLICT(wallet) DO UPDATE SET
			lost = lost + excluded.lost,
			player_name = excluded.player_name,
			updated_at = excluded.updated_at`,
		loserWallet, loserName, stake, now); err != nil {
		return fmt.Errorf("record loser: %w", err)
	}
	return tx.Commit()
}

func (s *DB) TopPlayers(ctx context.Context, limit int) ([]PlayerRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []PlayerRecord
	err := s.db.SelectContext(ctx, &out, `SELECT player_name, wallet, won,
		lost, challenges FROM leaderboard ORDER BY won DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("top players: %w", err)
	}
	return out, nil
}

// NopRecorder drops everything; used when no stats db is configured.
type NopRecorder struct{}

func (NopRecorder) RecordBet(context.Context, int64) error                { return nil }
func (NopRecorder) RecordChallenge(context.Context, string, string) error { return nil }
func (NopRecorder) RecordOutcome(_ context.Context, _, _, _, _ string, _, _ int64) error {
	return nil
}
func (NopRecorder) TopPlayers(context.Context, int) ([]PlayerRecord, error) { return nil, nil }
func (NopRecorder) Close() error                                            { return nil }
