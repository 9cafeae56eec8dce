package client

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UnclePhil1/chromatic/ledger"
	"github.com/UnclePhil1/chromatic/ringgame"
	"github.com/UnclePhil1/chromatic/store"
)

func testLog() slog.Logger {
	return slog.NewBackend(io.Discard).Logger("TEST")
}

func testAppCfg(t *testing.T, mode ringgame.EscrowMode) *AppConfig {
	t.Helper()
	cfg := defaultAppConfig(t.TempDir())
	cfg.EscrowMode = mode
	cfg.PollInterval = 25 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, st store.RoomStore, ml ledger.Ledger, mode ringgame.EscrowMode) (*Client, *ledger.KeySigner) {
	t.Helper()
	wallet, err := ledger.GenerateKeySigner()
	require.NoError(t, err)
	c, err := NewClient(&Config{
		AppCfg: testAppCfg(t, mode),
		Log:    testLog(),
		Store:  st,
		Ledger: ml,
		Wallet: wallet,
	})
	require.NoError(t, err)
	c.orch.FeeReserve = 3
	return c, wallet
}

func TestHostGameValidation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	ml := ledger.NewMemLedger()
	c, wallet := newTestClient(t, st, ml, ringgame.EscrowModeSelf)
	ml.Credit(wallet.Address(), 1000)

	_, err := c.HostGame(ctx, "", 10)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = c.HostGame(ctx, "alice", 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	c.wallet = nil
	_, err = c.HostGame(ctx, "alice", 10)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHostGameFundingFailureDeletesRoom(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	ml := ledger.NewMemLedger()
	c, _ := newTestClient(t, st, ml, ringgame.EscrowModeSelf)
	// Wallet never credited: funding must fail.

	_, err := c.HostGame(ctx, "alice", 10)
	require.ErrorIs(t, err, ErrFundingFailed)
	assert.Equal(t, ringgame.PhaseMenu, c.Phase())
	assert.Equal(t, EscrowError, c.EscrowState())
	assert.Nil(t, c.Room())
	t.Cleanup(func() { _ = c.LeaveGame(ctx) })
}

func TestJoinGameGuards(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	ml := ledger.NewMemLedger()

	host, hw := newTestClient(t, st, ml, ringgame.EscrowModeSelf)
	ml.Credit(hw.Address(), 1000)
	room, err := host.HostGame(ctx, "alice", 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.LeaveGame(ctx) })

	guest, gw := newTestClient(t, st, ml, ringgame.EscrowModeSelf)
	ml.Credit(gw.Address(), 1000)

	_, err = guest.JoinGame(ctx, "bob", "NOSUCH")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = guest.JoinGame(ctx, "", room.Code)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = guest.JoinGame(ctx, "bob", room.Code)
	require.NoError(t, err)
	t.Cleanup(func() { _ = guest.LeaveGame(ctx) })

	// Same installation cannot seat twice.
	_, err = guest.JoinGame(ctx, "bob2", room.Code)
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	// A third player finds the room full.
	third, tw := newTestClient(t, st, ml, ringgame.EscrowModeSelf)
	ml.Credit(tw.Address(), 1000)
	_, err = third.JoinGame(ctx, "carol", room.Code)
	assert.ErrorIs(t, err, ErrRoomFull)
}

func TestRoomPollerDiffsUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemStore()

	code, err := ringgame.NewRoomCode()
	require.NoError(t, err)
	room := &ringgame.Room{Code: code, Phase: ringgame.PhaseLobby}
	room.Touch()
	require.NoError(t, st.Create(ctx, room))

	var updates atomic.Int32
	p := NewRoomPoller(st, code, 10*time.Millisecond, func(r *ringgame.Room) {
		updates.Add(1)
	}, testLog())
	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool { return updates.Load() == 1 },
		time.Second, 5*time.Millisecond, "first read counts as a change")

	// No writes: no further callbacks.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), updates.Load())

	_, err = store.Update(ctx, st, code, func(r *ringgame.Room) error {
		r.Phase = ringgame.PhaseCountdown
		return nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return updates.Load() == 2 },
		time.Second, 5*time.Millisecond)
}

// nearWinBoard returns a board one accepted move away from the win
// predicate: three finished towers, six yellows on pole 3 and the last
// yellow alone on pole 4.
func nearWinBoard() ringgame.Board {
	var b ringgame.Board
	colors := []ringgame.Color{ringgame.Red, ringgame.Blue, ringgame.Green}
	for pole, color := range colors {
		for i := 0; i < ringgame.RingsPerColor; i++ {
			b.Poles[pole] = append(b.Poles[pole], ringgame.Ring{
				ID: string(color) + "-t", Color: color,
			})
		}
	}
	for i := 0; i < 6; i++ {
		b.Poles[3] = append(b.Poles[3], ringgame.Ring{ID: "y-t", Color: ringgame.Yellow})
	}
	b.Poles[4] = append(b.Poles[4], ringgame.Ring{ID: "y-last", Color: ringgame.Yellow})
	return b
}

func TestEndToEndWageredGame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemStore()
	ml := ledger.NewMemLedger()

	host, hw := newTestClient(t, st, ml, ringgame.EscrowModeSelf)
	guest, gw := newTestClient(t, st, ml, ringgame.EscrowModeSelf)
	ml.Credit(hw.Address(), 1000)
	ml.Credit(gw.Address(), 1000)

	payout, err := ledger.GenerateKeySigner()
	require.NoError(t, err)
	host.appCfg.PayoutAddress = payout.Address()

	var countdownSeen atomic.Int32
	guest.ntfns.RegisterCountdown(func(v int) { countdownSeen.Add(1) })
	var gameEnded atomic.Bool
	guest.ntfns.RegisterGameEnded(func(r *ringgame.Room, w *ringgame.PlayerState) {
		gameEnded.Store(true)
	})

	room, err := host.HostGame(ctx, "alice", 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.LeaveGame(ctx) })
	assert.Equal(t, EscrowFunded, host.EscrowState())
	assert.Contains(t, host.InviteLink(), room.Code)

	_, err = guest.JoinGame(ctx, "bob", room.Code)
	require.NoError(t, err)
	t.Cleanup(func() { _ = guest.LeaveGame(ctx) })

	// Both stakes sit with the escrow (the host wallet in this mode).
	bal, err := ml.Balance(ctx, hw.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(1010), bal)

	require.NoError(t, host.StartGame(ctx))
	assert.Equal(t, ringgame.PhaseCountdown, host.Phase())

	require.Eventually(t, func() bool {
		return host.Phase() == ringgame.PhasePlaying &&
			guest.Phase() == ringgame.PhasePlaying
	}, 15*time.Second, 50*time.Millisecond, "countdown must reach playing")
	assert.Greater(t, countdownSeen.Load(), int32(0),
		"guest observes countdown ticks via polling")

	// Put the host one move from winning, then play that move once the
	// mirror catches up.
	near := nearWinBoard()
	_, err = store.Update(ctx, st, room.Code, func(r *ringgame.Room) error {
		r.Player(host.BrowserID()).Board = near
		return nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r := host.Room()
		return r != nil && len(r.Player(host.BrowserID()).Board.Poles[3]) == 6
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, host.ApplyMove(ctx, 4, 3))
	assert.Equal(t, ringgame.PhaseFinished, host.Phase())

	got, err := st.Get(ctx, room.Code)
	require.NoError(t, err)
	require.NotNil(t, got.Winner())
	assert.Equal(t, "alice", got.Winner().Name)
	assert.False(t, got.Wager.PaidOut)

	require.Eventually(t, func() bool { return gameEnded.Load() },
		5*time.Second, 20*time.Millisecond, "guest learns the game ended")

	require.NoError(t, host.ClaimWinnings(ctx))
	assert.Equal(t, EscrowPaid, host.EscrowState())

	// Pot minus the fee reserve lands on the payout address.
	pb, err := ml.Balance(ctx, payout.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(20-3), pb)

	got, err = st.Get(ctx, room.Code)
	require.NoError(t, err)
	assert.True(t, got.Wager.PaidOut)
	assert.Nil(t, got.Claim)

	// The guest's own settlement attempt observes the flag and backs off.
	_, err = guest.orch.Settle(ctx, nil, got, gw.Address())
	assert.ErrorIs(t, err, ErrAlreadyPaid)

	// Claiming again from the winner is a no-op success.
	require.NoError(t, host.ClaimWinnings(ctx))
}

func TestApplyMoveRejectedNotifies(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	ml := ledger.NewMemLedger()
	c, w := newTestClient(t, st, ml, ringgame.EscrowModeSelf)
	ml.Credit(w.Address(), 1000)

	var invalid atomic.Int32
	c.ntfns.RegisterInvalidMove(func(from, to int, reason string) { invalid.Add(1) })

	room, err := c.HostGame(ctx, "alice", 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.LeaveGame(ctx) })

	// Force the playing phase directly; a same-pole move is always
	// rejected by the engine.
	_, err = store.Update(ctx, st, room.Code, func(r *ringgame.Room) error {
		r.Phase = ringgame.PhasePlaying
		r.Player(c.BrowserID()).Board = nearWinBoard()
		return nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Phase() == ringgame.PhasePlaying },
		5*time.Second, 20*time.Millisecond)

	moves := c.Room().Player(c.BrowserID()).Moves
	require.NoError(t, c.ApplyMove(ctx, 2, 2))
	assert.Equal(t, int32(1), invalid.Load())

	got, err := st.Get(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, moves, got.Player(c.BrowserID()).Moves,
		"rejected move must not change the record")
}

func TestJoinAfterStartRejected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	ml := ledger.NewMemLedger()

	host, hw := newTestClient(t, st, ml, ringgame.EscrowModeSelf)
	ml.Credit(hw.Address(), 1000)
	room, err := host.HostGame(ctx, "alice", 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.LeaveGame(ctx) })

	_, err = store.Update(ctx, st, room.Code, func(r *ringgame.Room) error {
		r.Phase = ringgame.PhaseCountdown
		return nil
	})
	require.NoError(t, err)

	guest, gw := newTestClient(t, st, ml, ringgame.EscrowModeSelf)
	ml.Credit(gw.Address(), 1000)
	_, err = guest.JoinGame(ctx, "bob", room.Code)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.NotErrorIs(t, err, ErrRoomFull)

	bal, err := ml.Balance(ctx, gw.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal, "rejected join must not stake anything")
}

// setPlayingNearWin skips the countdown and puts one player a single move
// from winning.
func setPlayingNearWin(t *testing.T, st store.RoomStore, code, browserID string) {
	t.Helper()
	ctx := context.Background()
	_, err := store.Update(ctx, st, code, func(r *ringgame.Room) error {
		r.Phase = ringgame.PhasePlaying
		r.Player(browserID).Board = nearWinBoard()
		return nil
	})
	require.NoError(t, err)
}

func TestSelfCustodyHostSettlesGuestWinner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemStore()
	ml := ledger.NewMemLedger()

	host, hw := newTestClient(t, st, ml, ringgame.EscrowModeSelf)
	guest, gw := newTestClient(t, st, ml, ringgame.EscrowModeSelf)
	ml.Credit(hw.Address(), 1000)
	ml.Credit(gw.Address(), 1000)

	room, err := host.HostGame(ctx, "alice", 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.LeaveGame(ctx) })
	_, err = guest.JoinGame(ctx, "bob", room.Code)
	require.NoError(t, err)
	t.Cleanup(func() { _ = guest.LeaveGame(ctx) })

	setPlayingNearWin(t, st, room.Code, guest.BrowserID())
	require.Eventually(t, func() bool { return guest.Phase() == ringgame.PhasePlaying },
		5*time.Second, 20*time.Millisecond)
	require.NoError(t, guest.ApplyMove(ctx, 4, 3))

	// The escrow sits in the host wallet; the host's client pushes the pot
	// minus the fee reserve to the guest as soon as it observes the win.
	require.Eventually(t, func() bool {
		bal, err := ml.Balance(ctx, gw.Address())
		return err == nil && bal == int64(1000-10+20-3)
	}, 5*time.Second, 20*time.Millisecond, "guest wallet receives the pot")

	require.Eventually(t, func() bool {
		r, err := st.Get(ctx, room.Code)
		return err == nil && r.Wager.PaidOut && r.Claim == nil
	}, 5*time.Second, 20*time.Millisecond)

	// An explicit claim by the custody holder after the fact is a no-op.
	require.Eventually(t, func() bool { return host.Phase() == ringgame.PhaseFinished },
		5*time.Second, 20*time.Millisecond)
	require.NoError(t, host.ClaimWinnings(ctx))

	bal, err := ml.Balance(ctx, gw.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(1007), bal, "no second payout")
}

// haltingStore rejects a configured number of writes that set paidOut,
// mimicking a store outage at the worst possible moment.
type haltingStore struct {
	store.RoomStore
	denials atomic.Int32
}

func (s *haltingStore) Put(ctx context.Context, r *ringgame.Room) error {
	if r.Wager.PaidOut && s.denials.Add(-1) >= 0 {
		return errors.New("store offline")
	}
	return s.RoomStore.Put(ctx, r)
}

func TestClaimReplaysFlagAfterWriteFailure(t *testing.T) {
	ctx := context.Background()
	st := &haltingStore{RoomStore: store.NewMemStore()}
	ml := ledger.NewMemLedger()

	c, w := newTestClient(t, st, ml, ringgame.EscrowModeSelf)
	ml.Credit(w.Address(), 1000)

	payout, err := ledger.GenerateKeySigner()
	require.NoError(t, err)
	c.appCfg.PayoutAddress = payout.Address()

	room, err := c.HostGame(ctx, "alice", 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.LeaveGame(ctx) })

	setPlayingNearWin(t, st, room.Code, c.BrowserID())
	require.Eventually(t, func() bool { return c.Phase() == ringgame.PhasePlaying },
		5*time.Second, 20*time.Millisecond)
	require.NoError(t, c.ApplyMove(ctx, 4, 3))

	st.denials.Store(1)
	err = c.ClaimWinnings(ctx)
	require.ErrorIs(t, err, ErrSettlementFailed)

	// The transfer landed even though the record write did not.
	bal, err := ml.Balance(ctx, payout.Address())
	require.NoError(t, err)
	require.Equal(t, int64(20-3), bal)

	// Retrying replays only the flag write; no second transfer.
	require.NoError(t, c.ClaimWinnings(ctx))
	bal, err = ml.Balance(ctx, payout.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(17), bal)

	got, err := st.Get(ctx, room.Code)
	require.NoError(t, err)
	assert.True(t, got.Wager.PaidOut)
	assert.Nil(t, got.Claim)
	assert.Equal(t, EscrowPaid, c.EscrowState())
}

func TestClaimBacksOffBehindForeignClaim(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	ml := ledger.NewMemLedger()
	c, w := newTestClient(t, st, ml, ringgame.EscrowModeSelf)
	ml.Credit(w.Address(), 1000)

	room, err := c.HostGame(ctx, "alice", 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.LeaveGame(ctx) })

	setPlayingNearWin(t, st, room.Code, c.BrowserID())
	require.Eventually(t, func() bool { return c.Phase() == ringgame.PhasePlaying },
		5*time.Second, 20*time.Millisecond)
	require.NoError(t, c.ApplyMove(ctx, 4, 3))

	// A fresh claim by someone else blocks ours without moving value.
	_, err = store.Update(ctx, st, room.Code, func(r *ringgame.Room) error {
		r.Claim = &ringgame.Claim{Claimant: "other", At: time.Now().UTC()}
		return nil
	})
	require.NoError(t, err)
	err = c.ClaimWinnings(ctx)
	require.ErrorIs(t, err, ErrSettlementFailed)

	bal, err := ml.Balance(ctx, w.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal, "blocked claim must not move value")

	got, err := st.Get(ctx, room.Code)
	require.NoError(t, err)
	assert.False(t, got.Wager.PaidOut)
	assert.Equal(t, "other", got.Claim.Claimant, "foreign claim survives the backoff")

	// An abandoned claim no longer blocks.
	_, err = store.Update(ctx, st, room.Code, func(r *ringgame.Room) error {
		r.Claim.At = time.Now().Add(-time.Minute).UTC()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, c.ClaimWinnings(ctx))

	got, err = st.Get(ctx, room.Code)
	require.NoError(t, err)
	assert.True(t, got.Wager.PaidOut)
	assert.Nil(t, got.Claim)
}
