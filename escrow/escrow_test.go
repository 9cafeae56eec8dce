package escrow

import (
	"context"
	"errors"
	"io"
	"testing"

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

type fixture struct {
	ctx     context.Context
	store   *store.MemStore
	ledger  *ledger.MemLedger
	orch    *Orchestrator
	custody *GeneratedCustody
	host    *ledger.KeySigner
	guest   *ledger.KeySigner
	room    *ringgame.Room
}

func newFixture(t *testing.T, wager int64) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemStore()
	ml := ledger.NewMemLedger()

	custody, err := NewGeneratedCustody()
	require.NoError(t, err)
	host, err := ledger.GenerateKeySigner()
	require.NoError(t, err)
	guest, err := ledger.GenerateKeySigner()
	require.NoError(t, err)
	ml.Credit(host.Address(), 1000)
	ml.Credit(guest.Address(), 1000)

	code, err := ringgame.NewRoomCode()
	require.NoError(t, err)
	room := &ringgame.Room{
		Code:  code,
		Phase: ringgame.PhaseFinished,
		Wager: ringgame.Wager{
			Amount:        wager,
			EscrowAddress: custody.EscrowAddress(),
			Mode:          custody.Mode(),
		},
		Players: []ringgame.PlayerState{
			{ID: "h", Host: true, BrowserID: "bh", Wallet: host.Address()},
			{ID: "g", BrowserID: "bg", Wallet: guest.Address()},
		},
		WinnerID: "h",
	}
	require.NoError(t, st.Create(ctx, room))

	orch := NewOrchestrator(st, ml, testLog())
	orch.FeeReserve = 3

	return &fixture{
		ctx: ctx, store: st, ledger: ml, orch: orch,
		custody: custody, host: host, guest: guest, room: room,
	}
}

func TestFund(t *testing.T) {
	f := newFixture(t, 10)

	r, err := f.orch.Fund(f.ctx, f.host, f.room)
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.Amount)
	assert.Equal(t, f.custody.EscrowAddress(), r.To)

	_, err = f.orch.Fund(f.ctx, f.guest, f.room)
	require.NoError(t, err)

	bal, err := f.ledger.Balance(f.ctx, f.custody.EscrowAddress())
	require.NoError(t, err)
	assert.Equal(t, int64(20), bal)
}

func TestFundRequiresSigner(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.orch.Fund(f.ctx, nil, f.room)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestFundWrapsBackendFailure(t *testing.T) {
	f := newFixture(t, 10)
	f.ledger.FailSubmits(errors.New("backend down"))

	_, err := f.orch.Fund(f.ctx, f.host, f.room)
	assert.ErrorIs(t, err, ErrFundingFailed)

	bal, err := f.ledger.Balance(f.ctx, f.host.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal, "failed funding must not move value")
}

func TestSettleGeneratedCustody(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.orch.Fund(f.ctx, f.host, f.room)
	require.NoError(t, err)
	_, err = f.orch.Fund(f.ctx, f.guest, f.room)
	require.NoError(t, err)
	// The escrow float covers the network fee in this mode.
	f.ledger.Credit(f.custody.EscrowAddress(), f.orch.FeeReserve)

	r, err := f.orch.Settle(f.ctx, f.custody, f.room, f.host.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(20), r.Amount, "winner receives the full pot")

	bal, err := f.ledger.Balance(f.ctx, f.host.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(990+20), bal)
}

func TestSettleSelfCustodyDeductsReserve(t *testing.T) {
	f := newFixture(t, 10)
	custody := NewSelfCustody(f.host)
	_, err := store.Update(f.ctx, f.store, f.room.Code, func(r *ringgame.Room) error {
		r.Wager.EscrowAddress = custody.EscrowAddress()
		r.Wager.Mode = custody.Mode()
		return nil
	})
	require.NoError(t, err)
	f.room.Wager.EscrowAddress = custody.EscrowAddress()
	f.room.Wager.Mode = custody.Mode()

	// Guest stakes into the host wallet; the host's own stake never leaves.
	_, err = f.orch.Fund(f.ctx, f.guest, f.room)
	require.NoError(t, err)

	r, err := f.orch.Settle(f.ctx, custody, f.room, f.guest.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(20-3), r.Amount, "fee reserve comes out of the payout")
}

func TestSettleAlreadyPaid(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.orch.Fund(f.ctx, f.host, f.room)
	require.NoError(t, err)
	_, err = f.orch.Fund(f.ctx, f.guest, f.room)
	require.NoError(t, err)
	f.ledger.Credit(f.custody.EscrowAddress(), f.orch.FeeReserve)

	_, err = f.orch.Settle(f.ctx, f.custody, f.room, f.host.Address())
	require.NoError(t, err)

	// The winner's client flips the flag after a successful settle.
	_, err = store.Update(f.ctx, f.store, f.room.Code, func(r *ringgame.Room) error {
		r.Wager.PaidOut = true
		return nil
	})
	require.NoError(t, err)

	_, err = f.orch.Settle(f.ctx, f.custody, f.room, f.host.Address())
	assert.ErrorIs(t, err, ErrAlreadyPaid)
}

// buildingLedger exposes the raw-transaction capability over the in-memory
// backend and records what SubmitTransfer saw.
type buildingLedger struct {
	*ledger.MemLedger
	built   int
	lastRaw string
}

func (b *buildingLedger) BuildTransferTx(ctx context.Context, signer ledger.Signer, destAddr string, amount int64) (string, error) {
	b.built++
	return "00aa55", nil
}

func (b *buildingLedger) SubmitTransfer(ctx context.Context, st *ledger.SignedTransfer) (ledger.Handle, error) {
	b.lastRaw = st.RawTxHex
	return b.MemLedger.SubmitTransfer(ctx, st)
}

func TestFundAndSettleConsultTxBuilder(t *testing.T) {
	f := newFixture(t, 10)
	bl := &buildingLedger{MemLedger: f.ledger}
	f.orch.Ledger = bl

	_, err := f.orch.Fund(f.ctx, f.host, f.room)
	require.NoError(t, err)
	assert.Equal(t, 1, bl.built)
	assert.Equal(t, "00aa55", bl.lastRaw, "funding carries the built raw tx")

	_, err = f.orch.Fund(f.ctx, f.guest, f.room)
	require.NoError(t, err)
	f.ledger.Credit(f.custody.EscrowAddress(), f.orch.FeeReserve)

	_, err = f.orch.Settle(f.ctx, f.custody, f.room, f.host.Address())
	require.NoError(t, err)
	assert.Equal(t, 3, bl.built)
	assert.Equal(t, "00aa55", bl.lastRaw, "settlement carries the built raw tx")
}

func TestSettleInsufficientEscrow(t *testing.T) {
	f := newFixture(t, 10)
	// Only one player funded: escrow cannot cover the pot.
	_, err := f.orch.Fund(f.ctx, f.host, f.room)
	require.NoError(t, err)

	_, err = f.orch.Settle(f.ctx, f.custody, f.room, f.host.Address())
	assert.ErrorIs(t, err, ErrInsufficientEscrow)
}
