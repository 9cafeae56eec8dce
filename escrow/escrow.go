// Package escrow orchestrates wager funding and settlement against the
// ledger. It drives transfers and enforces the at-most-once payout; the room
// record itself is owned by the callers.
package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/slog"

	"github.com/UnclePhil1/chromatic/ledger"
	"github.com/UnclePhil1/chromatic/ringgame"
	"github.com/UnclePhil1/chromatic/store"
)

var (
	// ErrNotConnected means no wallet signer is attached.
	ErrNotConnected = errors.New("wallet not connected")

	// ErrFundingFailed wraps any failure while staking a wager.
	ErrFundingFailed = errors.New("escrow funding failed")

	// ErrAlreadyPaid means the pot was already settled for this room.
	ErrAlreadyPaid = errors.New("winnings already paid out")

	// ErrInsufficientEscrow means the escrow balance cannot cover the pot
	// plus the network fee reserve.
	ErrInsufficientEscrow = errors.New("insufficient escrow balance")

	// ErrSettlementFailed wraps any failure after the payout checks passed.
	ErrSettlementFailed = errors.New("settlement failed")
)

// DefaultFeeReserve is the network fee margin, in atoms, kept aside from
// every settlement.
const DefaultFeeReserve = 5000

// Receipt describes one completed transfer.
type Receipt struct {
	Handle        ledger.Handle
	OrderingToken string
	Amount        int64
	To            string
}

// Orchestrator runs the funding and settlement flows for rooms.
type Orchestrator struct {
	Store      store.RoomStore
	Ledger     ledger.Ledger
	Log        slog.Logger
	FeeReserve int64
}

func NewOrchestrator(s store.RoomStore, l ledger.Ledger, log slog.Logger) *Orchestrator {
	return &Orchestrator{Store: s, Ledger: l, Log: log, FeeReserve: DefaultFeeReserve}
}

// Fund stakes one player's wager into the room's escrow address. The room
// record is never mutated here; on any failure the caller sees the room
// exactly as before.
func (o *Orchestrator) Fund(ctx context.Context, signer ledger.Signer, room *ringgame.Room) (*Receipt, error) {
	if signer == nil || signer.Address() == "" {
		return nil, ErrNotConnected
	}
	if room.Wager.Amount <= 0 {
		return nil, fmt.Errorf("%w: non-positive wager %d", ErrFundingFailed, room.Wager.Amount)
	}
	if room.Wager.EscrowAddress == "" {
		return nil, fmt.Errorf("%w: room has no escrow address", ErrFundingFailed)
	}

	// Fetch the ordering token immediately before submission so the
	// backend cannot see it as stale.
	tok, err := o.Ledger.LatestOrdering(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: ordering: %v", ErrFundingFailed, err)
	}
	st, err := signer.SignTransfer(&ledger.TransferRequest{
		To:            room.Wager.EscrowAddress,
		Amount:        room.Wager.Amount,
		OrderingToken: tok,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrFundingFailed, err)
	}
	if b, ok := o.Ledger.(ledger.TxBuilder); ok {
		st.RawTxHex, err = b.BuildTransferTx(ctx, signer, st.To, st.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: build tx: %v", ErrFundingFailed, err)
		}
	}
	h, err := o.Ledger.SubmitTransfer(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("%w: submit: %v", ErrFundingFailed, err)
	}
	if err := o.Ledger.ConfirmTransfer(ctx, h, tok); err != nil {
		return nil, fmt.Errorf("%w: confirm: %v", ErrFundingFailed, err)
	}

	o.Log.Infof("funded %s into escrow %s for room %s (tx %s)",
		dcrutil.Amount(room.Wager.Amount), room.Wager.EscrowAddress, room.Code, h)
	return &Receipt{Handle: h, OrderingToken: tok, Amount: room.Wager.Amount,
		To: room.Wager.EscrowAddress}, nil
}

// Settle pays the pot to the winner's address. It re-reads the room from the
// store so a payout that already landed is observed, and checks the escrow
// balance before moving anything. The caller flips PaidOut after success.
func (o *Orchestrator) Settle(ctx context.Context, custody Custody, room *ringgame.Room, destAddr string) (*Receipt, error) {
	if destAddr == "" {
		return nil, fmt.Errorf("%w: no destination address", ErrSettlementFailed)
	}

	// Fresh read: another client may have settled while we raced.
	cur, err := o.Store.Get(ctx, room.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: re-read room: %v", ErrSettlementFailed, err)
	}
	if cur.Wager.PaidOut {
		return nil, ErrAlreadyPaid
	}

	pot := cur.Pot()
	reserve := o.FeeReserve
	bal, err := o.Ledger.Balance(ctx, cur.Wager.EscrowAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: balance: %v", ErrSettlementFailed, err)
	}
	if bal < pot+reserve {
		return nil, fmt.Errorf("%w: escrow holds %s, pot %s + reserve %s",
			ErrInsufficientEscrow, dcrutil.Amount(bal), dcrutil.Amount(pot),
			dcrutil.Amount(reserve))
	}

	// Generated custody pays the fee from the escrow float so the winner
	// receives the full pot; self custody deducts the reserve.
	amount := pot
	if custody.Mode() == ringgame.EscrowModeSelf {
		amount = pot - reserve
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: fee reserve %d consumes the pot %d",
			ErrSettlementFailed, reserve, pot)
	}

	signer, err := custody.EscrowSigner()
	if err != nil {
		return nil, fmt.Errorf("%w: escrow signer: %v", ErrSettlementFailed, err)
	}
	tok, err := o.Ledger.LatestOrdering(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: ordering: %v", ErrSettlementFailed, err)
	}
	st, err := signer.SignTransfer(&ledger.TransferRequest{
		To:            destAddr,
		Amount:        amount,
		OrderingToken: tok,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrSettlementFailed, err)
	}
	if b, ok := o.Ledger.(ledger.TxBuilder); ok {
		st.RawTxHex, err = b.BuildTransferTx(ctx, signer, st.To, st.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: build tx: %v", ErrSettlementFailed, err)
		}
	}
	h, err := o.Ledger.SubmitTransfer(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("%w: submit: %v", ErrSettlementFailed, err)
	}
	if err := o.Ledger.ConfirmTransfer(ctx, h, tok); err != nil {
		return nil, fmt.Errorf("%w: confirm: %v", ErrSettlementFailed, err)
	}

	o.Log.Infof("settled room %s: %s to %s (tx %s)",
		room.Code, dcrutil.Amount(amount), destAddr, h)
	return &Receipt{Handle: h, OrderingToken: tok, Amount: amount, To: destAddr}, nil
}
