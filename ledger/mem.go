package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

var (
	// ErrStaleOrdering is returned when a transfer carries an ordering token
	// the backend has already moved past.
	ErrStaleOrdering = errors.New("stale ordering token")

	// ErrInsufficientFunds is returned when the sender cannot cover the
	// transfer amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// MemLedger is an in-memory account ledger for tests and offline play. It
// enforces the same contract a real backend does: signatures verify, ordering
// tokens go stale, balances cannot go negative.
type MemLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	seq      uint64
	handles  map[Handle]bool

	submitErr  error
	confirmErr error
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		balances: make(map[string]int64),
		handles:  make(map[Handle]bool),
	}
}

// Credit seeds an address with funds (faucet for tests and offline mode).
func (l *MemLedger) Credit(address string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[address] += amount
}

// FailSubmits makes subsequent submissions fail with err; nil restores
// normal operation.
func (l *MemLedger) FailSubmits(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitErr = err
}

// FailConfirms makes subsequent confirmations fail with err.
func (l *MemLedger) FailConfirms(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmErr = err
}

func (l *MemLedger) LatestOrdering(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strconv.FormatUint(l.seq, 10), nil
}

func (l *MemLedger) SubmitTransfer(ctx context.Context, st *SignedTransfer) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.submitErr != nil {
		return "", l.submitErr
	}
	if err := st.Verify(); err != nil {
		return "", err
	}
	if st.OrderingToken != strconv.FormatUint(l.seq, 10) {
		return "", fmt.Errorf("token %q: %w", st.OrderingToken, ErrStaleOrdering)
	}
	if st.Amount <= 0 {
		return "", fmt.Errorf("non-positive amount %d", st.Amount)
	}
	if l.balances[st.From] < st.Amount {
		return "", fmt.Errorf("%s holds %d, needs %d: %w",
			st.From, l.balances[st.From], st.Amount, ErrInsufficientFunds)
	}

	l.balances[st.From] -= st.Amount
	l.balances[st.To] += st.Amount
	l.seq++

	h := Handle(fmt.Sprintf("mem-%d", l.seq))
	l.handles[h] = true
	return h, nil
}

func (l *MemLedger) ConfirmTransfer(ctx context.Context, h Handle, orderingToken string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.confirmErr != nil {
		return l.confirmErr
	}
	if !l.handles[h] {
		return fmt.Errorf("unknown transfer %s", h)
	}
	return nil
}

func (l *MemLedger) Balance(ctx context.Context, address string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[address], nil
}
