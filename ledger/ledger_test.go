package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySignerSignVerify(t *testing.T) {
	s, err := GenerateKeySigner()
	require.NoError(t, err)

	st, err := s.SignTransfer(&TransferRequest{
		To:            "deadbeef",
		Amount:        1000,
		OrderingToken: "tok-1",
	})
	require.NoError(t, err)
	assert.Equal(t, s.Address(), st.From)
	require.NoError(t, st.Verify())

	// Tampering with any signed field must break verification.
	tampered := *st
	tampered.Amount = 2000
	assert.Error(t, tampered.Verify())

	tampered = *st
	tampered.OrderingToken = "tok-2"
	assert.Error(t, tampered.Verify())
}

func TestKeySignerRefusesForeignSender(t *testing.T) {
	a, err := GenerateKeySigner()
	require.NoError(t, err)
	b, err := GenerateKeySigner()
	require.NoError(t, err)

	_, err = a.SignTransfer(&TransferRequest{From: b.Address(), To: "x", Amount: 1})
	assert.Error(t, err)
}

func TestKeySignerFromHexRoundTrip(t *testing.T) {
	s, err := GenerateKeySigner()
	require.NoError(t, err)

	again, err := KeySignerFromHex(s.SecretHex())
	require.NoError(t, err)
	assert.Equal(t, s.Address(), again.Address())

	_, err = KeySignerFromHex("not-hex")
	assert.Error(t, err)
	_, err = KeySignerFromHex("abcd")
	assert.Error(t, err)
}

func TestMemLedgerTransfer(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	alice, err := GenerateKeySigner()
	require.NoError(t, err)
	bob, err := GenerateKeySigner()
	require.NoError(t, err)
	l.Credit(alice.Address(), 500)

	tok, err := l.LatestOrdering(ctx)
	require.NoError(t, err)

	st, err := alice.SignTransfer(&TransferRequest{
		To: bob.Address(), Amount: 200, OrderingToken: tok,
	})
	require.NoError(t, err)

	h, err := l.SubmitTransfer(ctx, st)
	require.NoError(t, err)
	require.NoError(t, l.ConfirmTransfer(ctx, h, tok))

	ab, err := l.Balance(ctx, alice.Address())
	require.NoError(t, err)
	bb, err := l.Balance(ctx, bob.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(300), ab)
	assert.Equal(t, int64(200), bb)
}

func TestMemLedgerStaleOrderingToken(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	alice, err := GenerateKeySigner()
	require.NoError(t, err)
	l.Credit(alice.Address(), 500)

	tok, err := l.LatestOrdering(ctx)
	require.NoError(t, err)

	st, err := alice.SignTransfer(&TransferRequest{
		To: "cafe", Amount: 100, OrderingToken: tok,
	})
	require.NoError(t, err)
	_, err = l.SubmitTransfer(ctx, st)
	require.NoError(t, err)

	// Re-submitting with the consumed token must fail.
	st2, err := alice.SignTransfer(&TransferRequest{
		To: "cafe", Amount: 100, OrderingToken: tok,
	})
	require.NoError(t, err)
	_, err = l.SubmitTransfer(ctx, st2)
	assert.ErrorIs(t, err, ErrStaleOrdering)
}

func TestMemLedgerInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	alice, err := GenerateKeySigner()
	require.NoError(t, err)
	l.Credit(alice.Address(), 50)

	tok, err := l.LatestOrdering(ctx)
	require.NoError(t, err)
	st, err := alice.SignTransfer(&TransferRequest{
		To: "cafe", Amount: 100, OrderingToken: tok,
	})
	require.NoError(t, err)
	_, err = l.SubmitTransfer(ctx, st)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestMemLedgerRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	alice, err := GenerateKeySigner()
	require.NoError(t, err)
	l.Credit(alice.Address(), 500)

	tok, err := l.LatestOrdering(ctx)
	require.NoError(t, err)
	st, err := alice.SignTransfer(&TransferRequest{
		To: "cafe", Amount: 100, OrderingToken: tok,
	})
	require.NoError(t, err)
	st.Amount = 400 // signature no longer covers this

	_, err = l.SubmitTransfer(ctx, st)
	assert.Error(t, err)

	bal, err := l.Balance(ctx, alice.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal, "rejected transfer must not move funds")
}

func TestMemLedgerFailureInjection(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	alice, err := GenerateKeySigner()
	require.NoError(t, err)
	l.Credit(alice.Address(), 500)

	boom := errors.New("backend down")
	l.FailSubmits(boom)

	tok, err := l.LatestOrdering(ctx)
	require.NoError(t, err)
	st, err := alice.SignTransfer(&TransferRequest{
		To: "cafe", Amount: 100, OrderingToken: tok,
	})
	require.NoError(t, err)
	_, err = l.SubmitTransfer(ctx, st)
	assert.ErrorIs(t, err, boom)

	l.FailSubmits(nil)
	_, err = l.SubmitTransfer(ctx, st)
	require.NoError(t, err)
}

func TestPkScriptForPubKeyAddress(t *testing.T) {
	s, err := GenerateKeySigner()
	require.NoError(t, err)

	pk, err := PkScriptForAddress(s.Address())
	require.NoError(t, err)
	// OP_DATA_33 <pub> OP_2 OP_CHECKSIGALT
	require.Len(t, pk, 36)
	pub, err := hex.DecodeString(s.Address())
	require.NoError(t, err)
	assert.Equal(t, pub, pk[1:34])

	_, err = PkScriptForAddress("definitely not an address")
	assert.Error(t, err)
}
