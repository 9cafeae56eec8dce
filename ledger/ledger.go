// Package ledger adapts an external value-transfer collaborator. The game
// never reimplements the transfer network; it signs transfer requests, hands
// them to a backend, and waits for confirmation.
package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// transferDomainTag domain-separates transfer digests from every other use of
// the key.
const transferDomainTag = "chromatic/transfer/v1"

// Handle identifies a submitted transfer at the backend (a txid or an opaque
// gateway id).
type Handle string

// TransferRequest describes one value movement. OrderingToken pins the
// request to the ledger state observed just before submission.
type TransferRequest struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        int64  `json:"amount"`
	OrderingToken string `json:"orderingToken"`
}

// Digest returns the canonical 32-byte signing digest for the request.
func (r *TransferRequest) Digest() [32]byte {
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], uint64(r.Amount))

	h := blake256.New()
	h.Write([]byte(transferDomainTag))
	h.Write([]byte{'|'})
	h.Write([]byte(r.From))
	h.Write([]byte{'|'})
	h.Write([]byte(r.To))
	h.Write([]byte{'|'})
	h.Write(amt[:])
	h.Write([]byte{'|'})
	h.Write([]byte(r.OrderingToken))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SignedTransfer is a TransferRequest plus an EC-Schnorr-DCRv0 signature over
// its digest. RawTxHex carries a pre-built raw transaction for backends that
// broadcast directly.
type SignedTransfer struct {
	TransferRequest
	PubKey    string `json:"pubKey"`    // 33-byte compressed, hex
	Signature string `json:"signature"` // 64-byte r||s, hex
	RawTxHex  string `json:"rawTx,omitempty"`
}

// Verify checks the signature against the request digest and reports whether
// the signing key matches the From address.
func (st *SignedTransfer) Verify() error {
	if st.PubKey != st.From {
		return errors.New("pubkey does not match sender address")
	}
	pkb, err := hex.DecodeString(st.PubKey)
	if err != nil {
		return fmt.Errorf("bad pubkey hex: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pkb)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}
	sigb, err := hex.DecodeString(st.Signature)
	if err != nil {
		return fmt.Errorf("bad signature hex: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigb)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	m := st.TransferRequest.Digest()
	if !sig.Verify(m[:], pub) {
		return errors.New("bad transfer signature")
	}
	return nil
}

// Ledger is the transfer backend the escrow orchestrator talks to.
type Ledger interface {
	// LatestOrdering returns an opaque token describing the backend's
	// current ordering state (best block hash, sequence number).
	LatestOrdering(ctx context.Context) (string, error)

	// SubmitTransfer hands a signed transfer to the backend.
	SubmitTransfer(ctx context.Context, st *SignedTransfer) (Handle, error)

	// ConfirmTransfer blocks until the transfer is settled or ctx expires.
	ConfirmTransfer(ctx context.Context, h Handle, orderingToken string) error

	// Balance reports the spendable value held by an address.
	Balance(ctx context.Context, address string) (int64, error)
}

// TxBuilder is the optional capability of backends that broadcast raw
// transactions. Callers consult it after signing a transfer request and
// attach the result as RawTxHex before submission; backends that settle from
// the request alone never implement it.
type TxBuilder interface {
	BuildTransferTx(ctx context.Context, signer Signer, destAddr string, amount int64) (string, error)
}
