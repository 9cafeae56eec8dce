package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Signer produces signed transfers for one address.
type Signer interface {
	Address() string
	SignTransfer(req *TransferRequest) (*SignedTransfer, error)
}

// schnorrV0ExtraTag is the EC-Schnorr-DCRv0 nonce domain-separation tag.
// https://github.com/decred/dcrd/blob/master/dcrec/secp256k1/schnorr/README.md?plain=1#L249
var schnorrV0ExtraTag = func() [32]byte {
	const tagHex = "0b75f97b60e8a5762876c004829ee9b926fa6f0d2eeaec3a4fd1446a768331cb"
	b, _ := hex.DecodeString(tagHex)
	var out [32]byte
	copy(out[:], b)
	return out
}()

// KeySigner signs with a held secp256k1 private key. The address is the hex
// of the compressed public key.
type KeySigner struct {
	priv *secp256k1.PrivateKey
	addr string
}

func NewKeySigner(priv *secp256k1.PrivateKey) *KeySigner {
	return &KeySigner{
		priv: priv,
		addr: hex.EncodeToString(priv.PubKey().SerializeCompressed()),
	}
}

// KeySignerFromHex parses a 32-byte hex private key.
func KeySignerFromHex(privHex string) (*KeySigner, error) {
	b, err := hex.DecodeString(strings.TrimSpace(privHex))
	if err != nil {
		return nil, fmt.Errorf("bad privkey hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("privkey must be 32 bytes, got %d", len(b))
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("invalid private key scalar")
	}
	return NewKeySigner(priv), nil
}

// GenerateKeySigner creates a signer with a fresh random key.
func GenerateKeySigner() (*KeySigner, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewKeySigner(priv), nil
}

func (k *KeySigner) Address() string { return k.addr }

// SecretHex exposes the raw key so a custody layer can retain it locally. It
// must never end up inside a shared room record.
func (k *KeySigner) SecretHex() string {
	sb := k.priv.Serialize()
	return hex.EncodeToString(sb)
}

func (k *KeySigner) SignTransfer(req *TransferRequest) (*SignedTransfer, error) {
	r := *req
	if r.From == "" {
		r.From = k.addr
	}
	if r.From != k.addr {
		return nil, fmt.Errorf("signer %s cannot sign for %s", k.addr, r.From)
	}
	m := r.Digest()
	sig, err := signSchnorrV0(k.priv, m[:])
	if err != nil {
		return nil, err
	}
	return &SignedTransfer{
		TransferRequest: r,
		PubKey:          k.addr,
		Signature:       hex.EncodeToString(sig),
	}, nil
}

// signSchnorrV0 deterministically signs a 32-byte digest using
// EC-Schnorr-DCRv0 with RFC6979 nonces, enforcing an even-Y nonce point.
// Returns the 64-byte signature r_x || s.
func signSchnorrV0(priv *secp256k1.PrivateKey, m32 []byte) ([]byte, error) {
	if len(m32) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes")
	}
	var x secp256k1.ModNScalar
	xArr := priv.Serialize()
	if overflow := x.SetByteSlice(xArr); overflow || x.IsZero() {
		return nil, fmt.Errorf("invalid private key scalar")
	}

	extra := blake256.Sum256(schnorrV0ExtraTag[:])
	var version []byte

	// Deterministic retry loop: iterate the RFC6979 stream until the nonce
	// point has even Y and the challenge reduces mod n.
	for iter := uint32(0); ; iter++ {
		k := secp256k1.NonceRFC6979(xArr, m32, extra[:], version, iter)
		if k == nil || k.IsZero() {
			continue
		}
		kb := k.Bytes()
		R := secp256k1.PrivKeyFromBytes(kb[:]).PubKey()
		cp := R.SerializeCompressed()
		if len(cp) != 33 || cp[0] != 0x02 {
			continue
		}
		var r32 [32]byte
		copy(r32[:], cp[1:33])
		h := blake256.Sum256(append(r32[:], m32...))
		var e secp256k1.ModNScalar
		if overflow := e.SetByteSlice(h[:]); overflow { // e >= n -> retry
			continue
		}

		// s = k - e*x (mod n)
		var ex, negex, s secp256k1.ModNScalar
		ex.Set(&e)
		ex.Mul(&x)
		negex.NegateVal(&ex)
		s.Set(k)
		s.Add(&negex)

		sb := s.Bytes()
		sig := make([]byte, 0, 64)
		sig = append(sig, r32[:]...)
		sig = append(sig, sb[:]...)
		return sig, nil
	}
}
