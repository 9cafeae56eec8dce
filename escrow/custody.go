package escrow

import (
	"fmt"

	"github.com/UnclePhil1/chromatic/ledger"
	"github.com/UnclePhil1/chromatic/ringgame"
)

// Custody decides who holds the escrow authority for a room. The escrow
// address goes into the shared record; the signing material never does.
type Custody interface {
	EscrowAddress() string
	EscrowSigner() (ledger.Signer, error)
	Mode() ringgame.EscrowMode
}

// GeneratedCustody holds a fresh per-room keypair. The secret stays inside
// this process; peers only ever see the address.
type GeneratedCustody struct {
	signer *ledger.KeySigner
}

func NewGeneratedCustody() (*GeneratedCustody, error) {
	s, err := ledger.GenerateKeySigner()
	if err != nil {
		return nil, fmt.Errorf("generate escrow key: %w", err)
	}
	return &GeneratedCustody{signer: s}, nil
}

// GeneratedCustodyFromHex restores custody from locally retained secret
// material, e.g. after a host restart.
func GeneratedCustodyFromHex(privHex string) (*GeneratedCustody, error) {
	s, err := ledger.KeySignerFromHex(privHex)
	if err != nil {
		return nil, err
	}
	return &GeneratedCustody{signer: s}, nil
}

func (g *GeneratedCustody) EscrowAddress() string { return g.signer.Address() }

func (g *GeneratedCustody) EscrowSigner() (ledger.Signer, error) { return g.signer, nil }

func (g *GeneratedCustody) Mode() ringgame.EscrowMode { return ringgame.EscrowModeGenerated }

// SecretHex exposes the escrow secret for local persistence only.
func (g *GeneratedCustody) SecretHex() string { return g.signer.SecretHex() }

// SelfCustody points the escrow at a participant's own wallet. Only that
// participant can settle; the fee reserve comes out of the payout.
type SelfCustody struct {
	signer ledger.Signer
}

func NewSelfCustody(signer ledger.Signer) *SelfCustody {
	return &SelfCustody{signer: signer}
}

func (s *SelfCustody) EscrowAddress() string { return s.signer.Address() }

func (s *SelfCustody) EscrowSigner() (ledger.Signer, error) {
	if s.signer == nil || s.signer.Address() == "" {
		return nil, fmt.Errorf("no wallet signer attached")
	}
	return s.signer, nil
}

func (s *SelfCustody) Mode() ringgame.EscrowMode { return ringgame.EscrowModeSelf }
