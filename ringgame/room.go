package ringgame

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"
)

// Phase is the coarse lifecycle stage of a room. "menu" exists only client
// side; a stored room is always lobby or later.
type Phase string

const (
	PhaseMenu      Phase = "menu"
	PhaseLobby     Phase = "lobby"
	PhaseCountdown Phase = "countdown"
	PhasePlaying   Phase = "playing"
	PhaseFinished  Phase = "finished"
)

// CountdownStart is the number of one-second ticks the host drives before the
// room flips to playing.
const CountdownStart = 5

// EscrowMode selects who holds the escrow authority for a room. The two modes
// are mutually exclusive per room.
type EscrowMode string

const (
	// EscrowModeGenerated uses a fresh per-room keypair as escrow; the network
	// fee is paid from the escrow float so the winner receives the full pot.
	EscrowModeGenerated EscrowMode = "generated"
	// EscrowModeSelf uses a participant's own wallet as escrow; a fixed fee
	// reserve is deducted from the payout.
	EscrowModeSelf EscrowMode = "self"
)

// PlayerState is one participant's slice of the shared record. Each client
// writes back only its own PlayerState; everything else is a mirror.
type PlayerState struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Host      bool   `json:"isHost"`
	BrowserID string `json:"browserId"`
	Wallet    string `json:"wallet"`
	Board     Board  `json:"board"`
	Moves     int    `json:"moves"`
	Winner    bool   `json:"isWinner"`
}

// Wager is the staked value held in escrow. Set once at host time; only the
// PaidOut flag ever changes afterwards, and only false -> true.
type Wager struct {
	Amount        int64      `json:"amount"`
	EscrowAddress string     `json:"escrowAddress"`
	Mode          EscrowMode `json:"mode"`
	PaidOut       bool       `json:"paidOut"`
}

// Claim is the provisional settlement marker written before a payout attempt.
// Only the writer whose version-checked write lands proceeds to settle.
type Claim struct {
	Claimant string    `json:"claimant"`
	At       time.Time `json:"at"`
}

// Room is the shared record describing one game session. It lives in the
// external store; every client holds a reconciled, never-authoritative mirror.
type Room struct {
	Code       string        `json:"roomCode"`
	Players    []PlayerState `json:"players"`
	Phase      Phase         `json:"gamePhase"`
	Countdown  int           `json:"countdownValue"`
	Wager      Wager         `json:"wager"`
	WinnerID   string        `json:"winnerId,omitempty"`
	Claim      *Claim        `json:"claim,omitempty"`
	Version    int64         `json:"version"`
	LastUpdate time.Time     `json:"lastUpdate"`
}

// roomCodeAlphabet excludes nothing: short uppercase base36 codes, matching
// what players type and share.
const (
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	RoomCodeLen      = 6
)

// NewRoomCode returns a fresh random room code. Uniqueness is best effort;
// creation must still check the store and retry on collision.
func NewRoomCode() (string, error) {
	buf := make([]byte, RoomCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate room code: %w", err)
	}
	for i, b := range buf {
		buf[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
	}
	return string(buf), nil
}

// Host returns the hosting player, if present.
func (r *Room) Host() *PlayerState {
	for i := range r.Players {
		if r.Players[i].Host {
			return &r.Players[i]
		}
	}
	return nil
}

// Player returns the player with the given stable browser id, if present.
func (r *Room) Player(browserID string) *PlayerState {
	for i := range r.Players {
		if r.Players[i].BrowserID == browserID {
			return &r.Players[i]
		}
	}
	return nil
}

// Winner returns the declared winner. Set iff Phase is finished.
func (r *Room) Winner() *PlayerState {
	if r.WinnerID == "" {
		return nil
	}
	for i := range r.Players {
		if r.Players[i].ID == r.WinnerID {
			return &r.Players[i]
		}
	}
	return nil
}

// Full reports whether the room already holds two players.
func (r *Room) Full() bool { return len(r.Players) >= 2 }

// Pot is the total staked value: both players' contributions.
func (r *Room) Pot() int64 { return r.Wager.Amount * 2 }

// Touch bumps the record's last-update timestamp.
func (r *Room) Touch() { r.LastUpdate = time.Now().UTC() }

// Snapshot serializes the room to stable bytes for change detection. Version
// participates, so any landed write is observed as a change.
func (r *Room) Snapshot() []byte {
	b, err := json.Marshal(r)
	if err != nil {
		// Room is plain data; marshaling cannot fail at runtime.
		panic(fmt.Sprintf("room snapshot: %v", err))
	}
	return b
}

// Clone returns a deep copy so local mutation never aliases the mirror.
func (r *Room) Clone() *Room {
	out := *r
	out.Players = make([]PlayerState, len(r.Players))
	for i, p := range r.Players {
		p.Board = p.Board.clone()
		out.Players[i] = p
	}
	if r.Claim != nil {
		c := *r.Claim
		out.Claim = &c
	}
	return &out
}
