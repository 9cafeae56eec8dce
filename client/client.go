// Package client implements the game session state machine: the six player
// actions, the local mirror of the shared room record, and the poller that
// reconciles it. Rendering is someone else's job; everything observable goes
// through the notification manager.
package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"github.com/UnclePhil1/chromatic/escrow"
	"github.com/UnclePhil1/chromatic/ledger"
	"github.com/UnclePhil1/chromatic/ringgame"
	"github.com/UnclePhil1/chromatic/stats"
	"github.com/UnclePhil1/chromatic/store"
)

// EscrowStatus is the client-side funding/settlement sub-status. It shadows
// the room lifecycle without being part of it.
type EscrowStatus string

const (
	EscrowIdle    EscrowStatus = "idle"
	EscrowFunding EscrowStatus = "funding"
	EscrowFunded  EscrowStatus = "funded"
	EscrowPaying  EscrowStatus = "paying"
	EscrowPaid    EscrowStatus = "paid"
	EscrowError   EscrowStatus = "error"
)

// Config assembles a Client's collaborators.
type Config struct {
	AppCfg *AppConfig
	Log    slog.Logger

	Store  store.RoomStore
	Ledger ledger.Ledger
	Wallet ledger.Signer
	Stats  stats.Recorder

	// Notifications tracks handlers for client events. If nil, the client
	// initializes a new manager.
	Notifications *NotificationManager
}

// Client drives one player's session. All exported methods are safe for
// concurrent use with the poller.
type Client struct {
	mu sync.RWMutex

	browserID string
	playerID  string
	name      string

	wallet  ledger.Signer
	store   store.RoomStore
	orch    *escrow.Orchestrator
	custody escrow.Custody
	stats   stats.Recorder
	ntfns   *NotificationManager
	log     slog.Logger
	appCfg  *AppConfig

	phase        ringgame.Phase
	room         *ringgame.Room
	escrowStatus EscrowStatus
	poller       *RoomPoller

	countdownQuit chan struct{}
	gameEndedSent bool

	// settled retains payout receipts per room so a retried claim replays
	// the record write instead of submitting a second transfer.
	settled map[string]*escrow.Receipt
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("client must have a logger")
	}
	if cfg.AppCfg == nil {
		return nil, fmt.Errorf("client must have an app config")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("client must have a room store")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("client must have a ledger")
	}

	browserID, err := loadBrowserID(cfg.AppCfg.DataDir)
	if err != nil {
		return nil, err
	}
	ntfns := cfg.Notifications
	if ntfns == nil {
		ntfns = NewNotificationManager()
	}
	rec := cfg.Stats
	if rec == nil {
		rec = stats.NopRecorder{}
	}

	return &Client{
		browserID:    browserID,
		playerID:     uuid.NewString(),
		wallet:       cfg.Wallet,
		store:        cfg.Store,
		orch:         escrow.NewOrchestrator(cfg.Store, cfg.Ledger, cfg.Log),
		stats:        rec,
		ntfns:        ntfns,
		log:          cfg.Log,
		appCfg:       cfg.AppCfg,
		phase:        ringgame.PhaseMenu,
		escrowStatus: EscrowIdle,
		settled:      make(map[string]*escrow.Receipt),
	}, nil
}

// loadBrowserID returns the stable per-installation identity, creating it on
// first run. It survives restarts so a player can rejoin their own room.
func loadBrowserID(datadir string) (string, error) {
	path := filepath.Join(datadir, "browser_id")
	b, err := os.ReadFile(path)
	if err == nil && len(strings.TrimSpace(string(b))) > 0 {
		return strings.TrimSpace(string(b)), nil
	}
	id := uuid.NewString()
	if err := os.MkdirAll(datadir, 0o700); err != nil {
		return "", fmt.Errorf("create datadir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist browser id: %w", err)
	}
	return id, nil
}

// BrowserID returns the stable identity used to recognize this installation
// inside room records.
func (c *Client) BrowserID() string { return c.browserID }

// Phase returns the current lifecycle phase as seen by this client.
func (c *Client) Phase() ringgame.Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Room returns a copy of the local room mirror, or nil outside a session.
func (c *Client) Room() *ringgame.Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.room == nil {
		return nil
	}
	return c.room.Clone()
}

// EscrowState returns the funding/settlement sub-status.
func (c *Client) EscrowState() EscrowStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.escrowStatus
}

// InviteLink returns the shareable link for the current room.
func (c *Client) InviteLink() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.room == nil {
		return ""
	}
	return fmt.Sprintf("%s/%s", strings.TrimRight(c.appCfg.ShareBase, "/"), c.room.Code)
}

func (c *Client) setEscrowStatus(status EscrowStatus, cause error) {
	c.mu.Lock()
	c.escrowStatus = status
	c.mu.Unlock()
	c.ntfns.notifyEscrowStatus(status, cause)
}

// applyRemote reconciles a freshly read record into the local mirror and
// fires the relevant notifications. Runs on the poller goroutine.
func (c *Client) applyRemote(room *ringgame.Room) {
	c.mu.Lock()
	prevPhase := c.phase
	prevCountdown := -1
	if c.room != nil {
		prevCountdown = c.room.Countdown
	}
	c.room = room.Clone()
	if room.Phase != "" {
		c.phase = room.Phase
	}
	endedNow := room.Phase == ringgame.PhaseFinished && !c.gameEndedSent
	if endedNow {
		c.gameEndedSent = true
	}
	c.mu.Unlock()

	c.ntfns.notifyRoomUpdated(room)
	if room.Phase != prevPhase {
		c.ntfns.notifyPhaseChanged(prevPhase, room.Phase)
	}
	if room.Phase == ringgame.PhaseCountdown && room.Countdown != prevCountdown {
		c.ntfns.notifyCountdown(room.Countdown)
	}
	if endedNow {
		c.ntfns.notifyGameEnded(room, room.Winner())
		c.maybeSettleForWinner(room)
	}
}

// maybeSettleForWinner pushes the pot to the winner's wallet when this client
// lost the game but holds the escrow authority. Without it the pot would sit
// with the custody holder until the winner somehow obtained the escrow key.
func (c *Client) maybeSettleForWinner(room *ringgame.Room) {
	winner := room.Winner()
	if winner == nil || winner.BrowserID == c.browserID ||
		winner.Wallet == "" || room.Wager.PaidOut {
		return
	}
	if _, err := c.escrowCustody(room); err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := c.settlePot(ctx, room, winner, winner.Wallet); err != nil {
			c.log.Warnf("room %s: settle for winner: %v", room.Code, err)
		}
	}()
}

// startPolling launches the room poller for the current room.
func (c *Client) startPolling(ctx context.Context, code string) {
	interval := c.appCfg.PollInterval
	p := NewRoomPoller(c.store, code, interval, c.applyRemote, c.log)
	c.mu.Lock()
	c.poller = p
	c.mu.Unlock()
	p.Start(ctx)
}

func (c *Client) stopPolling() {
	c.mu.Lock()
	p := c.poller
	c.poller = nil
	c.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// escrowCustody resolves the authority able to settle the current room. The
// host that generated the escrow key holds it on disk; in self-custody mode
// the matching wallet doubles as authority.
func (c *Client) escrowCustody(room *ringgame.Room) (escrow.Custody, error) {
	c.mu.RLock()
	cust := c.custody
	c.mu.RUnlock()
	if cust != nil && cust.EscrowAddress() == room.Wager.EscrowAddress {
		return cust, nil
	}

	switch room.Wager.Mode {
	case ringgame.EscrowModeSelf:
		if c.wallet != nil && c.wallet.Address() == room.Wager.EscrowAddress {
			return escrow.NewSelfCustody(c.wallet), nil
		}
	case ringgame.EscrowModeGenerated:
		b, err := os.ReadFile(c.escrowKeyPath(room.Code))
		if err == nil {
			cust, err := escrow.GeneratedCustodyFromHex(strings.TrimSpace(string(b)))
			if err == nil && cust.EscrowAddress() == room.Wager.EscrowAddress {
				return cust, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no escrow authority for room %s", ErrNotConnected, room.Code)
}

func (c *Client) escrowKeyPath(code string) string {
	return filepath.Join(c.appCfg.DataDir, "escrow-"+strings.ToUpper(code)+".key")
}

// payoutAddress picks where this client's winnings should land.
func (c *Client) payoutAddress() string {
	if c.appCfg.PayoutAddress != "" {
		return c.appCfg.PayoutAddress
	}
	if c.wallet != nil {
		return c.wallet.Address()
	}
	return ""
}

// fireStats runs a recorder call without ever blocking or failing an action.
func (c *Client) fireStats(name string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.log.Warnf("stats: %s: %v", name, err)
		}
	}()
}
