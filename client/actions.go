package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/UnclePhil1/chromatic/escrow"
	"github.com/UnclePhil1/chromatic/ringgame"
	"github.com/UnclePhil1/chromatic/store"
)

// roomCreateAttempts bounds the collision retry when picking a room code.
const roomCreateAttempts = 5

// claimFreshness is how long another player's settlement claim blocks ours
// before it is considered abandoned.
const claimFreshness = 30 * time.Second

// HostGame creates a room, stakes the host's wager and starts polling. On
// funding failure the room is deleted again and the client stays in menu.
func (c *Client) HostGame(ctx context.Context, name string, amount int64) (*ringgame.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidInput)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: wager must be positive", ErrInvalidInput)
	}
	if c.wallet == nil || c.wallet.Address() == "" {
		return nil, ErrNotConnected
	}

	custody, err := c.newCustody()
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	room := &ringgame.Room{
		Phase:     ringgame.PhaseLobby,
		Countdown: 0,
		Wager: ringgame.Wager{
			Amount:        amount,
			EscrowAddress: custody.EscrowAddress(),
			Mode:          custody.Mode(),
			PaidOut:       false,
		},
		Players: []ringgame.PlayerState{{
			ID:        c.playerID,
			Name:      name,
			Host:      true,
			BrowserID: c.browserID,
			Wallet:    c.wallet.Address(),
			Board:     ringgame.NewDeal(rng),
		}},
	}
	room.Touch()

	// Codes are random; collisions are unlikely but must be survived.
	created := false
	for i := 0; i < roomCreateAttempts && !created; i++ {
		code, err := ringgame.NewRoomCode()
		if err != nil {
			return nil, err
		}
		room.Code = code
		switch err := c.store.Create(ctx, room); {
		case err == nil:
			created = true
		case errors.Is(err, store.ErrExists):
			continue
		default:
			return nil, fmt.Errorf("create room: %w", err)
		}
	}
	if !created {
		return nil, fmt.Errorf("create room: could not find a free code")
	}

	if g, ok := custody.(*escrow.GeneratedCustody); ok {
		if err := c.persistEscrowKey(room.Code, g); err != nil {
			_ = c.store.Delete(ctx, room.Code)
			return nil, err
		}
	}

	c.setEscrowStatus(EscrowFunding, nil)
	if _, err := c.orch.Fund(ctx, c.wallet, room); err != nil {
		c.setEscrowStatus(EscrowError, err)
		_ = c.store.Delete(ctx, room.Code)
		_ = os.Remove(c.escrowKeyPath(room.Code))
		return nil, err
	}
	c.setEscrowStatus(EscrowFunded, nil)

	c.mu.Lock()
	c.name = name
	c.custody = custody
	c.room = room.Clone()
	c.phase = ringgame.PhaseLobby
	c.gameEndedSent = false
	c.mu.Unlock()
	c.startPolling(ctx, room.Code)

	c.log.Infof("hosting room %s, wager %d, escrow %s (%s)",
		room.Code, amount, room.Wager.EscrowAddress, room.Wager.Mode)
	c.fireStats("bet", func(ctx context.Context) error {
		return c.stats.RecordBet(ctx, amount)
	})
	c.fireStats("challenge", func(ctx context.Context) error {
		return c.stats.RecordChallenge(ctx, name, c.wallet.Address())
	})
	return room.Clone(), nil
}

func (c *Client) newCustody() (escrow.Custody, error) {
	switch c.appCfg.EscrowMode {
	case ringgame.EscrowModeSelf:
		if c.wallet == nil {
			return nil, ErrNotConnected
		}
		return escrow.NewSelfCustody(c.wallet), nil
	default:
		return escrow.NewGeneratedCustody()
	}
}

// persistEscrowKey keeps the generated escrow secret in the local datadir so
// a restarted host can still settle. It never touches the shared record.
func (c *Client) persistEscrowKey(code string, g *escrow.GeneratedCustody) error {
	path := c.escrowKeyPath(code)
	if err := os.WriteFile(path, []byte(g.SecretHex()+"\n"), 0o600); err != nil {
		return fmt.Errorf("persist escrow key: %w", err)
	}
	return nil
}

// JoinGame seats this player in an existing room. The guest's wager is
// staked before the record is touched, so a funded guest is never missing
// from the room and an unfunded guest never appears in it.
func (c *Client) JoinGame(ctx context.Context, name, code string) (*ringgame.Room, error) {
	name = strings.TrimSpace(name)
	code = strings.ToUpper(strings.TrimSpace(code))
	if name == "" || code == "" {
		return nil, fmt.Errorf("%w: name and room code required", ErrInvalidInput)
	}
	if c.wallet == nil || c.wallet.Address() == "" {
		return nil, ErrNotConnected
	}

	room, err := c.store.Get(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("read room: %w", err)
	}
	if err := guardJoin(room, c.browserID); err != nil {
		return nil, err
	}

	c.setEscrowStatus(EscrowFunding, nil)
	if _, err := c.orch.Fund(ctx, c.wallet, room); err != nil {
		c.setEscrowStatus(EscrowError, err)
		return nil, err
	}
	c.setEscrowStatus(EscrowFunded, nil)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	guest := ringgame.PlayerState{
		ID:        c.playerID,
		Name:      name,
		BrowserID: c.browserID,
		Wallet:    c.wallet.Address(),
		Board:     ringgame.NewDeal(rng),
	}
	updated, err := store.Update(ctx, c.store, code, func(r *ringgame.Room) error {
		// Guards re-run on every retry: a competing join may have landed.
		if err := guardJoin(r, c.browserID); err != nil {
			return err
		}
		r.Players = append(r.Players, guest)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.name = name
	c.room = updated.Clone()
	c.phase = updated.Phase
	c.gameEndedSent = false
	c.mu.Unlock()
	c.startPolling(ctx, code)

	c.log.Infof("joined room %s as %s", code, name)
	c.fireStats("bet", func(ctx context.Context) error {
		return c.stats.RecordBet(ctx, updated.Wager.Amount)
	})
	c.fireStats("challenge", func(ctx context.Context) error {
		return c.stats.RecordChallenge(ctx, name, c.wallet.Address())
	})
	return updated.Clone(), nil
}

func guardJoin(r *ringgame.Room, browserID string) error {
	if r.Full() {
		return fmt.Errorf("%w: %s", ErrRoomFull, r.Code)
	}
	if r.Wager.Amount <= 0 {
		return fmt.Errorf("%w: room %s has no wager", ErrInvalidInput, r.Code)
	}
	if r.Player(browserID) != nil {
		return fmt.Errorf("%w: room %s", ErrAlreadyJoined, r.Code)
	}
	if r.Phase != ringgame.PhaseLobby {
		return fmt.Errorf("%w: game already started in room %s", ErrInvalidInput, r.Code)
	}
	return nil
}

// StartGame moves a full lobby into the countdown. Host only. The host's
// client then drives the countdown ticks; guests only observe them.
func (c *Client) StartGame(ctx context.Context) error {
	c.mu.RLock()
	room := c.room
	c.mu.RUnlock()
	if room == nil {
		return fmt.Errorf("%w: not in a room", ErrInvalidInput)
	}
	me := room.Player(c.browserID)
	if me == nil || !me.Host {
		return fmt.Errorf("%w: only the host can start", ErrInvalidInput)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	updated, err := store.Update(ctx, c.store, room.Code, func(r *ringgame.Room) error {
		if r.Phase != ringgame.PhaseLobby {
			return fmt.Errorf("%w: phase is %s", ErrInvalidInput, r.Phase)
		}
		if !r.Full() {
			return fmt.Errorf("%w: need two players", ErrInvalidInput)
		}
		// Fresh boards and zeroed counters for a fair start.
		for i := range r.Players {
			r.Players[i].Board = ringgame.NewDeal(rng)
			r.Players[i].Moves = 0
			r.Players[i].Winner = false
		}
		r.WinnerID = ""
		r.Claim = nil
		r.Phase = ringgame.PhaseCountdown
		r.Countdown = ringgame.CountdownStart
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.room = updated.Clone()
	c.phase = ringgame.PhaseCountdown
	quit := make(chan struct{})
	c.countdownQuit = quit
	c.mu.Unlock()

	go c.driveCountdown(ctx, room.Code, quit)
	c.log.Infof("room %s: countdown started", room.Code)
	return nil
}

// driveCountdown decrements the shared countdown once per second and flips
// the room to playing at zero. Every write is version-checked; if the room
// moved on without us (another host restart), the driver just stops.
func (c *Client) driveCountdown(ctx context.Context, code string, quit chan struct{}) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case <-t.C:
		}

		done := false
		_, err := store.Update(ctx, c.store, code, func(r *ringgame.Room) error {
			if r.Phase != ringgame.PhaseCountdown {
				done = true
				return nil
			}
			r.Countdown--
			if r.Countdown <= 0 {
				r.Countdown = 0
				r.Phase = ringgame.PhasePlaying
				done = true
			}
			return nil
		})
		if err != nil {
			c.log.Warnf("countdown: room %s: %v", code, err)
			return
		}
		if done {
			return
		}
	}
}

// ApplyMove plays one ring move on this player's own board. Rejected moves
// change nothing and surface an invalid-move notification; accepted moves
// are written back, and a winning move declares the result in the same
// record replace.
func (c *Client) ApplyMove(ctx context.Context, from, to int) error {
	c.mu.RLock()
	room := c.room
	phase := c.phase
	c.mu.RUnlock()
	if room == nil || phase != ringgame.PhasePlaying {
		return fmt.Errorf("%w: no game in progress", ErrInvalidInput)
	}
	me := room.Player(c.browserID)
	if me == nil {
		return fmt.Errorf("%w: not seated in room %s", ErrInvalidInput, room.Code)
	}

	next, ok := me.Board.ApplyMove(from, to)
	if !ok {
		c.ntfns.notifyInvalidMove(from, to, "move not allowed")
		return nil
	}
	won := next.CheckWin()

	updated, err := store.Update(ctx, c.store, room.Code, func(r *ringgame.Room) error {
		if r.Phase != ringgame.PhasePlaying {
			return fmt.Errorf("%w: phase is %s", ErrInvalidInput, r.Phase)
		}
		p := r.Player(c.browserID)
		if p == nil {
			return fmt.Errorf("%w: seat lost in room %s", ErrInvalidInput, r.Code)
		}
		// Each client writes only its own slice of the record.
		p.Board = next
		p.Moves++
		if won {
			p.Winner = true
			r.WinnerID = p.ID
			r.Phase = ringgame.PhaseFinished
			r.Wager.PaidOut = false
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.room = updated.Clone()
	c.phase = updated.Phase
	c.mu.Unlock()
	if won {
		c.log.Infof("room %s: %s wins after %d moves", room.Code, me.Name, me.Moves+1)
	}
	return nil
}

// ClaimWinnings settles the pot. The winner claims to their own payout
// address; the holder of the escrow authority may also claim on the winner's
// behalf, paying the winner's wallet, so a pot never strands with the loser.
// A settlement that finds the pot already paid is success, not failure.
func (c *Client) ClaimWinnings(ctx context.Context) error {
	c.mu.RLock()
	room := c.room
	c.mu.RUnlock()
	if room == nil || room.Phase != ringgame.PhaseFinished {
		return fmt.Errorf("%w: no finished game", ErrInvalidInput)
	}
	winner := room.Winner()
	if winner == nil {
		return fmt.Errorf("%w: no winner declared", ErrInvalidInput)
	}
	if winner.BrowserID == c.browserID {
		dest := c.payoutAddress()
		if dest == "" {
			return ErrNotConnected
		}
		return c.settlePot(ctx, room, winner, dest)
	}
	if _, err := c.escrowCustody(room); err != nil {
		return fmt.Errorf("%w: only the winner or the escrow holder can claim", ErrInvalidInput)
	}
	if winner.Wallet == "" {
		return fmt.Errorf("%w: winner has no wallet on record", ErrInvalidInput)
	}
	return c.settlePot(ctx, room, winner, winner.Wallet)
}

// settlePot runs the claim-marker, settle and flag sequence paying dest. The
// provisional claim marker is written first so two racing claimants cannot
// both reach the ledger; the loser of the race observes paidOut or a fresh
// foreign claim and backs off.
func (c *Client) settlePot(ctx context.Context, room *ringgame.Room, winner *ringgame.PlayerState, dest string) error {
	// A payout that landed earlier but missed its record write only needs
	// the flag replayed, never a second transfer.
	c.mu.RLock()
	prior := c.settled[room.Code]
	c.mu.RUnlock()
	if prior != nil {
		if cur, err := c.store.Get(ctx, room.Code); err == nil && cur.Wager.PaidOut {
			c.setEscrowStatus(EscrowPaid, nil)
			return nil
		}
		return c.finishPayout(ctx, room, winner, prior)
	}

	// Provisional claim marker, version-checked.
	_, err := store.Update(ctx, c.store, room.Code, func(r *ringgame.Room) error {
		if r.Wager.PaidOut {
			return ErrAlreadyPaid
		}
		if r.Claim != nil && r.Claim.Claimant != c.browserID &&
			time.Since(r.Claim.At) < claimFreshness {
			return fmt.Errorf("%w: settlement already in progress", ErrSettlementFailed)
		}
		r.Claim = &ringgame.Claim{Claimant: c.browserID, At: time.Now().UTC()}
		return nil
	})
	if errors.Is(err, ErrAlreadyPaid) {
		c.setEscrowStatus(EscrowPaid, nil)
		return nil
	}
	if err != nil {
		return err
	}

	custody, err := c.escrowCustody(room)
	if err != nil {
		c.clearClaim(ctx, room.Code)
		return err
	}

	c.setEscrowStatus(EscrowPaying, nil)
	receipt, err := c.orch.Settle(ctx, custody, room, dest)
	if errors.Is(err, ErrAlreadyPaid) {
		// Someone else's payout landed while we raced; that is still a
		// settled pot.
		c.setEscrowStatus(EscrowPaid, nil)
		return nil
	}
	if err != nil {
		c.setEscrowStatus(EscrowError, err)
		c.clearClaim(ctx, room.Code)
		return err
	}

	// The transfer is final from here on. Remember the receipt before the
	// record write so a retry after a failed write replays the flag instead
	// of submitting again.
	c.mu.Lock()
	c.settled[room.Code] = receipt
	c.mu.Unlock()

	return c.finishPayout(ctx, room, winner, receipt)
}

// finishPayout flips the paidOut flag after a completed transfer and fires
// the outcome side effects.
func (c *Client) finishPayout(ctx context.Context, room *ringgame.Room, winner *ringgame.PlayerState, receipt *escrow.Receipt) error {
	updated, err := store.Update(ctx, c.store, room.Code, func(r *ringgame.Room) error {
		r.Wager.PaidOut = true
		r.Claim = nil
		return nil
	})
	if err != nil {
		// The transfer is done; failing here still means the winner got
		// paid, and the retained receipt guards the retry.
		c.log.Errorf("room %s: payout landed (tx %s) but flag write failed: %v",
			room.Code, receipt.Handle, err)
		return fmt.Errorf("%w: record update: %v", ErrSettlementFailed, err)
	}

	c.mu.Lock()
	c.room = updated.Clone()
	c.mu.Unlock()
	c.setEscrowStatus(EscrowPaid, nil)

	loser := otherPlayer(updated, winner.ID)
	if loser != nil {
		w, l := *winner, *loser
		pot, stake := updated.Pot(), updated.Wager.Amount
		c.fireStats("outcome", func(ctx context.Context) error {
			return c.stats.RecordOutcome(ctx, w.Name, w.Wallet, l.Name, l.Wallet, pot, stake)
		})
	}
	c.log.Infof("room %s: settled %d to %s (tx %s)",
		room.Code, receipt.Amount, receipt.To, receipt.Handle)
	return nil
}

func otherPlayer(r *ringgame.Room, id string) *ringgame.PlayerState {
	for i := range r.Players {
		if r.Players[i].ID != id {
			return &r.Players[i]
		}
	}
	return nil
}

// clearClaim removes our provisional claim marker, best effort.
func (c *Client) clearClaim(ctx context.Context, code string) {
	_, err := store.Update(ctx, c.store, code, func(r *ringgame.Room) error {
		if r.Claim != nil && r.Claim.Claimant == c.browserID {
			r.Claim = nil
		}
		return nil
	})
	if err != nil {
		c.log.Debugf("room %s: clear claim: %v", code, err)
	}
}

// LeaveGame tears the session down locally. The shared record is deleted
// only when this identity hosts it and the game either never started or is
// fully settled; anything else belongs to the other player too.
func (c *Client) LeaveGame(ctx context.Context) error {
	c.stopPolling()

	c.mu.Lock()
	room := c.room
	quit := c.countdownQuit
	c.countdownQuit = nil
	c.room = nil
	c.phase = ringgame.PhaseMenu
	c.custody = nil
	c.gameEndedSent = false
	c.escrowStatus = EscrowIdle
	c.mu.Unlock()
	if quit != nil {
		close(quit)
	}
	if room == nil {
		return nil
	}

	me := room.Player(c.browserID)
	if me != nil && me.Host {
		deletable := room.Phase == ringgame.PhaseLobby ||
			(room.Phase == ringgame.PhaseFinished && room.Wager.PaidOut)
		if deletable {
			if err := c.store.Delete(ctx, room.Code); err != nil {
				c.log.Warnf("room %s: delete on leave: %v", room.Code, err)
			}
			_ = os.Remove(c.escrowKeyPath(room.Code))
		}
	}
	c.log.Infof("left room %s", room.Code)
	return nil
}
