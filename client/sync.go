package client

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/UnclePhil1/chromatic/ringgame"
	"github.com/UnclePhil1/chromatic/store"
)

// DefaultPollInterval is how often each client re-reads the shared record.
// Two clients never coordinate directly; this cadence is the whole sync
// mechanism.
const DefaultPollInterval = 1250 * time.Millisecond

// RoomPoller re-reads one room on a fixed cadence and invokes onUpdate when
// the record actually changed. Ticks are synchronous, so a slow read delays
// the next tick instead of overlapping it.
type RoomPoller struct {
	store    store.RoomStore
	code     string
	interval time.Duration
	onUpdate func(*ringgame.Room)
	log      slog.Logger

	mu   sync.Mutex
	last []byte
	quit chan struct{}
	done chan struct{}
}

func NewRoomPoller(s store.RoomStore, code string, interval time.Duration, onUpdate func(*ringgame.Room), log slog.Logger) *RoomPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &RoomPoller{
		store:    s,
		code:     code,
		interval: interval,
		onUpdate: onUpdate,
		log:      log,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the poll loop until Stop is called or ctx is canceled.
func (p *RoomPoller) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		p.log.Debugf("poller: started for room %s (interval %s)", p.code, p.interval)
		defer p.log.Debugf("poller: stopped for room %s", p.code)

		t := time.NewTicker(p.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.quit:
				return
			case <-t.C:
				p.pollOnce(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight tick to finish. Safe to
// call more than once.
func (p *RoomPoller) Stop() {
	p.mu.Lock()
	select {
	case <-p.quit:
	default:
		close(p.quit)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *RoomPoller) pollOnce(ctx context.Context) {
	room, err := p.store.Get(ctx, p.code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Expired or deleted by the other player; no callback, the
			// client reacts on its own next action.
			return
		}
		p.log.Debugf("poller: read room %s: %v", p.code, err)
		return
	}

	snap := room.Snapshot()
	p.mu.Lock()
	changed := !bytes.Equal(snap, p.last)
	if changed {
		p.last = snap
	}
	p.mu.Unlock()

	if changed {
		p.onUpdate(room)
	}
}
