package client

import (
	"sync"

	"github.com/UnclePhil1/chromatic/ringgame"
)

// Handler types for client events. Handlers run synchronously on the
// poller/action goroutine and must not block.
type (
	// OnRoomUpdatedNtfn fires whenever the shared record changes.
	OnRoomUpdatedNtfn func(room *ringgame.Room)

	// OnPhaseChangedNtfn fires on lifecycle transitions.
	OnPhaseChangedNtfn func(from, to ringgame.Phase)

	// OnCountdownNtfn fires on every observed countdown value change.
	OnCountdownNtfn func(value int)

	// OnEscrowStatusNtfn fires on funding/settlement sub-status changes.
	// err is non-nil only for EscrowError.
	OnEscrowStatusNtfn func(status EscrowStatus, err error)

	// OnInvalidMoveNtfn fires when the engine rejects a local move.
	OnInvalidMoveNtfn func(from, to int, reason string)

	// OnGameEndedNtfn fires once when the room reaches finished.
	OnGameEndedNtfn func(room *ringgame.Room, winner *ringgame.PlayerState)
)

// NotificationRegistration undoes a handler registration.
type NotificationRegistration struct {
	unreg func()
}

func (r NotificationRegistration) Unregister() {
	if r.unreg != nil {
		r.unreg()
	}
}

// NotificationManager tracks handlers for client events. The UI layer
// registers here; the client never renders anything itself.
type NotificationManager struct {
	mu     sync.RWMutex
	nextID uint64

	roomUpdated  map[uint64]OnRoomUpdatedNtfn
	phaseChanged map[uint64]OnPhaseChangedNtfn
	countdown    map[uint64]OnCountdownNtfn
	escrowStatus map[uint64]OnEscrowStatusNtfn
	invalidMove  map[uint64]OnInvalidMoveNtfn
	gameEnded    map[uint64]OnGameEndedNtfn
}

func NewNotificationManager() *NotificationManager {
	return &NotificationManager{
		roomUpdated:  make(map[uint64]OnRoomUpdatedNtfn),
		phaseChanged: make(map[uint64]OnPhaseChangedNtfn),
		countdown:    make(map[uint64]OnCountdownNtfn),
		escrowStatus: make(map[uint64]OnEscrowStatusNtfn),
		invalidMove:  make(map[uint64]OnInvalidMoveNtfn),
		gameEnded:    make(map[uint64]OnGameEndedNtfn),
	}
}

func (nm *NotificationManager) id() uint64 {
	nm.nextID++
	return nm.nextID
}

func (nm *NotificationManager) RegisterRoomUpdated(h OnRoomUpdatedNtfn) NotificationRegistration {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	id := nm.id()
	nm.roomUpdated[id] = h
	return NotificationRegistration{unreg: func() {
		nm.mu.Lock()
		defer nm.mu.Unlock()
		delete(nm.roomUpdated, id)
	}}
}

func (nm *NotificationManager) RegisterPhaseChanged(h OnPhaseChangedNtfn) NotificationRegistration {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	id := nm.id()
	nm.phaseChanged[id] = h
	return NotificationRegistration{unreg: func() {
		nm.mu.Lock()
		defer nm.mu.Unlock()
		delete(nm.phaseChanged, id)
	}}
}

func (nm *NotificationManager) RegisterCountdown(h OnCountdownNtfn) NotificationRegistration {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	id := nm.id()
	nm.countdown[id] = h
	return NotificationRegistration{unreg: func() {
		nm.mu.Lock()
		defer nm.mu.Unlock()
		delete(nm.countdown, id)
	}}
}

func (nm *NotificationManager) RegisterEscrowStatus(h OnEscrowStatusNtfn) NotificationRegistration {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	id := nm.id()
	nm.escrowStatus[id] = h
	return NotificationRegistration{unreg: func() {
		nm.mu.Lock()
		defer nm.mu.Unlock()
		delete(nm.escrowStatus, id)
	}}
}

func (nm *NotificationManager) RegisterInvalidMove(h OnInvalidMoveNtfn) NotificationRegistration {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	id := nm.id()
	nm.invalidMove[id] = h
	return NotificationRegistration{unreg: func() {
		nm.mu.Lock()
		defer nm.mu.Unlock()
		delete(nm.invalidMove, id)
	}}
}

func (nm *NotificationManager) RegisterGameEnded(h OnGameEndedNtfn) NotificationRegistration {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	id := nm.id()
	nm.gameEnded[id] = h
	return NotificationRegistration{unreg: func() {
		nm.mu.Lock()
		defer nm.mu.Unlock()
		delete(nm.gameEnded, id)
	}}
}

func (nm *NotificationManager) notifyRoomUpdated(room *ringgame.Room) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	for _, h := range nm.roomUpdated {
		h(room)
	}
}

func (nm *NotificationManager) notifyPhaseChanged(from, to ringgame.Phase) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	for _, h := range nm.phaseChanged {
		h(from, to)
	}
}

func (nm *NotificationManager) notifyCountdown(value int) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	for _, h := range nm.countdown {
		h(value)
	}
}

func (nm *NotificationManager) notifyEscrowStatus(status EscrowStatus, err error) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	for _, h := range nm.escrowStatus {
		h(status, err)
	}
}

func (nm *NotificationManager) notifyInvalidMove(from, to int, reason string) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	for _, h := range nm.invalidMove {
		h(from, to, reason)
	}
}

func (nm *NotificationManager) notifyGameEnded(room *ringgame.Room, winner *ringgame.PlayerState) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	for _, h := range nm.gameEnded {
		h(room, winner)
	}
}
