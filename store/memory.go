package store

import (
	"context"
	"strings"
	"sync"

	"github.com/UnclePhil1/chromatic/ringgame"
)

// MemStore is an in-process RoomStore with the same version-check contract as
// the redis-backed store. Used by tests and offline mode.
type MemStore struct {
	mu    sync.RWMutex
	rooms map[string]*ringgame.Room
}

func NewMemStore() *MemStore {
	return &MemStore{rooms: make(map[string]*ringgame.Room)}
}

func (m *MemStore) Get(ctx context.Context, code string) (*ringgame.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[strings.ToUpper(code)]
	if !ok {
		return nil, ErrNotFound
	}
	return room.Clone(), nil
}

func (m *MemStore) Put(ctx context.Context, room *ringgame.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.rooms[room.Code]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != room.Version {
		return ErrVersionMismatch
	}
	next := room.Clone()
	next.Version++
	m.rooms[room.Code] = next
	room.Version = next.Version
	return nil
}

func (m *MemStore) Create(ctx context.Context, room *ringgame.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[room.Code]; ok {
		return ErrExists
	}
	m.rooms[room.Code] = room.Clone()
	return nil
}

func (m *MemStore) Delete(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rooms, strings.ToUpper(code))
	return nil
}
