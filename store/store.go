package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/UnclePhil1/chromatic/ringgame"
)

var (
	// ErrNotFound is returned when no room exists under the given code.
	ErrNotFound = errors.New("room not found")

	// ErrVersionMismatch is returned by Put when the stored room's version
	// differs from the caller's copy. Callers re-read and retry.
	ErrVersionMismatch = errors.New("room version mismatch")

	// ErrExists is returned by Create when the room code is already taken.
	ErrExists = errors.New("room already exists")
)

// RoomStore is the shared record the two clients coordinate through. Put is
// version-checked: it succeeds only when the stored version matches the
// caller's copy, and writes with the version incremented.
type RoomStore interface {
	Get(ctx context.Context, code string) (*ringgame.Room, error)
	Put(ctx context.Context, room *ringgame.Room) error
	Create(ctx context.Context, room *ringgame.Room) error
	Delete(ctx context.Context, code string) error
}

// maxUpdateAttempts bounds the read-mutate-write retry loop.
const maxUpdateAttempts = 8

// Update runs a read-mutate-write cycle against the store, retrying on
// version mismatches. mutate receives a private copy of the room and may
// return an error to abort; the mutated room is returned on success.
func Update(ctx context.Context, s RoomStore, code string, mutate func(*ringgame.Room) error) (*ringgame.Room, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		room, err := s.Get(ctx, code)
		if err != nil {
			return nil, err
		}
		if err := mutate(room); err != nil {
			return nil, err
		}
		room.Touch()
		err = s.Put(ctx, room)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, ErrVersionMismatch) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("room %s: update contention: %w", code, lastErr)
}
