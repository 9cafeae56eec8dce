package client

import (
	"errors"

	"github.com/UnclePhil1/chromatic/escrow"
)

// Action error taxonomy. Escrow-originated sentinels are shared with the
// orchestrator so callers can errors.Is against either package.
var (
	ErrNotConnected       = escrow.ErrNotConnected
	ErrFundingFailed      = escrow.ErrFundingFailed
	ErrAlreadyPaid        = escrow.ErrAlreadyPaid
	ErrInsufficientEscrow = escrow.ErrInsufficientEscrow
	ErrSettlementFailed   = escrow.ErrSettlementFailed

	// ErrInvalidInput covers empty names, non-positive wagers and malformed
	// room codes.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRoomNotFound means no room exists under the given code.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomFull means the room already holds two players.
	ErrRoomFull = errors.New("room is full")

	// ErrAlreadyJoined means this browser identity is already seated.
	ErrAlreadyJoined = errors.New("already joined this room")
)
