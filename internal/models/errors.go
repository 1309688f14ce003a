package models

import (
	"errors"
	"fmt"
)

var (
	// general errors.
	ErrEmptyURL   = errors.New("URL cannot be empty")
	ErrEmptyToken = errors.New("token cannot be empty")

	// connection errors.
	ErrNoConnectionToReadFrom = errors.New("no connection to read from")
	ErrNoConnectionToWriteTo  = errors.New("no connection to write to")
	ErrConnectionClosed       = errors.New("connection closed")

	// home assistant errors.
	ErrNoStatesReceived      = errors.New("no states received")
	ErrUnexpectedMessageType = errors.New("unexpected message type")
	ErrServiceCallFailed     = errors.New("service call failed")
	ErrNoTargets             = errors.New("no targets given")

	// entity errors.
	ErrEmptyEntityID   = errors.New("empty entity id")
	ErrInvalidEntityID = errors.New("invalid entity id")

	// presence errors.
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidDuration   = errors.New("invalid timer duration")

	// room errors.
	ErrUnknownRoom    = errors.New("unknown room")
	ErrUnknownSwitch  = errors.New("unknown switch")
	ErrUnknownNumber  = errors.New("unknown number")
	ErrUnknownTime    = errors.New("unknown time")
	ErrInvalidValue   = errors.New("invalid value")
	ErrRoomNotReady   = errors.New("room not configured")
	ErrDuplicateRoom  = errors.New("duplicate room")
	ErrInvalidRoomCfg = errors.New("invalid room config")

	// storage errors.
	ErrInvalidStateKey = errors.New("invalid state key")
)

func EmptyEntityIDErr() error {
	return fmt.Errorf("%w", ErrEmptyEntityID)
}

func InvalidEntityIDErr(rawEntityID string) error {
	return fmt.Errorf("%w: %s", ErrInvalidEntityID, rawEntityID)
}
