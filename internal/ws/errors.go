package ws

import (
	"errors"

	"github.com/serroba/patchsync/internal/patch"
)

// ErrorKind is the stable machine readable part of an Error.
type ErrorKind string

// Error kinds.
const (
	KindConflict       ErrorKind = "conflict"
	KindUnauthorized   ErrorKind = "unauthorized"
	KindValidation     ErrorKind = "validation"
	KindNotFound       ErrorKind = "not_found"
	KindInvalidMessage ErrorKind = "invalid_message"
	KindInternal       ErrorKind = "internal"

	// KindIndeterminate never crosses the wire: the connection dropped
	// before the ack arrived, so the outcome is unknown until resync.
	KindIndeterminate ErrorKind = "indeterminate"
)

// Error is the error half of an ack.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}

	return string(e.Kind) + ": " + e.Message
}

// Is matches any *Error of the same kind, so callers can test a received
// error with errors.Is(err, ws.ErrConflict).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)

	return ok && t.Kind == e.Kind
}

// Unwrap lets a received conflict match patch.ErrConflict as well.
func (e *Error) Unwrap() error {
	if e.Kind == KindConflict {
		return patch.ErrConflict
	}

	return nil
}

// Sentinels for errors.Is checks against received acks.
var (
	ErrConflict     = &Error{Kind: KindConflict}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrValidation   = &Error{Kind: KindValidation}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrInternal     = &Error{Kind: KindInternal}

	ErrIndeterminate = &Error{Kind: KindIndeterminate, Message: "connection closed before the server replied"}
)

// Local failures.
var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrQueueFull      = errors.New("client send queue full")
	ErrClientClosed   = errors.New("client closed")
	ErrChannelClosed  = errors.New("channel closed")
)
