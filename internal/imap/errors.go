package imap

import (
	"errors"
	"fmt"
)

// ErrConnClosed is returned by Conn operations once the underlying socket
// has been closed, either by us or by EOF from the peer.
var ErrConnClosed = errors.New("imap: connection closed")

// ErrNotImplemented marks an operation that is intentionally unfinished.
var ErrNotImplemented = errors.New("imap: not implemented")

// CommandError wraps a tagged NO or BAD completion response, so callers can
// distinguish "the server rejected the command" from a transport failure.
type CommandError struct {
	State string // NO or BAD
	Text  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("imap: command failed (%s): %s", e.State, e.Text)
}

// IsNO reports whether err is a CommandError for a tagged NO response.
func IsNO(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.State == "NO"
}

// IsBAD reports whether err is a CommandError for a tagged BAD response.
func IsBAD(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.State == "BAD"
}
