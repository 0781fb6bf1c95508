package maildb

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// BadMUIDError is returned when a string purporting to be a MUID does not
// carry this database's prefix, or is otherwise malformed. It wraps eris so
// a caller investigating a corrupted reference later gets the stack trace
// from where the bad value was first resolved, not just where it surfaced.
type BadMUIDError struct {
	Value string
	cause error
}

func (e *BadMUIDError) Error() string {
	return fmt.Sprintf("maildb: bad MUID %q: %v", e.Value, e.cause)
}

func (e *BadMUIDError) Unwrap() error { return e.cause }

func newBadMUIDError(value string, cause error) *BadMUIDError {
	return &BadMUIDError{Value: value, cause: eris.Wrap(cause, "resolving MUID")}
}

// BadTUIDError is the TUID analogue of BadMUIDError.
type BadTUIDError struct {
	Value string
	cause error
}

func (e *BadTUIDError) Error() string {
	return fmt.Sprintf("maildb: bad TUID %q: %v", e.Value, e.cause)
}

func (e *BadTUIDError) Unwrap() error { return e.cause }

func newBadTUIDError(value string, cause error) *BadTUIDError {
	return &BadTUIDError{Value: value, cause: eris.Wrap(cause, "resolving TUID")}
}
