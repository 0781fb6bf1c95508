// Package fetchloop implements resilient, long-running retrieval of
// messages from a selected IMAP mailbox into a Processor: sequence
// scanning with EXPUNGE-aware renumbering, IDLE/poll-based waiting for new
// mail, and the reconnect/error-classification policy that keeps a fetch
// running across transient server hiccups.
package fetchloop

import (
	"sync"

	"github.com/eslider/mailkit/internal/imap"
)

// Scanner decides which sequence number to fetch next from the selected
// mailbox, and is notified as messages are processed or expunged so it can
// keep its cursor correct as the mailbox renumbers around it.
type Scanner interface {
	// Attach wires the scanner to sess's EXPUNGE stream for the lifetime
	// of the scan. The returned func detaches it.
	Attach(sess *imap.Session) (detach func())
	// Next returns the next sequence number to fetch, or done=true once
	// the scanner has reached the end of what it was asked to cover.
	Next() (seq uint32, done bool)
	// Advance tells the scanner that seq was successfully processed.
	Advance(seq uint32)
}

// SeqIDScanner walks every message in the mailbox once, in ascending
// sequence order, starting at sequence 1. It is the scanner behind both
// FetchAll and FetchAndDelete.
type SeqIDScanner struct {
	mu         sync.Mutex
	currentMsg uint32 // last successfully processed seq, 0 if none yet
	nextMsg    uint32 // next seq to fetch
	sess       *imap.Session
}

// NewSeqIDScanner creates a scanner that starts at sequence 1.
func NewSeqIDScanner() *SeqIDScanner {
	return &SeqIDScanner{nextMsg: 1}
}

func (s *SeqIDScanner) Attach(sess *imap.Session) func() {
	s.sess = sess
	return sess.Conn.RegisterHandler("EXPUNGE", func(r imap.Response) bool {
		s.onExpunge(r.(*imap.NumericResponse).Number)
		return false // let the mailbox's own EXISTS/EXPUNGE bookkeeping see it too
	})
}

// onExpunge renumbers the cursor for a message removed at seq. The message
// that currentMsg points at is itself gone exactly when seq == currentMsg,
// in which case currentMsg clears back to 0 (none processed) rather than
// silently aliasing whatever now occupies that slot; a removal strictly
// before currentMsg just shifts every later sequence number down by one, so
// currentMsg shifts down to keep pointing at the same logical message.
// nextMsg shifts down only for a strictly earlier removal, since a removal
// exactly at nextMsg just means a different message now occupies that slot,
// which is still the right one to fetch next.
func (s *SeqIDScanner) onExpunge(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq == s.currentMsg {
		s.currentMsg = 0
	} else if seq < s.currentMsg {
		s.currentMsg--
	}
	if seq < s.nextMsg {
		s.nextMsg--
	}
}

func (s *SeqIDScanner) Next() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess.Mailbox == nil || s.nextMsg > s.sess.Mailbox.Exists {
		return 0, true
	}
	return s.nextMsg, false
}

func (s *SeqIDScanner) Advance(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentMsg = seq
	if seq >= s.nextMsg {
		s.nextMsg = seq + 1
	}
}

// UidScanner is a placeholder for scanning by UID rather than sequence
// number, which would survive a reconnect without needing to re-derive a
// sequence cursor. Next always reports done so a caller gets an empty,
// well-defined scan rather than a panic if this is wired in before it is
// implemented.
type UidScanner struct{}

func (UidScanner) Attach(*imap.Session) func() { return func() {} }
func (UidScanner) Next() (uint32, bool)        { return 0, true }
func (UidScanner) Advance(uint32)              {}

// FetchFlagScanner is a placeholder for scanning only messages carrying a
// particular flag (e.g. \Flagged). Same stub treatment as UidScanner.
type FetchFlagScanner struct{ Flag string }

func (FetchFlagScanner) Attach(*imap.Session) func() { return func() {} }
func (FetchFlagScanner) Next() (uint32, bool)        { return 0, true }
func (FetchFlagScanner) Advance(uint32)              {}

var _ Scanner = (*SeqIDScanner)(nil)
var _ Scanner = UidScanner{}
var _ Scanner = FetchFlagScanner{}
