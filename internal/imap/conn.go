// Package imap implements an IMAP4rev1 client engine from the wire up: a
// line/literal framer, a recursive-descent response parser, a connection
// core that allocates tags and dispatches untagged responses to handlers,
// and a session built on top of the core.
package imap

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var connCounter int32

func nextConnID() int {
	return int(atomic.AddInt32(&connCounter, 1))
}

type pendingCmd struct {
	tag string
	ch  chan *StateResponse
}

type handlerEntry struct {
	id   int
	kind string
	fn   func(Response) bool
}

// Conn is one IMAP connection: socket I/O, tag allocation, and untagged
// response dispatch to registered handlers. It has no notion of login
// state or mailbox selection; that lives in Session.
type Conn struct {
	ID int

	nc     net.Conn
	w      *bufio.Writer
	framer *Framer

	mu         sync.Mutex
	tagPrefix  string
	tagCounter int
	handlers   []handlerEntry
	handlerSeq int
	pending    map[string]*pendingCmd
	unhandled  chan Response
	closed     bool
	closeErr   error

	readErr chan error
}

// DialConfig configures how a connection is established.
type DialConfig struct {
	Addr      string
	UseTLS    bool
	TLSConfig *tls.Config
	Timeout   time.Duration
}

// Dial connects to an IMAP server per cfg and returns a raw Conn. It does
// not read the greeting; use Session.Connect for that.
func Dial(cfg DialConfig) (*Conn, error) {
	dialer := &net.Dialer{Timeout: cfg.Timeout}
	var nc net.Conn
	var err error
	if cfg.UseTLS {
		nc, err = tls.DialWithDialer(dialer, "tcp", cfg.Addr, cfg.TLSConfig)
	} else {
		nc, err = dialer.Dial("tcp", cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("imap: dial %s: %w", cfg.Addr, err)
	}
	return NewConn(nc), nil
}

// NewConn wraps an already-established net.Conn (useful for STARTTLS, or
// for tests driven over a net.Pipe).
func NewConn(nc net.Conn) *Conn {
	id := nextConnID()
	c := &Conn{
		ID:      id,
		nc:      nc,
		w:       bufio.NewWriter(nc),
		pending: make(map[string]*pendingCmd),
		// Unhandled untagged responses queue: bounded so a misbehaving
		// server issuing a flood of unconsumed responses applies backpressure
		// to the reader instead of growing without bound.
		unhandled: make(chan Response, 256),
		readErr:   make(chan error, 1),
	}
	c.tagPrefix = randomTagPrefix()
	c.framer = &Framer{ConnID: id, OnFrame: c.dispatchFrame}
	go c.readLoop()
	return c
}

func randomTagPrefix() string {
	const letters = "ABCDEFGHIJKLMNOP"
	b := make([]byte, 4)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// NextTag allocates the next client command tag for this connection.
func (c *Conn) NextTag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tagCounter++
	return fmt.Sprintf("%s%04d", c.tagPrefix, c.tagCounter)
}

func (c *Conn) readLoop() {
	buf := make([]byte, 8192)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.framer.Feed(buf[:n])
		}
		if err != nil {
			if eofErr := c.framer.EOF(); eofErr != nil {
				log.Printf("imap: conn %d: %v", c.ID, eofErr)
			}
			c.failPending(err)
			c.readErr <- err
			close(c.unhandled)
			return
		}
	}
}

func (c *Conn) failPending(err error) {
	c.mu.Lock()
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[string]*pendingCmd)
	c.mu.Unlock()
	for _, p := range pending {
		close(p.ch)
	}
}

func (c *Conn) dispatchFrame(frame Frame) {
	resp, err := ParseResponse(frame)
	if err != nil {
		log.Printf("imap: conn %d: %v", c.ID, err)
		return
	}
	c.dispatch(resp)
}

func (c *Conn) dispatch(resp Response) {
	if sr, ok := resp.(*StateResponse); ok && sr.TagValue != "*" {
		c.mu.Lock()
		p, found := c.pending[sr.TagValue]
		if found {
			delete(c.pending, sr.TagValue)
		}
		c.mu.Unlock()
		if found {
			p.ch <- sr
			close(p.ch)
			return
		}
		// Tag with no waiter: fall through to unhandled queue.
	}

	kind := responseKind(resp)
	c.mu.Lock()
	handlers := append([]handlerEntry(nil), c.handlers...)
	c.mu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		if h.kind == kind || h.kind == "*" {
			if h.fn(resp) {
				return
			}
		}
	}

	select {
	case c.unhandled <- resp:
	default:
		log.Printf("imap: conn %d: unhandled response queue full, dropping %s", c.ID, kind)
	}
}

func responseKind(r Response) string {
	switch v := r.(type) {
	case *StateResponse:
		return v.State
	case *NumericResponse:
		return v.Keyword
	case *CapabilityResponse:
		return "CAPABILITY"
	case *FlagsResponse:
		return "FLAGS"
	case *SearchResponse:
		return "SEARCH"
	case *ListResponse:
		if v.Lsub {
			return "LSUB"
		}
		return "LIST"
	case *StatusResponse:
		return "STATUS"
	case *FetchResponse:
		return "FETCH"
	case *ContinuationResponse:
		return "+"
	case *UnknownResponse:
		return v.Keyword
	default:
		return ""
	}
}

// RegisterHandler registers fn for every dispatched response whose kind
// matches (kind == "*" matches everything). It persists until unregistered,
// so it is the right tool for connection- or session-lifetime concerns like
// tracking EXISTS/EXPUNGE counts. Returns an unregister function.
//
// Handlers registered later take priority: dispatch walks the handler list
// most-recently-registered first, so a handler pushed for the duration of a
// single command (then unregistered via the returned func, typically with
// defer) shadows any longer-lived handler for the same kind. This is the
// "two-level" registry: the same mechanism serves both lifetimes, the only
// difference is how soon the caller unregisters.
func (c *Conn) RegisterHandler(kind string, fn func(Response) bool) (unregister func()) {
	c.mu.Lock()
	c.handlerSeq++
	id := c.handlerSeq
	c.handlers = append(c.handlers, handlerEntry{id: id, kind: kind, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, h := range c.handlers {
			if h.id == id {
				c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

// Untagged registers a scoped handler that captures every response of kind
// into a channel buffered for 64 responses, for the duration the caller
// keeps using it; a response that arrives while the channel is full is
// dropped. The handler consumes what it captures, so longer-lived handlers
// for the same kind do not see it. The
// caller must call the returned unregister function (typically via defer)
// once done collecting.
func (c *Conn) Untagged(kind string) (ch <-chan Response, unregister func()) {
	out := make(chan Response, 64)
	unreg := c.RegisterHandler(kind, func(r Response) bool {
		select {
		case out <- r:
		default:
		}
		return true
	})
	return out, unreg
}

// logCommand logs a command about to be sent. If suppressLog is set, the
// logged line omits desc entirely (used for LOGIN, so passwords never hit
// the log even when they ride in a command prefix or fragment).
func (c *Conn) logCommand(tag, desc string, suppressLog bool) {
	if suppressLog {
		log.Printf("imap: conn %d: sending %s <args suppressed>", c.ID, tag)
	} else {
		log.Printf("imap: conn %d: sending %s %s", c.ID, tag, desc)
	}
}

// writeRaw writes b to the connection as-is: no tag, no trailing CRLF. Used
// to send literal bytes after a continuation, and by commandWriter to flush
// partially built command lines around those literals.
func (c *Conn) writeRaw(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	return c.w.Flush()
}

// SendRequest writes "tag command\r\n" to the connection. If suppressLog is
// set, the logged line omits the command text (used for LOGIN, so passwords
// never hit the log).
func (c *Conn) SendRequest(tag, command string, suppressLog bool) error {
	c.logCommand(tag, command, suppressLog)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if _, err := c.w.WriteString(tag); err != nil {
		return err
	}
	if _, err := c.w.WriteString(" "); err != nil {
		return err
	}
	if _, err := c.w.WriteString(command); err != nil {
		return err
	}
	if _, err := c.w.WriteString("\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// SendContinuation writes raw literal data (or any additional command line)
// following a "+" continuation request, terminated by CRLF.
func (c *Conn) SendContinuation(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if _, err := c.w.WriteString("\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// RunCmd sends "tag command" and waits for the tagged completion response.
// It returns a *CommandError for a NO/BAD completion, or a transport error
// if the connection fails or ctx is done first.
func (c *Conn) RunCmd(ctx context.Context, command string, suppressLog bool) (*StateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tag := c.NextTag()
	ch := make(chan *StateResponse, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.pending[tag] = &pendingCmd{tag: tag, ch: ch}
	c.mu.Unlock()

	if err := c.SendRequest(tag, command, suppressLog); err != nil {
		c.mu.Lock()
		delete(c.pending, tag)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, tag)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, c.closeErrOrDefault()
		}
		if resp.State == "NO" || resp.State == "BAD" {
			return resp, &CommandError{State: resp.State, Text: resp.Text}
		}
		return resp, nil
	}
}

func (c *Conn) closeErrOrDefault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrConnClosed
}

// GetResponse pops the next unhandled untagged response, blocking until one
// arrives, ctx is done, or the connection closes.
func (c *Conn) GetResponse(ctx context.Context) (Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-c.unhandled:
		if !ok {
			return nil, c.closeErrOrDefault()
		}
		return resp, nil
	}
}

// WaitForResponse blocks until an untagged response of the given kind is
// dispatched, returning it. Other unhandled responses dispatched in the
// meantime are delivered to the unhandled queue as usual.
func (c *Conn) WaitForResponse(ctx context.Context, kind string) (Response, error) {
	found := make(chan Response, 1)
	unreg := c.RegisterHandler(kind, func(r Response) bool {
		select {
		case found <- r:
		default:
		}
		return true
	})
	defer unreg()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-found:
		return r, nil
	}
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.nc.Close()
}
