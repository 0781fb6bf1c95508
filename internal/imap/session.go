package imap

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MailboxInfo tracks the state the server reports about the currently
// selected mailbox. A Session keeps exactly one of these up to date via
// connection-lifetime handlers registered on Select/Examine.
type MailboxInfo struct {
	Name             string
	Flags            []string
	PermanentFlags   []string
	UIDValidity      uint32
	UIDNext          uint32
	Unseen           uint32
	HighestModSeq    uint32
	Exists           uint32
	Recent           uint32
	ReadOnly         bool
	OnExpungeHistory []uint32 // seq numbers expunged since selection, oldest first
}

func (m *MailboxInfo) onFlags(flags []string)           { m.Flags = flags }
func (m *MailboxInfo) onPermanentFlags(flags []string)  { m.PermanentFlags = flags }
func (m *MailboxInfo) onUIDValidity(v uint32)           { m.UIDValidity = v }
func (m *MailboxInfo) onUIDNext(v uint32)               { m.UIDNext = v }
func (m *MailboxInfo) onUnseen(v uint32)                { m.Unseen = v }
func (m *MailboxInfo) onHighestModSeq(v uint32)         { m.HighestModSeq = v }
func (m *MailboxInfo) onExists(v uint32)                { m.Exists = v }
func (m *MailboxInfo) onRecent(v uint32)                { m.Recent = v }
func (m *MailboxInfo) onExpunge(seq uint32) {
	if m.Exists > 0 {
		m.Exists--
	}
	m.OnExpungeHistory = append(m.OnExpungeHistory, seq)
}

// Session is an IMAP4rev1 client built on a Conn: greeting handling,
// capability caching, login, mailbox selection, fetch/store/append, and
// IDLE. It owns the single currently-selected mailbox's MailboxInfo.
type Session struct {
	Conn *Conn

	Capabilities map[string]bool
	Mailbox      *MailboxInfo

	unregisterMailboxHandlers func()

	idleTimeout time.Duration
	pollPeriod  time.Duration
}

const (
	defaultIdleTimeout = 29 * time.Minute
	defaultPollPeriod  = 30 * time.Second
)

// NewSession wraps conn in a Session. Connect must be called before any
// other method to process the server greeting.
func NewSession(conn *Conn) *Session {
	return &Session{
		Conn:         conn,
		Capabilities: map[string]bool{},
		idleTimeout:  defaultIdleTimeout,
		pollPeriod:   defaultPollPeriod,
	}
}

// Connect reads the server greeting and returns the initial state: OK
// (unauthenticated), PREAUTH (already authenticated), or an error for BYE
// or a transport failure.
func (s *Session) Connect(ctx context.Context) (*StateResponse, error) {
	resp, err := s.Conn.GetResponse(ctx)
	if err != nil {
		return nil, fmt.Errorf("imap: greeting: %w", err)
	}
	sr, ok := resp.(*StateResponse)
	if !ok {
		return nil, fmt.Errorf("imap: unexpected greeting response %T", resp)
	}
	switch sr.State {
	case "OK", "PREAUTH":
		if sr.Code != nil && sr.Code.Token == "CAPABILITY" {
			// Some servers advertise capability inline on the greeting.
		}
		return sr, nil
	case "BYE":
		return sr, fmt.Errorf("imap: server rejected connection: %s", sr.Text)
	default:
		return sr, fmt.Errorf("imap: unexpected greeting state %s", sr.State)
	}
}

// GetCapabilities fetches and caches the server's capability list.
func (s *Session) GetCapabilities(ctx context.Context) (map[string]bool, error) {
	ch, unreg := s.Conn.Untagged("CAPABILITY")
	defer unreg()

	if _, err := s.Conn.RunCmd(ctx, "CAPABILITY", false); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		caps := r.(*CapabilityResponse)
		s.Capabilities = map[string]bool{}
		for _, c := range caps.Capabilities {
			s.Capabilities[strings.ToUpper(c)] = true
		}
	default:
	}
	return s.Capabilities, nil
}

// HasCapability reports whether the cached capability set includes name.
func (s *Session) HasCapability(name string) bool {
	return s.Capabilities[strings.ToUpper(name)]
}

// commandWriter builds one command line argument by argument, falling back
// to an IMAP literal ({N}\r\n followed by the raw bytes, after the server's
// continuation) for any argument needsLiteral rejects. This is what keeps a
// CRLF embedded in, say, a password from being written verbatim into the
// command stream and starting a second command line.
type commandWriter struct {
	sess        *Session
	tag         string
	done        chan *StateResponse
	buf         strings.Builder
	suppressLog bool
}

// newCommand allocates a tag, registers it as pending, and writes "tag
// prefix" into the not-yet-flushed buffer.
func (s *Session) newCommand(prefix string, suppressLog bool) (*commandWriter, error) {
	tag := s.Conn.NextTag()
	c := s.Conn
	done := make(chan *StateResponse, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.pending[tag] = &pendingCmd{tag: tag, ch: done}
	c.mu.Unlock()
	c.logCommand(tag, prefix, suppressLog)

	cw := &commandWriter{sess: s, tag: tag, done: done, suppressLog: suppressLog}
	cw.buf.WriteString(tag)
	cw.buf.WriteString(" ")
	cw.buf.WriteString(prefix)
	return cw, nil
}

// arg appends a space-separated astring argument, switching to a literal
// mid-command when s needsLiteral.
func (cw *commandWriter) arg(ctx context.Context, s string) error {
	cw.buf.WriteString(" ")
	if !needsLiteral(s) {
		cw.buf.WriteString(ToAString(s))
		return nil
	}

	cw.buf.WriteString(ToLiteral(len(s)))
	cont, unreg := cw.sess.waitContinuation()
	defer unreg()
	if err := cw.flush(false); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cont:
	}
	return cw.sess.Conn.writeRaw([]byte(s))
}

// raw appends already-safe, pre-formatted text (e.g. a STATUS item list)
// with no escaping or literal handling.
func (cw *commandWriter) raw(text string) {
	cw.buf.WriteString(text)
}

func (cw *commandWriter) flush(final bool) error {
	text := cw.buf.String()
	cw.buf.Reset()
	if final {
		text += "\r\n"
	} else if text == "" {
		return nil
	}
	return cw.sess.Conn.writeRaw([]byte(text))
}

// abort unregisters the pending tag after a write failed partway through,
// so a later response carrying this tag doesn't get dropped on the floor.
func (cw *commandWriter) abort() {
	c := cw.sess.Conn
	c.mu.Lock()
	delete(c.pending, cw.tag)
	c.mu.Unlock()
}

// finish flushes any remaining buffered text plus the terminating CRLF and
// waits for the tagged completion response.
func (cw *commandWriter) finish(ctx context.Context) (*StateResponse, error) {
	if err := cw.flush(true); err != nil {
		cw.abort()
		return nil, err
	}
	select {
	case <-ctx.Done():
		cw.abort()
		return nil, ctx.Err()
	case resp, ok := <-cw.done:
		if !ok {
			return nil, cw.sess.Conn.closeErrOrDefault()
		}
		if resp.State == "NO" || resp.State == "BAD" {
			return resp, &CommandError{State: resp.State, Text: resp.Text}
		}
		return resp, nil
	}
}

// runCmdWithArgs sends "prefix arg1 arg2 ... suffix" as one command,
// literal-encoding any arg that needsLiteral, and waits for the tagged
// completion.
func (s *Session) runCmdWithArgs(ctx context.Context, prefix string, args []string, suffix string, suppressLog bool) (*StateResponse, error) {
	cw, err := s.newCommand(prefix, suppressLog)
	if err != nil {
		return nil, err
	}
	for _, a := range args {
		if err := cw.arg(ctx, a); err != nil {
			cw.abort()
			return nil, err
		}
	}
	if suffix != "" {
		cw.raw(" " + suffix)
	}
	return cw.finish(ctx)
}

// Login authenticates with a plaintext LOGIN command. The command text is
// never logged, since it carries the password. A CRLF, 8-bit byte, or
// over-long user/pass is sent as a literal rather than escaped inline, so
// it cannot inject a second command line.
func (s *Session) Login(ctx context.Context, user, pass string) error {
	_, err := s.runCmdWithArgs(ctx, "LOGIN", []string{user, pass}, "", true)
	return err
}

func (s *Session) selectOrExamine(ctx context.Context, verb, mailbox string) (*MailboxInfo, error) {
	if s.unregisterMailboxHandlers != nil {
		s.unregisterMailboxHandlers()
		s.unregisterMailboxHandlers = nil
	}
	info := &MailboxInfo{Name: mailbox}

	var unregs []func()
	reg := func(kind string, fn func(Response) bool) {
		unregs = append(unregs, s.Conn.RegisterHandler(kind, fn))
	}
	reg("FLAGS", func(r Response) bool {
		info.onFlags(r.(*FlagsResponse).Flags)
		return true
	})
	reg("EXISTS", func(r Response) bool {
		info.onExists(r.(*NumericResponse).Number)
		return true
	})
	reg("RECENT", func(r Response) bool {
		info.onRecent(r.(*NumericResponse).Number)
		return true
	})
	reg("EXPUNGE", func(r Response) bool {
		info.onExpunge(r.(*NumericResponse).Number)
		return true
	})
	reg("OK", func(r Response) bool {
		sr := r.(*StateResponse)
		if sr.Code == nil {
			return false
		}
		switch sr.Code.Token {
		case "UIDVALIDITY":
			info.onUIDValidity(sr.Code.Data.(uint32))
		case "UIDNEXT":
			info.onUIDNext(sr.Code.Data.(uint32))
		case "UNSEEN":
			info.onUnseen(sr.Code.Data.(uint32))
		case "HIGHESTMODSEQ":
			info.onHighestModSeq(sr.Code.Data.(uint32))
		case "PERMANENTFLAGS":
			info.onPermanentFlags(sr.Code.Data.([]string))
		default:
			return false
		}
		return true
	})

	s.unregisterMailboxHandlers = func() {
		for _, u := range unregs {
			u()
		}
	}

	final, err := s.runCmdWithArgs(ctx, verb, []string{mailbox}, "", false)
	if err != nil {
		return nil, err
	}
	info.ReadOnly = verb == "EXAMINE" || (final.Code != nil && final.Code.Token == "READ-ONLY")
	s.Mailbox = info
	return info, nil
}

// SelectMailbox issues SELECT and returns the resulting MailboxInfo.
func (s *Session) SelectMailbox(ctx context.Context, mailbox string) (*MailboxInfo, error) {
	return s.selectOrExamine(ctx, "SELECT", mailbox)
}

// ExamineMailbox issues EXAMINE (read-only SELECT).
func (s *Session) ExamineMailbox(ctx context.Context, mailbox string) (*MailboxInfo, error) {
	return s.selectOrExamine(ctx, "EXAMINE", mailbox)
}

// CreateMailbox issues CREATE.
func (s *Session) CreateMailbox(ctx context.Context, mailbox string) error {
	_, err := s.runCmdWithArgs(ctx, "CREATE", []string{mailbox}, "", false)
	return err
}

// Copy issues COPY, server-side copying the given sequence numbers into
// destMailbox without affecting the source messages.
func (s *Session) Copy(ctx context.Context, seqs []uint32, destMailbox string) error {
	return s.copy(ctx, "COPY", seqs, destMailbox)
}

// UIDCopy issues UID COPY.
func (s *Session) UIDCopy(ctx context.Context, uids []uint32, destMailbox string) error {
	return s.copy(ctx, "UID COPY", uids, destMailbox)
}

func (s *Session) copy(ctx context.Context, verb string, set []uint32, destMailbox string) error {
	prefix := fmt.Sprintf("%s %s", verb, FormatSequenceSet(set))
	_, err := s.runCmdWithArgs(ctx, prefix, []string{destMailbox}, "", false)
	return err
}

// ListMailboxes issues LIST reference pattern.
func (s *Session) ListMailboxes(ctx context.Context, reference, pattern string) ([]*ListResponse, error) {
	return s.list(ctx, "LIST", reference, pattern)
}

// Lsub issues LSUB.
func (s *Session) Lsub(ctx context.Context, reference, pattern string) ([]*ListResponse, error) {
	return s.list(ctx, "LSUB", reference, pattern)
}

func (s *Session) list(ctx context.Context, verb, reference, pattern string) ([]*ListResponse, error) {
	kind := verb
	ch, unreg := s.Conn.Untagged(kind)
	defer unreg()

	if _, err := s.runCmdWithArgs(ctx, verb, []string{reference, pattern}, "", false); err != nil {
		return nil, err
	}

	var out []*ListResponse
	for {
		select {
		case r := <-ch:
			out = append(out, r.(*ListResponse))
		default:
			return out, nil
		}
	}
}

// Status issues STATUS for the given items (e.g. "MESSAGES", "UIDNEXT").
func (s *Session) Status(ctx context.Context, mailbox string, items []string) (*StatusResponse, error) {
	ch, unreg := s.Conn.Untagged("STATUS")
	defer unreg()

	suffix := "(" + strings.Join(items, " ") + ")"
	if _, err := s.runCmdWithArgs(ctx, "STATUS", []string{mailbox}, suffix, false); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.(*StatusResponse), nil
	default:
		return nil, fmt.Errorf("imap: no STATUS response")
	}
}

// Search issues SEARCH with the given criteria string (already formatted
// per RFC 3501 search-key syntax).
func (s *Session) Search(ctx context.Context, criteria string) ([]uint32, error) {
	return s.search(ctx, "SEARCH", criteria)
}

// UIDSearch issues UID SEARCH.
func (s *Session) UIDSearch(ctx context.Context, criteria string) ([]uint32, error) {
	return s.search(ctx, "UID SEARCH", criteria)
}

func (s *Session) search(ctx context.Context, verb, criteria string) ([]uint32, error) {
	ch, unreg := s.Conn.Untagged("SEARCH")
	defer unreg()

	if _, err := s.Conn.RunCmd(ctx, verb+" "+criteria, false); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.(*SearchResponse).Numbers, nil
	default:
		return nil, nil
	}
}

// Fetch issues FETCH for the given sequence numbers and attributes,
// returning one FetchResponse per message.
func (s *Session) Fetch(ctx context.Context, seqs []uint32, attrs string) ([]*FetchResponse, error) {
	return s.fetch(ctx, "FETCH", FormatSequenceSet(seqs), attrs)
}

// UIDFetch issues UID FETCH.
func (s *Session) UIDFetch(ctx context.Context, uids []uint32, attrs string) ([]*FetchResponse, error) {
	return s.fetch(ctx, "UID FETCH", FormatSequenceSet(uids), attrs)
}

func (s *Session) fetch(ctx context.Context, verb, set, attrs string) ([]*FetchResponse, error) {
	ch, unreg := s.Conn.Untagged("FETCH")
	defer unreg()

	cmd := fmt.Sprintf("%s %s (%s)", verb, set, attrs)
	if _, err := s.Conn.RunCmd(ctx, cmd, false); err != nil {
		return nil, err
	}

	var out []*FetchResponse
	for {
		select {
		case r := <-ch:
			out = append(out, r.(*FetchResponse))
		default:
			return out, nil
		}
	}
}

// FetchMsg fetches the full RFC822 body of a single message by sequence
// number.
func (s *Session) FetchMsg(ctx context.Context, seq uint32) ([]byte, error) {
	resps, err := s.Fetch(ctx, []uint32{seq}, "RFC822")
	return firstRFC822(resps, err)
}

// UIDFetchMsg fetches the full RFC822 body of a single message by UID.
func (s *Session) UIDFetchMsg(ctx context.Context, uid uint32) ([]byte, error) {
	resps, err := s.UIDFetch(ctx, []uint32{uid}, "RFC822")
	return firstRFC822(resps, err)
}

func firstRFC822(resps []*FetchResponse, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	if len(resps) == 0 {
		return nil, fmt.Errorf("imap: no FETCH response")
	}
	v, ok := resps[0].Attributes["RFC822"].([]byte)
	if !ok {
		return nil, fmt.Errorf("imap: FETCH response missing RFC822 body")
	}
	return v, nil
}

// AddFlags issues STORE +FLAGS.SILENT.
func (s *Session) AddFlags(ctx context.Context, seqs []uint32, flags []string) error {
	return s.store(ctx, "STORE", seqs, "+FLAGS.SILENT", flags)
}

// RemoveFlags issues STORE -FLAGS.SILENT.
func (s *Session) RemoveFlags(ctx context.Context, seqs []uint32, flags []string) error {
	return s.store(ctx, "STORE", seqs, "-FLAGS.SILENT", flags)
}

// ReplaceFlags issues STORE FLAGS.SILENT.
func (s *Session) ReplaceFlags(ctx context.Context, seqs []uint32, flags []string) error {
	return s.store(ctx, "STORE", seqs, "FLAGS.SILENT", flags)
}

// UIDAddFlags issues UID STORE +FLAGS.SILENT.
func (s *Session) UIDAddFlags(ctx context.Context, uids []uint32, flags []string) error {
	return s.store(ctx, "UID STORE", uids, "+FLAGS.SILENT", flags)
}

// UIDRemoveFlags issues UID STORE -FLAGS.SILENT.
func (s *Session) UIDRemoveFlags(ctx context.Context, uids []uint32, flags []string) error {
	return s.store(ctx, "UID STORE", uids, "-FLAGS.SILENT", flags)
}

// UIDReplaceFlags issues UID STORE FLAGS.SILENT.
func (s *Session) UIDReplaceFlags(ctx context.Context, uids []uint32, flags []string) error {
	return s.store(ctx, "UID STORE", uids, "FLAGS.SILENT", flags)
}

func (s *Session) store(ctx context.Context, verb string, set []uint32, item string, flags []string) error {
	cmd := fmt.Sprintf("%s %s %s (%s)", verb, FormatSequenceSet(set), item, strings.Join(flags, " "))
	_, err := s.Conn.RunCmd(ctx, cmd, false)
	return err
}

// DeleteMsg marks seq \Deleted.
func (s *Session) DeleteMsg(ctx context.Context, seq uint32) error {
	return s.AddFlags(ctx, []uint32{seq}, []string{`\Deleted`})
}

// UIDDeleteMsg marks uid \Deleted.
func (s *Session) UIDDeleteMsg(ctx context.Context, uid uint32) error {
	return s.UIDAddFlags(ctx, []uint32{uid}, []string{`\Deleted`})
}

// Expunge issues EXPUNGE, which triggers the pending EXPUNGE handler on
// MailboxInfo for each removed message.
func (s *Session) Expunge(ctx context.Context) error {
	_, err := s.Conn.RunCmd(ctx, "EXPUNGE", false)
	return err
}

// AppendMsg issues APPEND, sending msg as a literal.
func (s *Session) AppendMsg(ctx context.Context, mailbox string, flags []string, msg []byte) error {
	cont, unreg := s.waitContinuation()
	defer unreg()

	var flagPart string
	if len(flags) > 0 {
		flagPart = " (" + strings.Join(flags, " ") + ")"
	}
	cw, err := s.newCommand("APPEND", false)
	if err != nil {
		return err
	}
	if err := cw.arg(ctx, mailbox); err != nil {
		cw.abort()
		return err
	}
	cw.raw(fmt.Sprintf("%s {%d}", flagPart, len(msg)))
	if err := cw.flush(true); err != nil {
		cw.abort()
		return err
	}
	done := cw.done

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cont:
	}

	if err := s.Conn.SendContinuation(msg); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp, ok := <-done:
		if !ok {
			return s.Conn.closeErrOrDefault()
		}
		if resp.State == "NO" || resp.State == "BAD" {
			return &CommandError{State: resp.State, Text: resp.Text}
		}
		return nil
	}
}

func (s *Session) waitContinuation() (<-chan Response, func()) {
	return s.Conn.Untagged("+")
}

// Noop issues NOOP, useful as a keepalive or to flush pending untagged
// responses (EXISTS/EXPUNGE) after polling.
func (s *Session) Noop(ctx context.Context) error {
	_, err := s.Conn.RunCmd(ctx, "NOOP", false)
	return err
}

// Idle starts an IDLE command and blocks until the server sends at least
// one untagged response, the idle timeout elapses, or ctx is cancelled. The
// caller must call StopIdle afterward regardless of outcome. Per RFC 2177 a
// client must not let a single IDLE run longer than 29 minutes.
func (s *Session) Idle(ctx context.Context) (Response, error) {
	// Unlike Untagged, this handler returns false, so the mailbox's own
	// EXISTS/EXPUNGE handlers still see what arrives during IDLE.
	ch := make(chan Response, 64)
	unreg := s.Conn.RegisterHandler("*", func(r Response) bool {
		select {
		case ch <- r:
		default:
		}
		return false
	})
	defer unreg()

	tag := s.Conn.NextTag()
	done := make(chan *StateResponse, 1)
	s.Conn.mu.Lock()
	s.Conn.pending[tag] = &pendingCmd{tag: tag, ch: done}
	s.Conn.mu.Unlock()

	if err := s.Conn.SendRequest(tag, "IDLE", false); err != nil {
		return nil, err
	}

	cont, unregCont := s.waitContinuation()
	defer unregCont()

	timeout := time.NewTimer(s.idleTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cont:
	case <-timeout.C:
		return nil, fmt.Errorf("imap: timed out waiting for IDLE continuation")
	case resp, ok := <-done:
		if !ok {
			return nil, s.Conn.closeErrOrDefault()
		}
		return nil, &CommandError{State: resp.State, Text: resp.Text}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return nil, nil // caller should StopIdle and restart
	case r := <-ch:
		return r, nil
	}
}

// StopIdle sends "DONE" to terminate an in-flight IDLE.
func (s *Session) StopIdle(ctx context.Context) error {
	return s.Conn.SendContinuation([]byte("DONE"))
}

// WaitForExists blocks until the mailbox's EXISTS count changes, using IDLE
// when the server supports it and falling back to periodic NOOP polling
// otherwise. It returns the new EXISTS count.
func (s *Session) WaitForExists(ctx context.Context) (uint32, error) {
	if s.HasCapability("IDLE") {
		return s.waitForExistsIdle(ctx)
	}
	return s.pollForExists(ctx)
}

func (s *Session) waitForExistsIdle(ctx context.Context) (uint32, error) {
	start := s.Mailbox.Exists
	for {
		_, err := s.Idle(ctx)
		if err != nil {
			return 0, err
		}
		stopErr := s.StopIdle(ctx)
		if stopErr != nil {
			return 0, stopErr
		}
		if s.Mailbox.Exists != start {
			return s.Mailbox.Exists, nil
		}
	}
}

func (s *Session) pollForExists(ctx context.Context) (uint32, error) {
	start := s.Mailbox.Exists
	ticker := time.NewTicker(s.pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
			if err := s.Noop(ctx); err != nil {
				return 0, err
			}
			if s.Mailbox.Exists != start {
				return s.Mailbox.Exists, nil
			}
		}
	}
}

// Logout issues LOGOUT and closes the connection.
func (s *Session) Logout(ctx context.Context) error {
	_, err := s.Conn.RunCmd(ctx, "LOGOUT", false)
	closeErr := s.Conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}
