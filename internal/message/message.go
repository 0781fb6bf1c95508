// Package message implements RFC 5322 message parsing and the dedup/
// threading-support computations (fingerprint, subject stem, reference
// extraction) the mail database relies on.
package message

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"mime"
	"regexp"
	"strings"
)

// Flag bits, inferred from maildir info suffixes or IMAP FLAGS.
const (
	FlagSeen = 1 << iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
)

// header is one (name, value) pair. Message keeps headers in an
// insertion-ordered slice rather than a map, since duplicate header names
// are legal and order matters for re-serialization and for
// BinaryFingerprint, which looks at the *first* occurrence of each header.
type header struct {
	name  string
	value []byte
}

// Message is a parsed RFC 5322 message: ordered headers plus the raw body.
type Message struct {
	headers []header
	body    []byte
	Flags   int
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// FromBytes parses raw RFC 5322 message bytes (header block, blank line,
// body) into a Message. It does not attempt to recover from a missing
// blank-line separator beyond treating the whole input as headers.
func FromBytes(data []byte) (*Message, error) {
	headEnd := bytes.Index(data, []byte("\r\n\r\n"))
	sepLen := 4
	if headEnd < 0 {
		headEnd = bytes.Index(data, []byte("\n\n"))
		sepLen = 2
	}
	var headBlock, body []byte
	if headEnd < 0 {
		headBlock = data
		body = nil
	} else {
		headBlock = data[:headEnd]
		body = data[headEnd+sepLen:]
	}

	m := &Message{body: body}
	for _, line := range unfoldHeaders(headBlock) {
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := string(bytes.TrimSpace(line[:idx]))
		value := bytes.TrimSpace(line[idx+1:])
		m.headers = append(m.headers, header{name: name, value: value})
	}
	return m, nil
}

// unfoldHeaders splits a header block into logical header lines, joining
// any continuation lines (starting with a space or tab) onto the previous
// line, per RFC 5322 §2.2.3 folding.
func unfoldHeaders(block []byte) [][]byte {
	var lines [][]byte
	for _, raw := range bytes.Split(normalizeNewlines(block), []byte("\n")) {
		if len(raw) == 0 {
			continue
		}
		if (raw[0] == ' ' || raw[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] = append(lines[len(lines)-1], ' ')
			lines[len(lines)-1] = append(lines[len(lines)-1], bytes.TrimLeft(raw, " \t")...)
			continue
		}
		lines = append(lines, append([]byte(nil), raw...))
	}
	return lines
}

func normalizeNewlines(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return b
}

// GetHeader returns the decoded value of the first header named name, and
// whether it was present.
func (m *Message) GetHeader(name string) (string, bool) {
	for _, h := range m.headers {
		if strings.EqualFold(h.name, name) {
			return decodeHeaderValue(h.value), true
		}
	}
	return "", false
}

// GetHeaderAll returns the decoded values of every header named name, in
// the order they appeared.
func (m *Message) GetHeaderAll(name string) []string {
	var out []string
	for _, h := range m.headers {
		if strings.EqualFold(h.name, name) {
			out = append(out, decodeHeaderValue(h.value))
		}
	}
	return out
}

// rawHeader returns the first header's raw (un-decoded) bytes, for
// fingerprinting.
func (m *Message) rawHeader(name string) []byte {
	for _, h := range m.headers {
		if strings.EqualFold(h.name, name) {
			return h.value
		}
	}
	return nil
}

// AddHeader appends a new header at the end of the header list.
func (m *Message) AddHeader(name, value string) {
	m.headers = append(m.headers, header{name: name, value: []byte(value)})
}

// RemoveHeader removes every header named name.
func (m *Message) RemoveHeader(name string) {
	out := m.headers[:0]
	for _, h := range m.headers {
		if !strings.EqualFold(h.name, name) {
			out = append(out, h)
		}
	}
	m.headers = out
}

func decodeHeaderValue(raw []byte) string {
	decoded, err := wordDecoder.DecodeHeader(string(raw))
	if err != nil {
		return string(raw)
	}
	return decoded
}

// Subject returns the decoded Subject header, or "" if absent.
func (m *Message) Subject() string {
	s, _ := m.GetHeader("Subject")
	return s
}

// reStemPrefixes are stripped iteratively (case-insensitively) from the
// front of a subject to compute its thread stem, e.g. "Re: Fwd: Re: hi"
// stems to "hi".
var reStemPrefixes = []string{"re:", "fwd:", "fw:"}

// SubjectStem strips any number of leading Re:/Fwd:/Fw: prefixes (and the
// whitespace after them) from Subject, for subject-based thread matching.
func (m *Message) SubjectStem() string {
	s := strings.TrimSpace(m.Subject())
	for {
		stripped := false
		lower := strings.ToLower(s)
		for _, p := range reStemPrefixes {
			if strings.HasPrefix(lower, p) {
				s = strings.TrimSpace(s[len(p):])
				stripped = true
				break
			}
		}
		if !stripped {
			return s
		}
	}
}

// GetMessageID returns the Message-ID header value with angle brackets
// stripped, or "" if absent.
func (m *Message) GetMessageID() string {
	id, ok := m.GetHeader("Message-ID")
	if !ok {
		return ""
	}
	return strings.Trim(strings.TrimSpace(id), "<>")
}

var messageIDPattern = regexp.MustCompile(`<[^>]+>`)

// ReferencedIDs returns every Message-ID referenced by this message, in
// the order In-Reply-To then References, each with angle brackets
// stripped, skipping duplicates. Only bracket-delimited "<id@host>" tokens
// count as a valid Message-ID; References is scanned for every such token,
// but In-Reply-To only ever contributes its first match, matching RFC 5322
// (In-Reply-To is meant to name the single message being replied to; a
// second token there is non-conformant and not worth trusting).
func (m *Message) ReferencedIDs() []string {
	seen := map[string]bool{}
	var out []string
	add := func(bracketed string) {
		if !strings.HasPrefix(bracketed, "<") || !strings.HasSuffix(bracketed, ">") {
			return
		}
		id := strings.Trim(bracketed, "<>")
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	if v, ok := m.GetHeader("In-Reply-To"); ok {
		if tok := messageIDPattern.FindString(v); tok != "" {
			add(tok)
		}
	}
	if v, ok := m.GetHeader("References"); ok {
		for _, tok := range strings.Fields(v) {
			add(tok)
		}
	}
	return out
}

// fingerprintPrefix returns up to the first n raw bytes of b.
func fingerprintPrefix(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// BinaryFingerprint computes a dedup fingerprint from the first 40 raw
// (un-decoded) bytes of Subject, From, and Message-ID, plus the first 40
// raw bytes of the first leaf body part. It deliberately uses raw, not
// charset-decoded, bytes: two messages that differ only in the charset
// label on an otherwise-identical body should still collide.
func (m *Message) BinaryFingerprint() [md5.Size]byte {
	h := md5.New()
	h.Write(fingerprintPrefix(m.rawHeader("Subject"), 40))
	h.Write(fingerprintPrefix(m.rawHeader("From"), 40))
	h.Write(fingerprintPrefix(m.rawHeader("Message-ID"), 40))

	var first []byte
	it := NewBodyIterator(m)
	if part, ok := it.Next(); ok {
		first = part.RawPayload()
	}
	h.Write(fingerprintPrefix(first, 40))

	var out [md5.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Fingerprint is the hex-encoded form of BinaryFingerprint, suitable for
// use as a database key.
func (m *Message) Fingerprint() string {
	b := m.BinaryFingerprint()
	return fmt.Sprintf("%x", b)
}

// Body returns the raw, undecoded message body (everything after the
// header/body blank-line separator).
func (m *Message) Body() []byte { return m.body }

// RawHeaders returns a copy of the header list as (name, value) pairs with
// values left un-decoded, for re-serialization.
func (m *Message) RawHeaders() [][2]string {
	out := make([][2]string, len(m.headers))
	for i, h := range m.headers {
		out[i] = [2]string{h.name, string(h.value)}
	}
	return out
}

// Bytes re-serializes the message to RFC 5322 wire form: one line per
// header in their current order, a blank line, then the body unchanged.
// Callers that mutate headers (AddHeader/RemoveHeader, e.g. to stamp
// dedup/threading identity at import) use this to get back bytes worth
// writing to disk.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	for _, h := range m.headers {
		buf.WriteString(h.name)
		buf.WriteString(": ")
		buf.Write(h.value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(m.body)
	return buf.Bytes()
}
