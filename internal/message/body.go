package message

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
)

// BodyPart is one node of a message's MIME tree: either a leaf with a
// payload, or a multipart container with Children.
type BodyPart struct {
	ContentType string // full "type/subtype", lower-cased
	Params      map[string]string
	header      textproto.MIMEHeader
	cteEncoding string
	payload     []byte // content-transfer-encoding already decoded; charset not decoded
	Children    []*BodyPart
}

// IsMultipart reports whether this part has children rather than a
// payload.
func (p *BodyPart) IsMultipart() bool { return strings.HasPrefix(p.ContentType, "multipart/") }

// RawPayload returns the CTE-decoded, charset-undecoded bytes of a leaf
// part. Calling it on a multipart part returns nil.
func (p *BodyPart) RawPayload() []byte { return p.payload }

// DecodedPayload returns the payload decoded from its declared charset
// (default latin-1, per RFC 2045's text/plain default) into UTF-8 text,
// tolerating decode errors by substituting U+FFFD, matching the "last
// charset parameter wins, errors=replace" contract.
func (p *BodyPart) DecodedPayload() string {
	cs := p.Params["charset"]
	// mime.ParseMediaType rejects a repeated parameter outright, so the
	// raw header is scanned to let the last charset= win.
	for _, f := range strings.Split(p.header.Get("Content-Type"), ";") {
		if k, v, ok := strings.Cut(strings.TrimSpace(f), "="); ok && strings.EqualFold(strings.TrimSpace(k), "charset") {
			cs = strings.Trim(strings.TrimSpace(v), `"`)
		}
	}
	return decodeCharset(p.payload, cs)
}

// Header returns the value of the named MIME header for this part.
func (p *BodyPart) Header(name string) string { return p.header.Get(name) }

// ParseBody builds the MIME tree for a message from its top-level headers
// and raw body.
func ParseBody(m *Message) *BodyPart {
	h := textproto.MIMEHeader{}
	for _, kv := range m.RawHeaders() {
		h.Add(kv[0], kv[1])
	}
	return parsePart(h, m.body)
}

func parsePart(h textproto.MIMEHeader, raw []byte) *BodyPart {
	ct := h.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
		params = map[string]string{}
	}
	mediaType = strings.ToLower(mediaType)

	cte := strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding")))

	part := &BodyPart{
		ContentType: mediaType,
		Params:      params,
		header:      h,
		cteEncoding: cte,
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			part.payload = raw
			return part
		}
		mr := multipart.NewReader(bytes.NewReader(raw), boundary)
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				break
			}
			data, _ := io.ReadAll(p)
			child := parsePart(textproto.MIMEHeader(p.Header), decodeCTE(data, strings.ToLower(p.Header.Get("Content-Transfer-Encoding"))))
			part.Children = append(part.Children, child)
		}
		return part
	}

	part.payload = decodeCTE(raw, cte)
	return part
}

func decodeCTE(data []byte, encoding string) []byte {
	switch encoding {
	case "base64":
		out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		clean := bytes.Map(func(r rune) rune {
			if r == '\n' || r == '\r' {
				return -1
			}
			return r
		}, data)
		n, err := base64.StdEncoding.Decode(out, clean)
		if err != nil {
			return data
		}
		return out[:n]
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(data)))
		if err != nil {
			return data
		}
		return decoded
	default:
		return data
	}
}

// BodyIterator walks a message's MIME tree depth-first, yielding leaf
// parts. Where a multipart/alternative node is encountered, only the
// preferred child (per MultipartAlternativeSelector) is descended into;
// the siblings are skipped, so fingerprinting and plain-text extraction
// both see exactly one representation per alternative group.
type BodyIterator struct {
	stack []*BodyPart
}

// NewBodyIterator creates a BodyIterator over m's MIME tree.
func NewBodyIterator(m *Message) *BodyIterator {
	root := ParseBody(m)
	return &BodyIterator{stack: []*BodyPart{root}}
}

// Next returns the next leaf part in depth-first order.
func (it *BodyIterator) Next() (*BodyPart, bool) {
	for len(it.stack) > 0 {
		n := it.stack[len(it.stack)-1]
		it.stack = it.stack[:len(it.stack)-1]

		if !n.IsMultipart() {
			return n, true
		}
		if n.ContentType == "multipart/alternative" {
			if chosen := MultipartAlternativeSelector(n.Children); chosen != nil {
				it.stack = append(it.stack, chosen)
			}
			continue
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			it.stack = append(it.stack, n.Children[i])
		}
	}
	return nil, false
}

// multipartAlternativePreference ranks the known subtypes from least to
// most preferred when choosing a multipart/alternative representation:
// plain text loses to HTML. Other types are not ranked; a child of another
// type is chosen only when no child has a known type.
var multipartAlternativePreference = map[string]int{
	"text/plain": 0,
	"text/html":  1,
}

// MultipartAlternativeSelector picks the preferred child of a
// multipart/alternative part. If none of the children are leaves with a
// known preference, it falls through to the last child, mirroring a
// reader picking whatever the sender listed last (the de facto "most
// preferred" position in RFC 2046).
func MultipartAlternativeSelector(children []*BodyPart) *BodyPart {
	if len(children) == 0 {
		return nil
	}
	best := children[0]
	bestRank := -1
	for _, c := range children {
		rank, known := multipartAlternativePreference[c.ContentType]
		if !known {
			continue
		}
		if rank > bestRank {
			bestRank = rank
			best = c
		}
	}
	if bestRank == -1 {
		return children[len(children)-1]
	}
	return best
}

// TextBodyIterator yields only leaf text/* parts.
type TextBodyIterator struct {
	inner *BodyIterator
}

// NewTextBodyIterator creates a TextBodyIterator over m's MIME tree.
func NewTextBodyIterator(m *Message) *TextBodyIterator {
	return &TextBodyIterator{inner: NewBodyIterator(m)}
}

// Next returns the next leaf text/* part.
func (it *TextBodyIterator) Next() (*BodyPart, bool) {
	for {
		part, ok := it.inner.Next()
		if !ok {
			return nil, false
		}
		if strings.HasPrefix(part.ContentType, "text/") {
			return part, true
		}
	}
}
