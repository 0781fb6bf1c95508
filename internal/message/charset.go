package message

import (
	"bytes"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset" // registers go-message's own charset table; the decoders below resolve names through htmlindex
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// charsetReader adapts a named charset into an io.Reader of UTF-8 text, for
// use as a mime.WordDecoder.CharsetReader. Encoded-word charset names are
// resolved through golang.org/x/text's htmlindex, as body charsets are in
// decodeCharset; an unknown charset passes the input through undecoded
// (decodeCharset instead falls back to latin-1).
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	cs := normalizeCharsetName(charset)
	if cs == "utf-8" || cs == "us-ascii" || cs == "ascii" {
		return input, nil
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return input, nil // tolerate unknown charsets rather than failing the whole header
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

func normalizeCharsetName(cs string) string {
	return strings.ToLower(strings.TrimSpace(cs))
}

// decodeCharset decodes raw body bytes from the named charset into a UTF-8
// string. An empty charset defaults to latin-1 (ISO-8859-1), which is what
// RFC 2045 implies for unlabeled text/plain content. Decode errors are
// replaced rather than propagated: a single malformed byte should not lose
// an entire message.
func decodeCharset(raw []byte, cs string) string {
	cs = normalizeCharsetName(cs)
	if cs == "" {
		cs = "iso-8859-1"
	}
	if cs == "utf-8" {
		return string(bytes.ToValidUTF8(raw, "�"))
	}
	if cs == "us-ascii" || cs == "ascii" {
		return string(bytes.ToValidUTF8(raw, "�"))
	}

	enc, err := htmlindex.Get(cs)
	if err != nil {
		// charmap.ISO8859_1 never fails to decode: every byte maps to a
		// codepoint, which is exactly the tolerant fallback we want.
		enc = charmap.ISO8859_1
	}
	decoded, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return string(bytes.ToValidUTF8(raw, "�"))
	}
	return string(decoded)
}
