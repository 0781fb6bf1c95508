package imap

import (
	"fmt"
	"log"
)

// IMAP was not designed with parsing ease in mind: you cannot tell where a
// command ends without knowing what the command is, and a DQUOTE or a
// trailing "{NNN}" is only a literal marker in some contexts. Framer makes a
// best-effort, heuristic split of the byte stream into frames without
// understanding command grammar at all; the heuristic can only be fooled by
// a server whose resp-text happens to end in something shaped like a literal
// count, which no sane server does.

// Frame is one complete IMAP response or command: an alternating sequence of
// text lines and literal byte blocks, always of odd length, starting and
// ending with a line. Lines do not include the trailing CRLF.
type Frame [][]byte

// ParseError is returned by Framer.EOF when the stream ends mid-frame. Parts
// holds whatever was buffered so far, for diagnostics.
type ParseError struct {
	Parts Frame
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("imap: parse error: %s (partial frame: %d parts)", e.Msg, len(e.Parts))
}

// Framer accepts arbitrary byte chunks via Feed and invokes a callback with
// each completed Frame. ConnID, if non-zero, is included in per-line debug
// logging to disambiguate overlapping connections in the log.
type Framer struct {
	ConnID int

	parts        Frame
	toParse      [][]byte
	current      [][]byte
	literalsLeft int
	haveLiteral  bool

	OnFrame func(Frame)
}

// Feed appends data to the framer's input and drains as many complete frames
// as it can, invoking OnFrame for each. Feed never blocks and never retains
// data beyond what is still unparsed.
func (f *Framer) Feed(data []byte) {
	if len(data) == 0 {
		return
	}
	f.toParse = append(f.toParse, data)

	for {
		if f.haveLiteral {
			if !f.parseLiteral() {
				return
			}
		} else {
			if !f.parseLine() {
				return
			}
		}
	}
}

// EOF reports whether any data remains buffered mid-frame. Returns a
// *ParseError carrying the partial frame if the stream ended unexpectedly.
func (f *Framer) EOF() error {
	if len(f.toParse) > 0 || len(f.current) > 0 {
		parts := append(Frame{}, f.current...)
		for _, b := range f.toParse {
			parts = append(parts, b)
		}
		return &ParseError{Parts: parts, Msg: "unexpected EOF"}
	}
	return nil
}

func (f *Framer) parseLiteral() bool {
	for f.literalsLeft > 0 && len(f.toParse) > 0 {
		buf := f.toParse[0]
		if len(buf) > f.literalsLeft {
			idx := f.literalsLeft
			f.literalsLeft = 0
			f.current = append(f.current, buf[:idx])
			f.toParse[0] = buf[idx:]
			break
		}
		f.current = append(f.current, buf)
		f.literalsLeft -= len(buf)
		f.toParse = f.toParse[1:]
	}

	if f.literalsLeft == 0 {
		total := 0
		for _, b := range f.current {
			total += len(b)
		}
		full := make([]byte, 0, total)
		for _, b := range f.current {
			full = append(full, b...)
		}
		f.current = nil
		f.haveLiteral = false
		f.parts = append(f.parts, full)
		return true
	}
	return false
}

func (f *Framer) parseLine() bool {
	for len(f.toParse) > 0 {
		buf := f.toParse[0]

		if len(f.current) > 0 {
			last := f.current[len(f.current)-1]
			if len(last) > 0 && last[len(last)-1] == '\r' && len(buf) > 0 && buf[0] == '\n' {
				f.current[len(f.current)-1] = last[:len(last)-1]
				if len(buf) == 1 {
					f.toParse = f.toParse[1:]
				} else {
					f.toParse[0] = buf[1:]
				}
				f.onFullLine()
				return true
			}
		}

		idx := indexCRLF(buf)
		if idx < 0 {
			f.current = append(f.current, buf)
			f.toParse = f.toParse[1:]
			continue
		}

		f.current = append(f.current, buf[:idx])
		if len(buf) == idx+2 {
			f.toParse = f.toParse[1:]
		} else {
			f.toParse[0] = buf[idx+2:]
		}
		f.onFullLine()
		return true
	}
	return false
}

func indexCRLF(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func (f *Framer) onFullLine() {
	total := 0
	for _, b := range f.current {
		total += len(b)
	}
	line := make([]byte, 0, total)
	for _, b := range f.current {
		line = append(line, b...)
	}
	f.current = nil

	if f.ConnID != 0 {
		log.Printf("imap: conn %d: line: %q", f.ConnID, line)
	}

	stripped, count, hasCount := stripLiteralLength(line)
	f.parts = append(f.parts, stripped)

	if !hasCount {
		f.onFrameEnd()
		return
	}
	f.haveLiteral = true
	f.literalsLeft = count
}

func (f *Framer) onFrameEnd() {
	parts := f.parts
	f.parts = nil
	if f.OnFrame != nil {
		f.OnFrame(parts)
	}
}

// stripLiteralLength strips a trailing "{NNN}" literal-length marker from a
// line, looking back at most 20 characters, since a resp-text could
// otherwise masquerade as a literal marker arbitrarily far back in the
// line.
func stripLiteralLength(line []byte) (stripped []byte, count int, ok bool) {
	if len(line) == 0 {
		return line, 0, false
	}
	end := len(line) - 1
	if line[end] != '}' {
		return line, 0, false
	}

	idx := end
	for {
		idx--
		if idx < 0 {
			break
		}
		c := line[idx]
		if c == '{' {
			n := 0
			for _, d := range line[idx+1 : end] {
				n = n*10 + int(d-'0')
			}
			return line[:idx], n, true
		}
		if c < '0' || c > '9' {
			break
		}
		if end-idx > 20 {
			break
		}
	}
	return line, 0, false
}
