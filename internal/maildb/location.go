package maildb

import (
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/eslider/mailkit/internal/message"
)

// Location identifies where a message's original bytes live, independent
// of its MUID. The only scheme implemented is "MAILDIR:<path>"; other
// schemes round-trip as opaque strings so a database created with a future
// backend still loads, even though this package can't resolve them.
type Location struct {
	Scheme string // "MAILDIR" for anything this package can load
	Path   string
}

const maildirScheme = "MAILDIR"

// NewMaildirLocation builds a Location for a message stored at path in a
// maildir.
func NewMaildirLocation(path string) Location {
	return Location{Scheme: maildirScheme, Path: path}
}

// Serialize renders a Location as the "SCHEME:path" string stored in
// msg_locations. Path bytes that are not valid UTF-8 (possible on some
// filesystems) are escaped into the Unicode private-use area one byte at a
// time, mirroring Python's surrogateescape handler since Go strings have no
// native equivalent; Deserialize reverses the same mapping.
func (l Location) Serialize() string {
	return l.Scheme + ":" + escapeInvalidUTF8(l.Path)
}

// Deserialize parses a Location out of its stored string form.
func Deserialize(s string) (Location, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return Location{}, fmt.Errorf("maildb: malformed location %q", s)
	}
	return Location{Scheme: s[:idx], Path: unescapeInvalidUTF8(s[idx+1:])}, nil
}

// LoadMsg reads and parses the message this Location points at. Only the
// MAILDIR scheme is supported; any other scheme returns an error naming
// the unsupported scheme.
func (l Location) LoadMsg() (*message.Message, error) {
	if l.Scheme != maildirScheme {
		return nil, fmt.Errorf("maildb: unsupported location scheme %q", l.Scheme)
	}
	return message.FromMaildirFile(l.Path)
}

// escapeBase maps an invalid byte b to U+F700+b, inside the private-use
// area. Python's surrogateescape uses U+DC00+b, but a surrogate code point
// cannot be encoded in a Go string (WriteRune turns it into U+FFFD).
const escapeBase = 0xF700

func escapeInvalidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(escapeBase + rune(s[i]))
			i++
			continue
		}
		sb.WriteString(s[i : i+size])
		i += size
	}
	return sb.String()
}

func unescapeInvalidUTF8(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= escapeBase && r <= escapeBase+0xFF {
			sb.WriteByte(byte(r - escapeBase))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// GetLocation returns the Location stored for muid, if any.
func (db *DB) GetLocation(muid MUID) (*Location, bool, error) {
	row := db.sql.QueryRow(`SELECT location FROM msg_locations WHERE muid = ?`, string(muid))
	var raw string
	if err := row.Scan(&raw); err != nil {
		return nil, false, nil
	}
	loc, err := Deserialize(raw)
	if err != nil {
		return nil, false, err
	}
	return &loc, true, nil
}

// SetLocation records where muid's bytes live, replacing any prior
// location.
func (db *DB) SetLocation(muid MUID, loc Location, commit bool) error {
	return db.withTx(commit, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO msg_locations (muid, location) VALUES (?, ?)
			 ON CONFLICT(muid) DO UPDATE SET location = excluded.location`,
			string(muid), loc.Serialize(),
		)
		return err
	})
}

// GetMuidByLocation reverse-looks-up the MUID stored at loc, used by
// importers to skip re-parsing a file they have already imported.
func (db *DB) GetMuidByLocation(loc Location) (MUID, bool, error) {
	row := db.sql.QueryRow(`SELECT muid FROM msg_locations WHERE location = ?`, loc.Serialize())
	var muid string
	err := row.Scan(&muid)
	if err != nil {
		return "", false, nil
	}
	return MUID(muid), true, nil
}
