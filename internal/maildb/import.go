package maildb

import (
	"database/sql"
	"log"
	"time"

	"github.com/eslider/mailkit/internal/message"
	"github.com/rotisserie/eris"
)

// trustedMUIDHeader and trustedTUIDHeader are the headers an importer
// stamps onto a message to assert its identity ahead of time, e.g. when
// re-importing a maildir this database (or an earlier incarnation of it,
// before a rebuild) has already indexed once. The MUID is trusted only
// when the fingerprint of the message currently on disk still matches the
// fingerprint recorded for that MUID, or when no row exists at all (the DB
// was rebuilt); a fingerprint mismatch against an existing row means the
// header is stale or forged and is ignored, since trusting it would
// silently corrupt the dedup index.
const (
	trustedMUIDHeader = "X-AMT-MUID"
	trustedTUIDHeader = "X-AMT-TUID"
)

// threadWindow is how far apart two messages with matching subject stems
// can be and still be considered part of the same thread by subject alone.
const threadWindow = 7 * 24 * time.Hour

// ImportMsg imports m, stored at loc, into the database: it resolves (or
// allocates) the message's MUID via fingerprint dedup, resolves (or
// allocates) its TUID via reference and subject-stem matching, and records
// its location.
//
// dupCheck controls whether fingerprint dedup runs at all; a caller doing a
// forced re-import (e.g. explicitly re-indexing a message known to be new)
// can pass false to always allocate a fresh row.
//
// updateHeader controls whether m's X-AMT-MUID/X-AMT-TUID headers are
// stripped and re-added to reflect the resolved identifiers before this
// function returns; a caller that wants the headers to actually reach disk
// must re-serialize m (see message.Message.Bytes) and write it to loc
// itself, since ImportMsg only indexes, it does not write message bytes.
//
// commit controls whether the resulting transaction is finalized
// immediately or left open for a subsequent call (see DB.withTx).
func (db *DB) ImportMsg(m *message.Message, loc Location, updateHeader, dupCheck, commit bool) (MUID, TUID, error) {
	fp := m.Fingerprint()

	if muid, tuid, ok, err := db.importByTrustedHeader(m, loc, fp, commit); err != nil {
		return "", "", err
	} else if ok {
		return db.finishImport(m, loc, muid, tuid, updateHeader)
	}

	if dupCheck {
		if muid, found, err := db.findByFingerprint(fp); err != nil {
			return "", "", err
		} else if found {
			tuid, _, err := db.tuidForMUID(muid)
			if err != nil {
				return "", "", err
			}
			if err := db.withTx(commit, func(tx *sql.Tx) error {
				return upsertLocation(tx, muid, loc)
			}); err != nil {
				return "", "", err
			}
			return db.finishImport(m, loc, muid, tuid, updateHeader)
		}
	}

	msgID := m.GetMessageID()
	referenced := m.ReferencedIDs()
	stem := m.SubjectStem()
	timestamp := parseDate(m)

	var muid MUID
	var tuid TUID
	err := db.withTx(commit, func(tx *sql.Tx) error {
		var err error
		tuid, err = db.resolveThreadTUID(tx, referenced, msgID, stem, timestamp)
		if err != nil {
			return err
		}

		muid = db.allocateMUID()
		if err := insertMessageRow(tx, muid, fp, tuid, msgID, m, stem, timestamp, loc); err != nil {
			return err
		}
		if err := insertReferences(tx, muid, referenced); err != nil {
			return err
		}
		return upsertLocation(tx, muid, loc)
	})
	if err != nil {
		return "", "", err
	}
	return db.finishImport(m, loc, muid, tuid, updateHeader)
}

// finishImport applies the updateHeader contract and returns the resolved
// identifiers. It never touches the database.
func (db *DB) finishImport(m *message.Message, loc Location, muid MUID, tuid TUID, updateHeader bool) (MUID, TUID, error) {
	if updateHeader {
		m.RemoveHeader(trustedMUIDHeader)
		m.RemoveHeader(trustedTUIDHeader)
		m.AddHeader(trustedMUIDHeader, string(muid))
		if tuid != "" {
			m.AddHeader(trustedTUIDHeader, string(tuid))
		}
	}
	return muid, tuid, nil
}

// importByTrustedHeader implements policy step 1 of ImportMsg: honour a
// carried X-AMT-MUID header when it parses under this database's prefix.
func (db *DB) importByTrustedHeader(m *message.Message, loc Location, fp string, commit bool) (MUID, TUID, bool, error) {
	raw, ok := m.GetHeader(trustedMUIDHeader)
	if !ok {
		return "", "", false, nil
	}
	muid, err := db.resolveMUID(raw)
	if err != nil {
		return "", "", false, nil
	}

	existingFP, found, err := db.fingerprintForMUID(muid)
	if err != nil {
		return "", "", false, err
	}

	if found {
		if existingFP != fp {
			log.Printf("maildb: ignoring %s %s: fingerprint mismatch against indexed message", trustedMUIDHeader, muid)
			return "", "", false, nil
		}
		tuid, _, err := db.tuidForMUID(muid)
		if err != nil {
			return "", "", false, err
		}
		if err := db.withTx(commit, func(tx *sql.Tx) error {
			return upsertLocation(tx, muid, loc)
		}); err != nil {
			return "", "", false, err
		}
		return muid, tuid, true, nil
	}

	// Row missing: the database was rebuilt (or this MUID was never seen
	// by this instance). Honour the stamped MUID, but the TUID it points
	// at needs re-deriving, since we have no record it ever existed.
	tuid, err := db.rederiveTUIDForRebuiltImport(m, commit)
	if err != nil {
		return "", "", false, err
	}

	msgID := m.GetMessageID()
	referenced := m.ReferencedIDs()
	stem := m.SubjectStem()
	timestamp := parseDate(m)

	err = db.withTx(commit, func(tx *sql.Tx) error {
		if err := insertMessageRow(tx, muid, fp, tuid, msgID, m, stem, timestamp, loc); err != nil {
			return err
		}
		if err := insertReferences(tx, muid, referenced); err != nil {
			return err
		}
		return upsertLocation(tx, muid, loc)
	})
	if err != nil {
		return "", "", false, err
	}
	return muid, tuid, true, nil
}

// rederiveTUIDForRebuiltImport implements the third bullet of ImportMsg
// step 1: a message carrying a trusted-but-unindexed MUID still needs a
// TUID, and the message may also carry an X-AMT-TUID from before the
// rebuild. If that carried TUID still has a matching thread row (same
// subject stem), it's reused as-is. Otherwise a normal TUID search runs and
// the TUID it finds is the one returned; if that differs from a carried
// TUID, MergeThreads(found, carried) records the carried TUID in
// merged_threads as forwarding to the found one, so a reference to the old
// identity still resolves.
func (db *DB) rederiveTUIDForRebuiltImport(m *message.Message, commit bool) (TUID, error) {
	stem := m.SubjectStem()

	var carried TUID
	if raw, ok := m.GetHeader(trustedTUIDHeader); ok {
		if t, err := db.resolveTUID(raw); err == nil {
			carried = t
		}
	}

	if carried != "" {
		carriedStem, found, err := db.subjectStemForTUID(carried)
		if err != nil {
			return "", err
		}
		if found && carriedStem == stem {
			return carried, nil
		}
	}

	msgID := m.GetMessageID()
	referenced := m.ReferencedIDs()
	timestamp := parseDate(m)

	var found TUID
	err := db.withTx(commit, func(tx *sql.Tx) error {
		var err error
		found, err = db.resolveThreadTUID(tx, referenced, msgID, stem, timestamp)
		return err
	})
	if err != nil {
		return "", err
	}

	if carried != "" && carried != found {
		if err := db.MergeThreads(found, carried, commit); err != nil {
			return "", err
		}
	}
	return found, nil
}

func insertMessageRow(tx *sql.Tx, muid MUID, fp string, tuid TUID, msgID string, m *message.Message, stem string, timestamp time.Time, loc Location) error {
	_, err := tx.Exec(
		`INSERT INTO messages (muid, fingerprint, tuid, message_id, subject, subject_stem, from_addr, timestamp, location)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(muid), fp, string(tuid), msgID, m.Subject(), stem, firstFrom(m), timestamp.Unix(), loc.Serialize(),
	)
	if err != nil {
		return eris.Wrap(err, "insert message")
	}
	return nil
}

func insertReferences(tx *sql.Tx, muid MUID, referenced []string) error {
	for _, ref := range referenced {
		if _, err := tx.Exec(`INSERT INTO msg_references (muid, message_id) VALUES (?, ?)`, string(muid), ref); err != nil {
			return eris.Wrap(err, "insert reference")
		}
	}
	return nil
}

func (db *DB) fingerprintForMUID(muid MUID) (string, bool, error) {
	row := db.sql.QueryRow(`SELECT fingerprint FROM messages WHERE muid = ?`, string(muid))
	var fp string
	err := row.Scan(&fp)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrap(err, "lookup fingerprint by muid")
	}
	return fp, true, nil
}

func (db *DB) tuidForMUID(muid MUID) (TUID, bool, error) {
	row := db.sql.QueryRow(`SELECT tuid FROM messages WHERE muid = ?`, string(muid))
	var tuid sql.NullString
	err := row.Scan(&tuid)
	if err == sql.ErrNoRows || (err == nil && !tuid.Valid) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrap(err, "lookup tuid by muid")
	}
	return TUID(tuid.String), true, nil
}

func (db *DB) subjectStemForTUID(tuid TUID) (string, bool, error) {
	row := db.sql.QueryRow(`SELECT subject_stem FROM threads WHERE tuid = ?`, string(tuid))
	var stem sql.NullString
	err := row.Scan(&stem)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrap(err, "lookup subject stem by tuid")
	}
	return stem.String, true, nil
}

func (db *DB) findByFingerprint(fp string) (MUID, bool, error) {
	row := db.sql.QueryRow(`SELECT muid FROM messages WHERE fingerprint = ? LIMIT 1`, fp)
	var muid string
	err := row.Scan(&muid)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrap(err, "lookup message by fingerprint")
	}
	return MUID(muid), true, nil
}

// resolveThreadTUID implements the thread-resolution precedence: a matching
// reference link outranks a matching subject stem, and a brand new thread
// is allocated only once both have failed to find a home for the message.
func (db *DB) resolveThreadTUID(tx *sql.Tx, referenced []string, ownMessageID, stem string, timestamp time.Time) (TUID, error) {
	if tuid, found, err := db.searchTUIDByMessageID(tx, referenced, ownMessageID); err != nil {
		return "", err
	} else if found {
		return tuid, nil
	}

	if stem != "" {
		if tuid, found, err := db.searchTUIDBySubject(tx, stem, timestamp); err != nil {
			return "", err
		} else if found {
			return tuid, nil
		}
	}

	tuid := db.allocateTUID()
	if _, err := tx.Exec(`INSERT INTO threads (tuid, subject_stem) VALUES (?, ?)`, string(tuid), stem); err != nil {
		return "", eris.Wrap(err, "insert thread")
	}
	return tuid, nil
}

// searchTUIDByMessageID looks both directions: messages we reference (their
// Message-ID is in our References/In-Reply-To) and messages that reference
// us (our Message-ID appears in their recorded msg_references, which
// happens when a reply was imported before the message it replies to).
func (db *DB) searchTUIDByMessageID(tx *sql.Tx, referenced []string, ownMessageID string) (TUID, bool, error) {
	for _, id := range referenced {
		row := tx.QueryRow(`SELECT tuid FROM messages WHERE message_id = ? AND tuid IS NOT NULL LIMIT 1`, id)
		var tuid sql.NullString
		if err := row.Scan(&tuid); err == nil && tuid.Valid {
			return TUID(tuid.String), true, nil
		}
	}

	if ownMessageID != "" {
		row := tx.QueryRow(
			`SELECT m.tuid FROM msg_references r
			 JOIN messages m ON m.muid = r.muid
			 WHERE r.message_id = ? AND m.tuid IS NOT NULL LIMIT 1`,
			ownMessageID,
		)
		var tuid sql.NullString
		if err := row.Scan(&tuid); err == nil && tuid.Valid {
			return TUID(tuid.String), true, nil
		}
	}

	return "", false, nil
}

func (db *DB) searchTUIDBySubject(tx *sql.Tx, stem string, timestamp time.Time) (TUID, bool, error) {
	lo := timestamp.Add(-threadWindow).Unix()
	hi := timestamp.Add(threadWindow).Unix()
	row := tx.QueryRow(
		`SELECT tuid FROM messages WHERE subject_stem = ? AND timestamp BETWEEN ? AND ? AND tuid IS NOT NULL
		 ORDER BY ABS(timestamp - ?) LIMIT 1`,
		stem, lo, hi, timestamp.Unix(),
	)
	var tuid sql.NullString
	err := row.Scan(&tuid)
	if err == sql.ErrNoRows || (err == nil && !tuid.Valid) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrap(err, "search thread by subject")
	}
	return TUID(tuid.String), true, nil
}

func upsertLocation(tx *sql.Tx, muid MUID, loc Location) error {
	_, err := tx.Exec(
		`INSERT INTO msg_locations (muid, location) VALUES (?, ?)
		 ON CONFLICT(muid) DO UPDATE SET location = excluded.location`,
		string(muid), loc.Serialize(),
	)
	if err != nil {
		return eris.Wrap(err, "upsert location")
	}
	return nil
}

func firstFrom(m *message.Message) string {
	from := m.From()
	if len(from) == 0 {
		return ""
	}
	return from[0].Address
}

func parseDate(m *message.Message) time.Time {
	raw, ok := m.GetHeader("Date")
	if !ok {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, "Mon, 2 Jan 2006 15:04:05 -0700", "2 Jan 2006 15:04:05 -0700"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
