// Package maildb implements the content-addressed mail database: MUID/TUID
// allocation, fingerprint-based dedup on import, heuristic thread
// resolution and merging, and label bookkeeping, all backed by SQLite.
package maildb

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
	muid         TEXT PRIMARY KEY,
	fingerprint  TEXT NOT NULL,
	tuid         TEXT,
	message_id   TEXT,
	subject      TEXT,
	subject_stem TEXT,
	from_addr    TEXT,
	timestamp    INTEGER NOT NULL DEFAULT 0,
	location     TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_fingerprint ON messages(fingerprint);
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);
CREATE INDEX IF NOT EXISTS idx_messages_tuid ON messages(tuid);
CREATE INDEX IF NOT EXISTS idx_messages_subject_stem ON messages(subject_stem, timestamp);

CREATE TABLE IF NOT EXISTS msg_references (
	muid       TEXT NOT NULL,
	message_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_msg_references_message_id ON msg_references(message_id);
CREATE INDEX IF NOT EXISTS idx_msg_references_muid ON msg_references(muid);

CREATE TABLE IF NOT EXISTS threads (
	tuid         TEXT PRIMARY KEY,
	subject_stem TEXT
);

-- merged_threads forwards an absorbed TUID to its survivor so a reference
-- to a TUID that no longer has a threads row (its row was deleted on merge)
-- still resolves. A chain is always flattened on insert, so resolving never
-- needs more than one lookup.
CREATE TABLE IF NOT EXISTS merged_threads (
	merged_from TEXT PRIMARY KEY,
	merged_to   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS labels (
	name TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS msg_labels (
	muid      TEXT NOT NULL,
	label     TEXT NOT NULL,
	automatic INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (muid, label)
);

CREATE TABLE IF NOT EXISTS thread_labels (
	tuid      TEXT NOT NULL,
	label     TEXT NOT NULL,
	automatic INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tuid, label)
);

CREATE TABLE IF NOT EXISTS msg_locations (
	muid     TEXT PRIMARY KEY,
	location TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS db_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// DB is a handle on one mail database. Every mutating method takes an
// explicit commit bool: false lets a caller batch several calls inside one
// transaction (e.g. ImportMsg plus a label assignment) before committing.
type DB struct {
	sql    *sql.DB
	prefix string

	muidSeq int64
	tuidSeq int64

	// pendingTx holds a transaction opened by a commit=false call, to be
	// reused (and eventually committed or rolled back) by later calls. A
	// MailDB is meant to have a single writer goroutine, per the
	// concurrency model; it does not protect pendingTx with a mutex.
	pendingTx *sql.Tx
}

// Open opens or creates a mail database at path.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, eris.Wrap(err, "open maildb")
	}
	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		sqlDB.Close()
		return nil, eris.Wrap(err, "init maildb schema")
	}

	db := &DB{sql: sqlDB}
	if err := db.loadOrCreatePrefix(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.loadSequences(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying SQLite connection.
func (db *DB) Close() error { return db.sql.Close() }

func (db *DB) loadOrCreatePrefix() error {
	row := db.sql.QueryRow(`SELECT value FROM db_meta WHERE key = 'prefix'`)
	var prefix string
	err := row.Scan(&prefix)
	if err == nil {
		db.prefix = prefix
		return nil
	}
	if err != sql.ErrNoRows {
		return eris.Wrap(err, "load db prefix")
	}
	prefix, err = newPrefix()
	if err != nil {
		return eris.Wrap(err, "generate db prefix")
	}
	if _, err := db.sql.Exec(`INSERT INTO db_meta (key, value) VALUES ('prefix', ?)`, prefix); err != nil {
		return eris.Wrap(err, "store db prefix")
	}
	db.prefix = prefix
	return nil
}

func (db *DB) loadSequences() error {
	db.muidSeq = maxSuffix(db.sql, `SELECT muid FROM messages`, db.prefix+"-m")
	db.tuidSeq = maxSuffix(db.sql, `SELECT tuid FROM threads`, db.prefix+"-t")
	return nil
}

func maxSuffix(sqlDB *sql.DB, query, prefix string) int64 {
	rows, err := sqlDB.Query(query)
	if err != nil {
		return 0
	}
	defer rows.Close()
	var max int64
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil || !v.Valid {
			continue
		}
		if !strings.HasPrefix(v.String, prefix) {
			continue
		}
		n, err := strconv.ParseInt(v.String[len(prefix):], 10, 64)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max
}

// withTx runs fn inside a transaction. When commit is false, the
// transaction is kept open on db.pendingTx for a later call to finish,
// instead of being committed immediately; this lets a caller batch several
// mutations (e.g. ImportMsg followed by a label assignment) into one
// atomic unit by passing commit=false on all but the last call. A failing
// fn always rolls back and discards any pending transaction.
func (db *DB) withTx(commit bool, fn func(*sql.Tx) error) error {
	tx := db.pendingTx
	if tx == nil {
		var err error
		tx, err = db.sql.Begin()
		if err != nil {
			return eris.Wrap(err, "begin transaction")
		}
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		db.pendingTx = nil
		return err
	}

	if !commit {
		db.pendingTx = tx
		return nil
	}

	db.pendingTx = nil
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "commit transaction")
	}
	return nil
}

// Flush commits any transaction left open by a prior commit=false call. It
// is a no-op if there is nothing pending.
func (db *DB) Flush() error {
	if db.pendingTx == nil {
		return nil
	}
	tx := db.pendingTx
	db.pendingTx = nil
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "commit pending transaction")
	}
	return nil
}

var errNotFound = fmt.Errorf("maildb: not found")
