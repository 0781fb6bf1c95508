package maildb

import (
	"database/sql"

	"github.com/rotisserie/eris"
)

// LabelDetail is a (label, automatic) pair: automatic is true when the
// label was applied by a classifier rather than a person, so UIs can
// render the two differently and a person's explicit label can outrank an
// automatic guess.
type LabelDetail struct {
	Label     string
	Automatic bool
}

// AddLabel records label on muid's message.
func (db *DB) AddLabel(muid MUID, label string, automatic bool, commit bool) error {
	return db.withTx(commit, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO labels (name) VALUES (?)`, label); err != nil {
			return eris.Wrap(err, "ensure label")
		}
		_, err := tx.Exec(
			`INSERT INTO msg_labels (muid, label, automatic) VALUES (?, ?, ?)
			 ON CONFLICT(muid, label) DO UPDATE SET automatic = excluded.automatic`,
			string(muid), label, automatic,
		)
		return eris.Wrap(err, "add label")
	})
}

// RemoveLabel removes label from muid's message.
func (db *DB) RemoveLabel(muid MUID, label string, commit bool) error {
	return db.withTx(commit, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM msg_labels WHERE muid = ? AND label = ?`, string(muid), label)
		return err
	})
}

// GetLabelDetails returns every label on muid's message.
func (db *DB) GetLabelDetails(muid MUID) ([]LabelDetail, error) {
	rows, err := db.sql.Query(`SELECT label, automatic FROM msg_labels WHERE muid = ?`, string(muid))
	if err != nil {
		return nil, eris.Wrap(err, "query msg labels")
	}
	defer rows.Close()
	return scanLabelDetails(rows)
}

// AddThreadLabel records label on tuid's thread.
func (db *DB) AddThreadLabel(tuid TUID, label string, automatic bool, commit bool) error {
	return db.withTx(commit, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO labels (name) VALUES (?)`, label); err != nil {
			return eris.Wrap(err, "ensure label")
		}
		_, err := tx.Exec(
			`INSERT INTO thread_labels (tuid, label, automatic) VALUES (?, ?, ?)
			 ON CONFLICT(tuid, label) DO UPDATE SET automatic = excluded.automatic`,
			string(tuid), label, automatic,
		)
		return eris.Wrap(err, "add thread label")
	})
}

// RemoveThreadLabel removes label from tuid's thread.
func (db *DB) RemoveThreadLabel(tuid TUID, label string, commit bool) error {
	return db.withTx(commit, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM thread_labels WHERE tuid = ? AND label = ?`, string(tuid), label)
		return err
	})
}

// GetThreadLabelDetails returns every label on tuid's thread.
func (db *DB) GetThreadLabelDetails(tuid TUID) ([]LabelDetail, error) {
	rows, err := db.sql.Query(`SELECT label, automatic FROM thread_labels WHERE tuid = ?`, string(tuid))
	if err != nil {
		return nil, eris.Wrap(err, "query thread labels")
	}
	defer rows.Close()
	return scanLabelDetails(rows)
}

func scanLabelDetails(rows *sql.Rows) ([]LabelDetail, error) {
	var out []LabelDetail
	for rows.Next() {
		var d LabelDetail
		if err := rows.Scan(&d.Label, &d.Automatic); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// IndexMsg is a documented no-op: full-text indexing is out of scope for
// this database. It exists so callers that walk every imported message
// (e.g. a reindex command) have a stable hook to call without special-
// casing "indexing isn't implemented yet".
func (db *DB) IndexMsg(muid MUID) error {
	return nil
}
