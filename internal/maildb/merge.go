package maildb

import (
	"database/sql"
	"fmt"

	"github.com/rotisserie/eris"
)

// ResolveThread follows the merged_threads forwarding table to the current
// survivor of tuid. If tuid was never merged away, it resolves to itself.
// The forwarding table is kept flat on every merge, so this is always a
// single lookup, never a chain walk.
func (db *DB) ResolveThread(tuid TUID) (TUID, error) {
	row := db.sql.QueryRow(`SELECT merged_to FROM merged_threads WHERE merged_from = ?`, string(tuid))
	var to string
	err := row.Scan(&to)
	if err == sql.ErrNoRows {
		return tuid, nil
	}
	if err != nil {
		return "", eris.Wrap(err, "resolve thread")
	}
	return TUID(to), nil
}

// MergeThreads merges absorb into keep: every message currently pointing
// at absorb is repointed to keep directly, keep gains the union of both
// threads' labels, and absorb's thread row is deleted. A forwarding row
// absorb->keep is recorded in merged_threads so any later reference to
// absorb (a stale X-AMT-TUID header, a cached search result) still
// resolves via ResolveThread.
//
// Repointing messages directly (rather than leaving them pointed at absorb
// and following the forwarding table at read time) maintains a single-hop
// invariant for messages.tuid: no message row is ever more than one merge
// away from the thread row a plain SELECT will find. The forwarding table
// exists purely for callers holding an already-resolved TUID from before
// the merge. Merging is idempotent: merging the same pair twice is a no-op
// the second time, since absorb's messages (and its row) are already gone.
//
// Flattening: before recording absorb->keep, every existing row whose
// merged_to is absorb is rewritten to point at keep, so a prior chain
// X->absorb->keep collapses to X->keep and merged_to never itself needs
// resolving.
func (db *DB) MergeThreads(keep, absorb TUID, commit bool) error {
	if keep == absorb {
		return nil
	}
	if _, err := db.resolveTUID(string(keep)); err != nil {
		return err
	}
	if _, err := db.resolveTUID(string(absorb)); err != nil {
		return err
	}

	return db.withTx(commit, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE messages SET tuid = ? WHERE tuid = ?`, string(keep), string(absorb)); err != nil {
			return eris.Wrap(err, "repoint messages")
		}

		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO thread_labels (tuid, label, automatic)
			 SELECT ?, label, automatic FROM thread_labels WHERE tuid = ?`,
			string(keep), string(absorb),
		); err != nil {
			return eris.Wrap(err, "merge thread labels")
		}

		if _, err := tx.Exec(`DELETE FROM thread_labels WHERE tuid = ?`, string(absorb)); err != nil {
			return eris.Wrap(err, "clear absorbed thread labels")
		}
		if _, err := tx.Exec(`DELETE FROM threads WHERE tuid = ?`, string(absorb)); err != nil {
			return eris.Wrap(err, "delete absorbed thread")
		}

		if _, err := tx.Exec(`UPDATE merged_threads SET merged_to = ? WHERE merged_to = ?`, string(keep), string(absorb)); err != nil {
			return eris.Wrap(err, "flatten merged_threads chain")
		}
		if _, err := tx.Exec(
			`INSERT INTO merged_threads (merged_from, merged_to) VALUES (?, ?)
			 ON CONFLICT(merged_from) DO UPDATE SET merged_to = excluded.merged_to`,
			string(absorb), string(keep),
		); err != nil {
			return eris.Wrap(err, "record merged_threads forwarding")
		}
		return nil
	})
}

// SplitThread is a documented placeholder: splitting a thread back apart
// after a bad merge has no defined algorithm (subject/reference matching
// is not generally invertible once messages have been repointed), so this
// always fails. It exists only so callers can name the operation and get a
// clear error instead of silently doing nothing.
func (db *DB) SplitThread(tuid TUID, muids []MUID) error {
	return fmt.Errorf("maildb: thread splitting is not implemented")
}
