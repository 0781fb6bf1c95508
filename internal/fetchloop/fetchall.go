package fetchloop

import (
	"context"
	"fmt"

	"github.com/eslider/mailkit/internal/imap"
	"github.com/eslider/mailkit/internal/message"
)

// FetchAll walks every message currently in sess's selected mailbox, in
// ascending sequence order, handing each to proc. It does not delete or
// wait for new mail; callers that want either wrap this in a Runner. When
// backupMailbox is non-empty, every message is COPYed there, server-side,
// before proc runs.
func FetchAll(ctx context.Context, sess *imap.Session, proc Processor, backupMailbox string) (int, error) {
	return fetchWith(ctx, sess, NewSeqIDScanner(), proc, false, backupMailbox)
}

// FetchAndDelete behaves like FetchAll, but marks each message \Deleted and
// issues EXPUNGE immediately after proc successfully processes it. A
// Processor error leaves the message undeleted.
func FetchAndDelete(ctx context.Context, sess *imap.Session, proc Processor, backupMailbox string) (int, error) {
	return fetchWith(ctx, sess, NewSeqIDScanner(), proc, true, backupMailbox)
}

// ensureBackupMailbox creates backupMailbox if absent. A NO completion on
// CREATE almost always means the mailbox already exists; that's the
// expected steady state after the first run, so it's swallowed here rather
// than surfaced as a run-ending error.
func ensureBackupMailbox(ctx context.Context, sess *imap.Session, backupMailbox string) error {
	err := sess.CreateMailbox(ctx, backupMailbox)
	if err == nil || imap.IsNO(err) {
		return nil
	}
	return err
}

// fetchWith drives scanner over sess, handing each message to proc. The
// scanner owns every server-side mutation of the message itself
// (backup-copy, delete, expunge); proc owns only local delivery.
func fetchWith(ctx context.Context, sess *imap.Session, scanner Scanner, proc Processor, delete bool, backupMailbox string) (int, error) {
	if backupMailbox != "" {
		if err := ensureBackupMailbox(ctx, sess, backupMailbox); err != nil {
			return 0, fmt.Errorf("fetchloop: create backup mailbox %q: %w", backupMailbox, err)
		}
	}

	detach := scanner.Attach(sess)
	defer detach()

	n := 0
	for {
		seq, done := scanner.Next()
		if done {
			return n, nil
		}

		if backupMailbox != "" {
			if err := sess.Copy(ctx, []uint32{seq}, backupMailbox); err != nil {
				return n, fmt.Errorf("fetchloop: backup-copy seq %d to %q: %w", seq, backupMailbox, err)
			}
		}

		raw, err := sess.FetchMsg(ctx, seq)
		if err != nil {
			return n, fmt.Errorf("fetchloop: fetch seq %d: %w", seq, err)
		}
		m, err := message.FromBytes(raw)
		if err != nil {
			return n, fmt.Errorf("fetchloop: parse seq %d: %w", seq, err)
		}

		if err := proc.Process(ctx, raw, m); err != nil {
			return n, fmt.Errorf("fetchloop: process seq %d: %w", seq, err)
		}
		n++

		if delete {
			if err := sess.DeleteMsg(ctx, seq); err != nil {
				return n, fmt.Errorf("fetchloop: delete seq %d: %w", seq, err)
			}
			if err := sess.Expunge(ctx); err != nil {
				return n, fmt.Errorf("fetchloop: expunge after seq %d: %w", seq, err)
			}
			continue
		}

		scanner.Advance(seq)
	}
}
