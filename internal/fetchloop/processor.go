package fetchloop

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eslider/mailkit/internal/maildb"
	"github.com/eslider/mailkit/internal/message"
)

// Processor handles one fetched message. Process returning a non-nil error
// stops the run that called it (see Runner); a Processor that wants to
// merely skip a bad message should log and return nil instead.
type Processor interface {
	Process(ctx context.Context, raw []byte, m *message.Message) error
}

// MaildirProcessor delivers each fetched message into a local maildir,
// using the standard tmp-then-rename delivery convention so a reader never
// observes a partially written file, then imports it into a MailDB so later
// runs can dedup against it.
type MaildirProcessor struct {
	Root string
	DB   *maildb.DB

	// UpdateHeader, if true, stamps the resolved X-AMT-MUID/X-AMT-TUID
	// headers onto the delivered file, re-serializing it after import.
	// Defaults to true via NewMaildirProcessor.
	UpdateHeader bool
	// DupCheck controls whether ImportMsg runs fingerprint dedup at all.
	// Defaults to true via NewMaildirProcessor.
	DupCheck bool
}

// NewMaildirProcessor creates a MaildirProcessor delivering into root
// (which must contain tmp/, new/, and cur/ subdirectories) and indexing
// into db.
func NewMaildirProcessor(root string, db *maildb.DB) *MaildirProcessor {
	return &MaildirProcessor{Root: root, DB: db, UpdateHeader: true, DupCheck: true}
}

// EnsureLayout creates the tmp/new/cur subdirectories if absent.
func (p *MaildirProcessor) EnsureLayout() error {
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(p.Root, sub), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (p *MaildirProcessor) Process(ctx context.Context, raw []byte, m *message.Message) error {
	name, err := maildirUniqueName()
	if err != nil {
		return fmt.Errorf("fetchloop: generate maildir filename: %w", err)
	}

	tmpPath := filepath.Join(p.Root, "tmp", name)
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("fetchloop: write tmp file: %w", err)
	}

	finalName := name + message.ComputeMaildirInfo(m.Flags)
	finalPath := filepath.Join(p.Root, "new", finalName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("fetchloop: deliver to new/: %w", err)
	}

	if p.DB != nil {
		loc := maildb.NewMaildirLocation(finalPath)
		if _, _, err := p.DB.ImportMsg(m, loc, p.UpdateHeader, p.DupCheck, true); err != nil {
			return fmt.Errorf("fetchloop: import into maildb: %w", err)
		}
		if p.UpdateHeader {
			if err := os.WriteFile(finalPath, m.Bytes(), 0o644); err != nil {
				return fmt.Errorf("fetchloop: rewrite delivered file with stamped headers: %w", err)
			}
		}
	}
	return nil
}

// maildirUniqueName builds a maildir-unique basename of the conventional
// "<seconds>.<random>.<host>" shape, using a random hex suffix rather than
// a process ID and delivery counter since this process has no notion of a
// shared delivery counter across runs.
func maildirUniqueName() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%d.%s.%s", time.Now().UnixNano(), hex.EncodeToString(buf[:]), host), nil
}

// ChainProcessor runs every Processor in order against the same message,
// stopping at the first error.
type ChainProcessor []Processor

func (c ChainProcessor) Process(ctx context.Context, raw []byte, m *message.Message) error {
	for _, p := range c {
		if err := p.Process(ctx, raw, m); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ Processor = (*MaildirProcessor)(nil)
	_ Processor = ChainProcessor(nil)
)
