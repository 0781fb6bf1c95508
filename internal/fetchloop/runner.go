package fetchloop

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/eslider/mailkit/internal/imap"
	"github.com/eslider/mailkit/internal/model"
)

// JobConfig describes one recurring fetch job: dial sess, select Mailbox,
// run Mode against it with Proc, then wait for new mail (IDLE or poll) and
// repeat.
type JobConfig struct {
	Name    string
	Dial    imap.DialConfig
	Login   func(ctx context.Context, sess *imap.Session) error
	Mailbox string
	Mode    Mode
	Proc    Processor
	// BackupMailbox, when set, is created on the account's server (if
	// absent) and every fetched message is COPYed there before delivery.
	BackupMailbox string
}

// Mode selects which scanning strategy a job runs each pass.
type Mode int

const (
	// ModeFetchAll leaves processed messages in place.
	ModeFetchAll Mode = iota
	// ModeFetchAndDelete removes each message after it is processed.
	ModeFetchAndDelete
)

// RunStats is a snapshot of a job's progress, exposed to internal/status.
type RunStats struct {
	RunID       string
	Fetched     int
	LastError   string
	LastRunAt   time.Time
	ConnectedAt time.Time
}

// Runner drives a set of named jobs, each in its own goroutine, with
// automatic reconnect on transient network errors. Jobs are keyed by name
// so a caller can start, stop, and inspect them independently while the
// runner itself stays alive for the life of the process.
type Runner struct {
	mu    sync.Mutex
	jobs  map[string]context.CancelFunc
	stats map[string]RunStats
}

// NewRunner creates an empty Runner.
func NewRunner() *Runner {
	return &Runner{
		jobs:  make(map[string]context.CancelFunc),
		stats: make(map[string]RunStats),
	}
}

// Start launches cfg as a background job. Starting a job under a name that
// is already running stops the old one first.
func (r *Runner) Start(ctx context.Context, cfg JobConfig) {
	r.mu.Lock()
	if cancel, ok := r.jobs[cfg.Name]; ok {
		cancel()
	}
	jobCtx, cancel := context.WithCancel(ctx)
	r.jobs[cfg.Name] = cancel
	r.mu.Unlock()

	go r.runForever(jobCtx, cfg)
}

// Stop cancels the named job, if running.
func (r *Runner) Stop(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.jobs[name]; ok {
		cancel()
		delete(r.jobs, name)
	}
}

// Stats returns a snapshot of every job's last known progress.
func (r *Runner) Stats() map[string]RunStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]RunStats, len(r.stats))
	for k, v := range r.stats {
		out[k] = v
	}
	return out
}

func (r *Runner) setStats(name string, fn func(*RunStats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats[name]
	fn(&s)
	r.stats[name] = s
}

// runForever is the job loop: connect, run one pass, wait for new mail,
// repeat, reconnecting on a classified-transient error with a backoff of
// at least 30 seconds. A classified-permanent error (see isTransient: a BAD
// response or any other non-network, non-NO error) stops the job instead of
// looping forever; transient errors are retried without limit.
func (r *Runner) runForever(ctx context.Context, cfg JobConfig) {
	const minBackoff = 30 * time.Second
	const maxBackoff = time.Minute
	backoff := minBackoff

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		runID := model.NewID()
		r.setStats(cfg.Name, func(s *RunStats) { s.RunID = runID })

		err := r.runOnce(ctx, cfg)
		if err == nil {
			backoff = minBackoff
			continue
		}
		if errors.Is(err, context.Canceled) {
			return
		}

		r.setStats(cfg.Name, func(s *RunStats) { s.LastError = err.Error() })
		log.Printf("fetchloop: job %s: run %s: %v", cfg.Name, runID, err)

		if !isTransient(err) {
			log.Printf("fetchloop: job %s: run %s: permanent error, stopping", cfg.Name, runID)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, cfg JobConfig) error {
	conn, err := imap.Dial(cfg.Dial)
	if err != nil {
		return err
	}
	sess := imap.NewSession(conn)
	defer sess.Logout(ctx)

	if _, err := sess.Connect(ctx); err != nil {
		return err
	}

	r.setStats(cfg.Name, func(s *RunStats) { s.ConnectedAt = time.Now() })

	if cfg.Login != nil {
		if err := cfg.Login(ctx, sess); err != nil {
			return err
		}
	}
	if _, err := sess.SelectMailbox(ctx, cfg.Mailbox); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var n int
		var err error
		switch cfg.Mode {
		case ModeFetchAndDelete:
			n, err = FetchAndDelete(ctx, sess, cfg.Proc, cfg.BackupMailbox)
		default:
			n, err = FetchAll(ctx, sess, cfg.Proc, cfg.BackupMailbox)
		}
		if err != nil {
			return err
		}
		r.setStats(cfg.Name, func(s *RunStats) {
			s.Fetched += n
			s.LastRunAt = time.Now()
		})

		if _, err := sess.WaitForExists(ctx); err != nil {
			return err
		}
	}
}

// isTransient classifies an error as worth retrying. Network-level errors
// (closed connections, timeouts, DNS hiccups) and IMAP NO responses
// (typically "mailbox temporarily unavailable" class conditions) are
// transient; anything else, including a BAD response naming a malformed
// command, is treated as permanent so a broken job fails loudly instead of
// spinning forever.
func isTransient(err error) bool {
	if errors.Is(err, imap.ErrConnClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if imap.IsNO(err) {
		return true
	}
	return false
}
