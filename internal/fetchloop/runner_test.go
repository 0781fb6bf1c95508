package fetchloop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/eslider/mailkit/internal/imap"
)

func TestIsTransientConnClosed(t *testing.T) {
	if !isTransient(imap.ErrConnClosed) {
		t.Fatal("expected ErrConnClosed to be transient")
	}
	if !isTransient(fmt.Errorf("wrap: %w", imap.ErrConnClosed)) {
		t.Fatal("expected a wrapped ErrConnClosed to be transient")
	}
}

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "fake net error" }
func (fakeNetError) Timeout() bool   { return true }
func (fakeNetError) Temporary() bool { return true }

var _ net.Error = fakeNetError{}

func TestIsTransientNetError(t *testing.T) {
	if !isTransient(fakeNetError{}) {
		t.Fatal("expected a net.Error to be transient")
	}
}

func TestIsTransientPermanentOnOrdinaryError(t *testing.T) {
	if isTransient(errors.New("some permanent failure")) {
		t.Fatal("expected a plain error to be classified permanent")
	}
}

func TestRunnerStartStopAndStats(t *testing.T) {
	r := NewRunner()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A job whose dial always fails immediately gets a wrapped *net.OpError,
	// which isTransient classifies as transient, so the job keeps retrying
	// with backoff until it is stopped or ctx is cancelled; Start/Stop
	// bookkeeping itself should not panic or race regardless.
	cfg := JobConfig{
		Name: "test-job",
		Dial: imap.DialConfig{Addr: "127.0.0.1:0", Timeout: 10 * time.Millisecond},
	}
	r.Start(ctx, cfg)
	r.Start(ctx, cfg) // starting the same name twice must cancel the old job, not panic

	stats := r.Stats()
	if _, ok := stats["test-job"]; !ok {
		// the goroutine may not have set RunID yet; give it a moment.
		time.Sleep(50 * time.Millisecond)
		stats = r.Stats()
	}

	r.Stop("test-job")
	r.Stop("does-not-exist") // stopping an unknown job must be a harmless no-op
}

func TestRunnerStatsReturnsACopy(t *testing.T) {
	r := NewRunner()
	r.setStats("job", func(s *RunStats) { s.Fetched = 5 })

	snap := r.Stats()
	snap["job"] = RunStats{Fetched: 999}

	fresh := r.Stats()
	if fresh["job"].Fetched != 5 {
		t.Fatalf("mutating the returned map must not affect internal state, got %+v", fresh["job"])
	}
}
