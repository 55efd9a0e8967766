package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gymflow/occupancy/internal/config"
	"gymflow/occupancy/internal/logging"
	"gymflow/occupancy/internal/model"
)

type fakeCloser struct {
	mu     sync.Mutex
	calls  int
	maxAge time.Duration
	closed []model.CheckIn
	err    error
}

func (f *fakeCloser) CloseStale(_ context.Context, maxAge time.Duration) ([]model.CheckIn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.maxAge = maxAge
	return f.closed, f.err
}

func (f *fakeCloser) snapshot() (int, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.maxAge
}

func TestSweepReportsClosedSessions(t *testing.T) {
	closer := &fakeCloser{closed: []model.CheckIn{{ID: "a"}, {ID: "b"}}}
	if got := sweep(context.Background(), closer, time.Hour, time.Second, logging.Discard()); got != 2 {
		t.Fatalf("expected 2 closed, got %d", got)
	}
	closer.err = errors.New("store down")
	closer.closed = nil
	if got := sweep(context.Background(), closer, time.Hour, time.Second, logging.Discard()); got != 0 {
		t.Fatalf("expected 0 closed on error, got %d", got)
	}
}

func TestJobRunsOnTickerUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	closer := &fakeCloser{}
	cfg := config.Config{
		StaleSessionJobEnabled:  true,
		StaleSessionJobInterval: 10 * time.Millisecond,
		StaleSessionMaxAge:      3 * time.Hour,
	}
	done := StartStaleSessionJob(ctx, cfg, closer, logging.Discard())

	deadline := time.Now().Add(2 * time.Second)
	for {
		calls, maxAge := closer.snapshot()
		if calls > 0 {
			if maxAge != 3*time.Hour {
				t.Fatalf("expected max age 3h, got %s", maxAge)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not stop after cancel")
	}
}

func TestJobDisabled(t *testing.T) {
	closer := &fakeCloser{}
	done := StartStaleSessionJob(context.Background(), config.Config{StaleSessionJobInterval: time.Millisecond}, closer, logging.Discard())
	select {
	case <-done:
	default:
		t.Fatalf("expected disabled job to report done immediately")
	}
	time.Sleep(20 * time.Millisecond)
	if calls, _ := closer.snapshot(); calls != 0 {
		t.Fatalf("expected disabled job not to run, got %d calls", calls)
	}
}
