package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"gymflow/occupancy/internal/config"
	"gymflow/occupancy/internal/model"
)

// StaleCloser closes sessions left open longer than maxAge.
type StaleCloser interface {
	CloseStale(ctx context.Context, maxAge time.Duration) ([]model.CheckIn, error)
}

// StartStaleSessionJob periodically closes check-ins older than StaleSessionMaxAge.
// The returned channel is closed once the job has stopped; it is closed at once when disabled.
func StartStaleSessionJob(ctx context.Context, cfg config.Config, closer StaleCloser, log logrus.FieldLogger) <-chan struct{} {
	done := make(chan struct{})
	if !cfg.StaleSessionJobEnabled {
		close(done)
		return done
	}
	if closer == nil {
		log.Warn("stale session job disabled: no engine configured")
		close(done)
		return done
	}
	interval := cfg.StaleSessionJobInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	maxAge := cfg.StaleSessionMaxAge
	if maxAge <= 0 {
		maxAge = 12 * time.Hour
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep(ctx, closer, maxAge, interval, log)
			}
		}
	}()
	return done
}

func sweep(ctx context.Context, closer StaleCloser, maxAge, timeout time.Duration, log logrus.FieldLogger) int {
	tickCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	closed, err := closer.CloseStale(tickCtx, maxAge)
	if err != nil {
		log.WithError(err).WithField("closed", len(closed)).Warn("stale session job failed")
		return len(closed)
	}
	if len(closed) > 0 {
		log.WithField("closed", len(closed)).Info("stale session job closed sessions")
	}
	return len(closed)
}
