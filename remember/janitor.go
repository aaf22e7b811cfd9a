package remember

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the janitor deletes expired tokens.
const DefaultSweepInterval = 24 * time.Hour

// Sweeper deletes expired tokens. *Service implements it.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Janitor runs a Sweeper once at Start and then on a fixed interval until
// Stop. A failed sweep is logged and the schedule continues.
type Janitor struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor returns a stopped Janitor.
func NewJanitor(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{sweeper: sweeper, interval: interval, logger: logger}
}

// Start launches the sweep loop. Calling Start on a running Janitor is a no-op.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	go j.loop(ctx, j.done)
}

// Stop cancels the schedule, aborts an in-flight sweep through its context,
// and waits for the loop to exit.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (j *Janitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	j.sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// RunOnce performs a single sweep synchronously.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	return j.sweeper.SweepExpired(ctx)
}

func (j *Janitor) sweep(ctx context.Context) {
	n, err := j.sweeper.SweepExpired(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		j.logger.Error("remember token sweep failed", "error", err)
	case err == nil && n > 0:
		j.logger.Info("expired remember tokens removed", "count", n)
	}
}
