// Package reaper periodically clears expired edit locks.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tasksync/api/internal/logging"
)

const (
	DefaultInterval = 10 * time.Minute
	DefaultLeaseKey = "tasksync:reaper:lease"
)

// Sweeper clears stale locks and announces every cleared record.
type Sweeper interface {
	SweepStaleLocks(ctx context.Context) (int, error)
}

type Reaper struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger

	// With a lease client, only the instance holding the lease sweeps in a
	// given interval.
	lease    *redis.Client
	leaseKey string
	owner    string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Reaper)

func WithInterval(interval time.Duration) Option {
	return func(r *Reaper) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

func WithRedisLease(client *redis.Client, key string) Option {
	return func(r *Reaper) {
		r.lease = client
		if key != "" {
			r.leaseKey = key
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reaper) {
		r.logger = logging.Component(logger, "reaper")
	}
}

func New(sweeper Sweeper, opts ...Option) *Reaper {
	r := &Reaper{
		sweeper:  sweeper,
		interval: DefaultInterval,
		logger:   logging.Component(nil, "reaper"),
		leaseKey: DefaultLeaseKey,
		owner:    uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs a sweep every interval until Stop or ctx is done. Calling Start
// on a running reaper does nothing.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Failures are retried on the next tick.
			if _, _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("stale lock sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Stop halts the loop and waits for an in-progress sweep to return.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce performs one sweep. ran is false when another instance holds the
// lease for this interval.
func (r *Reaper) RunOnce(ctx context.Context) (swept int, ran bool, err error) {
	if r.lease != nil {
		acquired, err := r.acquireLease(ctx)
		if err != nil {
			return 0, false, err
		}
		if !acquired {
			r.logger.Debug("sweep skipped, lease held elsewhere")
			return 0, false, nil
		}
	}

	swept, err = r.sweeper.SweepStaleLocks(ctx)
	if err != nil {
		return 0, true, err
	}
	if swept > 0 {
		r.logger.Info("cleaned up stale locks", slog.Int("count", swept))
	}
	return swept, true, nil
}

// acquireLease takes the sweep lease for most of one interval. The lease is
// left to expire so the other instances skip this interval.
func (r *Reaper) acquireLease(ctx context.Context) (bool, error) {
	ttl := r.interval * 9 / 10
	if ttl <= 0 {
		ttl = r.interval
	}
	ok, err := r.lease.SetNX(ctx, r.leaseKey, r.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire sweep lease: %w", err)
	}
	return ok, nil
}
