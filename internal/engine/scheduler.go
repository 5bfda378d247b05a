package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/costscope/webhookd/internal/queue"
)

// Scheduler periodically drains due retries from the queue and hands them
// back to the delivery pool. It parks itself while the queue is empty and
// wakes when a retry is enqueued, instead of polling forever on nothing.
// Ticks against an empty or not-yet-due queue are no-ops.
type Scheduler struct {
	retries queue.RetryQueue
	submit  func(string)
	tick    time.Duration
	batch   int
	clock   func() time.Time
	logger  *slog.Logger

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a scheduler. submit enqueues one delivery attempt;
// clock may be nil to use time.Now.
func NewScheduler(retries queue.RetryQueue, submit func(string), tick time.Duration, clock func() time.Time, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		retries: retries,
		submit:  submit,
		tick:    tick,
		batch:   64,
		clock:   clock,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Start launches the scheduling loop. It runs until Stop is called or the
// context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
	s.logger.Info("retry scheduler started", "tick", s.tick)
}

// Wake nudges a parked scheduler after a retry has been enqueued.
// Non-blocking; redundant wakes collapse into one.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop terminates the scheduling loop. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		depth, err := s.retries.Len(ctx)
		if err != nil {
			s.logger.Error("failed to read retry queue depth", "error", err)
			depth = 0
		}

		if depth == 0 {
			// Park until the next enqueue rather than ticking on an
			// empty queue.
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				s.logger.Info("retry scheduler stopped")
				return
			case <-s.wake:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			s.logger.Info("retry scheduler stopped")
			return
		case <-s.wake:
		case <-time.After(s.tick):
		}

		due, err := s.retries.Due(ctx, s.clock(), s.batch)
		if err != nil {
			s.logger.Error("failed to poll retry queue", "error", err)
			continue
		}
		for _, id := range due {
			s.submit(id)
		}
	}
}
