package payout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ParseRunAt parses an "HH:MM" UTC time of day into an offset from midnight.
func ParseRunAt(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid payout run time %q, want HH:MM: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// NextRun returns the first instant after now at offset past a UTC midnight.
func NextRun(now time.Time, offset time.Duration) time.Time {
	now = now.UTC()
	y, m, d := now.Date()
	next := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(offset)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Scheduler runs the daily payout for yesterday once per UTC day. On start
// it catches up yesterday in case the process was down at the run time;
// the run is idempotent so this is a replay when it already happened.
type Scheduler struct {
	service  *Service
	offset   time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewScheduler creates a scheduler firing at offset past each UTC midnight.
func NewScheduler(service *Service, offset time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		service: service,
		offset:  offset,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Running reports whether the scheduler loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	s.safeRun(ctx, TriggerCatchUp)

	for {
		now := s.service.now()
		next := NextRun(now, s.offset)
		s.logger.Info("next daily payout scheduled", "at", next)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
			s.safeRun(ctx, TriggerScheduler)
		}
	}
}

// Stop ends the loop, including one that is mid-run when called. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scheduler) safeRun(ctx context.Context, trigger string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in payout scheduler", "panic", fmt.Sprint(r))
		}
	}()

	res, err := s.service.RunDailyPayout(ctx, nil, trigger)
	if err != nil {
		s.logger.Error("scheduled daily payout failed", "trigger", trigger, "error", err)
		return
	}
	s.logger.Info("scheduled daily payout finished",
		"trigger", trigger, "date", res.Date, "replayed", res.Replayed, "distributed", res.TotalDistributed)
}
