package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/ledger"
)

// Timer closes lapsed evidence windows and retries deliberation for cases
// whose last attempt produced no consensus.
type Timer struct {
	service    *Service
	store      ledger.Store
	interval   time.Duration
	retryAfter time.Duration
	batch      int
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
	running    atomic.Bool
}

// NewTimer creates a new dispute timer.
func NewTimer(service *Service, store ledger.Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:    service,
		store:      store,
		interval:   time.Minute,
		retryAfter: 5 * time.Minute,
		batch:      100,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeTick(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in dispute timer", "panic", fmt.Sprint(r))
		}
	}()
	t.tick(ctx)
}

func (t *Timer) tick(ctx context.Context) {
	moved, err := t.service.ExpireEvidenceWindows(ctx, t.batch)
	if err != nil {
		t.logger.Warn("failed to list open disputes", "error", err)
	}
	for _, id := range moved {
		t.logger.Info("evidence window lapsed, deliberating", "slice_id", id)
	}

	deliberating, err := t.store.ListDisputes(ctx, ledger.DisputeDeliberating, t.batch)
	if err != nil {
		t.logger.Warn("failed to list deliberating disputes", "error", err)
		return
	}

	now := t.service.now()
	for _, d := range deliberating {
		// Fresh cases go immediately; failed ones wait before retrying.
		if d.Attempts > 0 && now.Sub(d.UpdatedAt) < t.retryAfter {
			continue
		}
		out, err := t.service.Deliberate(ctx, d.SliceID)
		var incomplete *apperr.ConsensusIncompleteError
		switch {
		case errors.As(err, &incomplete):
			t.logger.Warn("no advisory source answered, will retry",
				"slice_id", d.SliceID, "attempt", d.Attempts+1)
		case err != nil:
			t.logger.Warn("failed to deliberate dispute", "slice_id", d.SliceID, "error", err)
		default:
			t.logger.Info("dispute deliberated",
				"slice_id", d.SliceID, "status", out.Status, "consensus", out.Consensus)
		}
	}
}
