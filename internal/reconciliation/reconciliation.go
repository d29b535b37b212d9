// Package reconciliation re-checks recent daily payouts against the ledger.
//
// Each processed run must conserve money (pool plus carry-in equals what
// was paid plus what was carried forward) and its recorded pool must still
// match the community pool of payments released that day. A past day with
// released pool but no processed run is reported as missed.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/slicepay/internal/ledger"
)

// DefaultWindow is how many closed days each run inspects.
const DefaultWindow = 7

// Mismatch describes one failed check.
type Mismatch struct {
	Date   string `json:"date"`
	Check  string `json:"check"` // "conservation", "pool_drift"
	Detail string `json:"detail"`
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	CheckedDays int        `json:"checkedDays"`
	Mismatches  []Mismatch `json:"mismatches"`
	MissedDays  []string   `json:"missedDays"`
	RanAt       time.Time  `json:"ranAt"`
}

// Clean reports whether nothing was flagged.
func (r *Report) Clean() bool {
	return len(r.Mismatches) == 0 && len(r.MissedDays) == 0
}

// Runner performs the checks.
type Runner struct {
	store  ledger.Reader
	window int
	now    func() time.Time
}

// NewRunner creates a reconciliation runner. window <= 0 uses DefaultWindow.
func NewRunner(store ledger.Reader, window int) *Runner {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Runner{store: store, window: window, now: time.Now}
}

// RunAll checks the window of closed days before yesterday. Yesterday is
// left alone because its run may legitimately still be pending.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	now := r.now().UTC()
	today := ledger.Day(now)
	rep := &Report{RanAt: now, Mismatches: []Mismatch{}, MissedDays: []string{}}

	for i := r.window + 1; i >= 2; i-- {
		day := today.AddDate(0, 0, -i)
		if err := r.checkDay(ctx, day, rep); err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("reconcile %s: %w", day.Format(time.DateOnly), err)
		}
		rep.CheckedDays++
	}

	reconcileMismatches.Set(float64(len(rep.Mismatches)))
	reconcileMissedDays.Set(float64(len(rep.MissedDays)))
	return rep, nil
}

func (r *Runner) checkDay(ctx context.Context, day time.Time, rep *Report) error {
	date := day.Format(time.DateOnly)

	pool, err := r.store.SumReleasedCommunityPool(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		return err
	}

	run, err := r.store.GetPayoutRun(ctx, day)
	if errors.Is(err, ledger.ErrNotFound) || (err == nil && run.ProcessedAt == nil) {
		if pool > 0 {
			rep.MissedDays = append(rep.MissedDays, date)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if in, out := run.PoolAmount+run.CarriedIn, run.TotalDistributed+run.CarriedForward; in != out {
		rep.Mismatches = append(rep.Mismatches, Mismatch{
			Date: date, Check: "conservation",
			Detail: fmt.Sprintf("pool %d + carried in %d != distributed %d + carried forward %d",
				run.PoolAmount, run.CarriedIn, run.TotalDistributed, run.CarriedForward),
		})
	}
	if pool != run.PoolAmount {
		rep.Mismatches = append(rep.Mismatches, Mismatch{
			Date: date, Check: "pool_drift",
			Detail: fmt.Sprintf("run recorded pool %d, released payments now total %d", run.PoolAmount, pool),
		})
	}
	return nil
}
