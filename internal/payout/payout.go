// Package payout distributes the daily community reward pool.
//
// Each released escrow sets aside a community pool from the platform fee.
// Once per UTC day the pool released on that day, plus any pool carried
// forward from earlier days nobody qualified for, is split among the top
// helpful commenters by savings score.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/mbd888/slicepay/internal/logging"
	"github.com/mbd888/slicepay/internal/metrics"
	"github.com/mbd888/slicepay/internal/notify"
	"github.com/mbd888/slicepay/internal/rewards"
	"github.com/mbd888/slicepay/internal/traces"
)

// Trigger names who started a run.
const (
	TriggerScheduler = "scheduler"
	TriggerCatchUp   = "catch_up"
	TriggerAdmin     = "admin"
	TriggerCLI       = "cli"
)

// Result summarizes one daily run.
type Result struct {
	Date             string                    `json:"date"`
	Pool             int64                     `json:"pool"`
	CarriedIn        int64                     `json:"carriedIn"`
	Distributed      bool                      `json:"distributed"`
	TotalDistributed int64                     `json:"totalDistributed"`
	RecipientCount   int                       `json:"recipientCount"`
	CarriedForward   int64                     `json:"carriedForward"`
	Replayed         bool                      `json:"replayed"`
	Rewards          []*ledger.CommunityReward `json:"rewards,omitempty"`
}

// Service runs daily payouts.
type Service struct {
	store    ledger.Store
	engine   *rewards.Engine
	notifier *notify.Emitter
	now      func() time.Time
}

// NewService creates a payout service.
func NewService(store ledger.Store, engine *rewards.Engine) *Service {
	return &Service{store: store, engine: engine, now: time.Now}
}

// WithNotifier sets the emitter used to tell recipients about their reward.
func (s *Service) WithNotifier(e *notify.Emitter) *Service {
	s.notifier = e
	return s
}

// Yesterday returns the UTC day before now.
func (s *Service) Yesterday() time.Time {
	return ledger.Day(s.now()).AddDate(0, 0, -1)
}

// RunDailyPayout distributes the pool for date (nil means yesterday UTC).
// The whole run is one transaction holding the run row, so concurrent or
// repeated triggers for the same day pay out at most once; later callers
// get the stored outcome with Replayed set.
func (s *Service) RunDailyPayout(ctx context.Context, date *time.Time, trigger string) (res *Result, err error) {
	day := s.Yesterday()
	if date != nil {
		day = ledger.Day(*date)
	}
	if !day.Before(ledger.Day(s.now())) {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "payout date %s has not ended yet", day.Format(time.DateOnly))
	}

	ctx, span := traces.StartSpan(ctx, "payout.daily", traces.PayoutDate(day.Format(time.DateOnly)))
	defer func() {
		traces.End(span, err)
		switch {
		case err != nil:
			metrics.PayoutRunsTotal.WithLabelValues("error").Inc()
		case res.Replayed:
			metrics.PayoutRunsTotal.WithLabelValues("replayed").Inc()
		default:
			metrics.PayoutRunsTotal.WithLabelValues("processed").Inc()
			metrics.PayoutLastSuccess.SetToCurrentTime()
		}
	}()

	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		run, err := tx.LockPayoutRun(ctx, day)
		if err != nil {
			return fmt.Errorf("failed to lock payout run: %w", err)
		}
		if run.ProcessedAt != nil {
			res = resultOf(run)
			res.Replayed = true
			return nil
		}

		next := day.AddDate(0, 0, 1)
		pool, err := tx.SumReleasedCommunityPool(ctx, day, next)
		if err != nil {
			return fmt.Errorf("failed to sum community pool: %w", err)
		}
		carried, err := tx.UnconsumedCarry(ctx, day)
		if err != nil {
			return fmt.Errorf("failed to load carried pool: %w", err)
		}
		var (
			carriedIn int64
			dates     []time.Time
		)
		for _, c := range carried {
			carriedIn += c.CarriedForward
			dates = append(dates, c.Date)
		}

		comments, err := tx.HelpfulCommentsBetween(ctx, day, next)
		if err != nil {
			return fmt.Errorf("failed to load helpful comments: %w", err)
		}
		alloc, err := rewards.Apportion(pool+carriedIn, rewards.DailyContributions(comments, s.engine.TopN()))
		if err != nil {
			return err
		}

		now := s.now().UTC()
		paid, err := s.engine.Persist(ctx, tx, alloc, rewards.Grant{
			PayoutDate: &day, Reason: ledger.RewardDailySavings, At: now,
		})
		if err != nil {
			return err
		}
		if len(dates) > 0 {
			if err := tx.MarkCarryConsumed(ctx, dates, day); err != nil {
				return fmt.Errorf("failed to consume carried pool: %w", err)
			}
		}

		run.PoolAmount = pool
		run.CarriedIn = carriedIn
		run.TotalDistributed = alloc.Total()
		run.RecipientCount = len(paid)
		run.CarriedForward = alloc.CarriedForward
		run.Distributed = len(paid) > 0
		run.Trigger = trigger
		run.ProcessedAt = &now
		if run.TotalDistributed+run.CarriedForward != pool+carriedIn {
			return &apperr.RoundingInvariantViolation{
				Context:  "daily payout " + day.Format(time.DateOnly),
				Expected: pool + carriedIn,
				Actual:   run.TotalDistributed + run.CarriedForward,
			}
		}
		if err := tx.SavePayoutRun(ctx, run); err != nil {
			return fmt.Errorf("failed to save payout run: %w", err)
		}

		res = resultOf(run)
		res.Rewards = paid
		return nil
	})
	if err != nil {
		logging.L(ctx).Error("daily payout failed", "date", day.Format(time.DateOnly), "trigger", trigger, "error", err)
		return nil, err
	}

	if res.Replayed {
		logging.L(ctx).Info("daily payout already processed", "date", res.Date, "trigger", trigger)
		return res, nil
	}

	rewards.Observe(res.Rewards)
	for _, r := range res.Rewards {
		s.notifier.Emit(r.UserID, notify.KindPayoutDistributed, map[string]any{
			"rewardId": r.ID, "amount": r.Amount, "payoutDate": res.Date,
		})
	}
	logging.L(ctx).Info("daily payout processed",
		"date", res.Date, "trigger", trigger,
		"pool", res.Pool, "carried_in", res.CarriedIn,
		"distributed", res.TotalDistributed, "recipients", res.RecipientCount,
		"carried_forward", res.CarriedForward)
	return res, nil
}

// Get returns the stored run for date.
func (s *Service) Get(ctx context.Context, date time.Time) (*ledger.PayoutRun, error) {
	run, err := s.store.GetPayoutRun(ctx, ledger.Day(date))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, apperr.NotFound("no payout run for %s", date.Format(time.DateOnly))
		}
		return nil, err
	}
	return run, nil
}

func resultOf(run *ledger.PayoutRun) *Result {
	return &Result{
		Date:             run.Date.Format(time.DateOnly),
		Pool:             run.PoolAmount,
		CarriedIn:        run.CarriedIn,
		Distributed:      run.Distributed,
		TotalDistributed: run.TotalDistributed,
		RecipientCount:   run.RecipientCount,
		CarriedForward:   run.CarriedForward,
	}
}
