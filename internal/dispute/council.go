package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/mbd888/slicepay/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// DefaultSourceTimeout bounds each advisory call.
const DefaultSourceTimeout = 20 * time.Second

// CaseContext is what an advisory source sees. Each source gets its own
// copy and never sees another source's verdict.
type CaseContext struct {
	SliceID      string                `json:"sliceId"`
	RefundReason string                `json:"refundReason"`
	SliceAmount  int64                 `json:"sliceAmount"`
	Currency     string                `json:"currency"`
	Evidence     []ledger.EvidenceItem `json:"evidence"`
	OpenedAt     time.Time             `json:"openedAt"`
	Attempt      int                   `json:"attempt"`
}

func (c CaseContext) clone() CaseContext {
	c.Evidence = append([]ledger.EvidenceItem(nil), c.Evidence...)
	return c
}

// Opinion is an advisory source's answer.
type Opinion struct {
	Decision   ledger.Decision `json:"decision"`
	Confidence int             `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
}

// Source is an external reasoning service consulted on disputes.
type Source interface {
	Name() string
	Evaluate(ctx context.Context, cc CaseContext) (Opinion, error)
}

// Council consults every source in parallel and derives a consensus.
type Council struct {
	sources []Source
	timeout time.Duration
	now     func() time.Time
}

// NewCouncil creates a council. timeout <= 0 uses DefaultSourceTimeout.
func NewCouncil(timeout time.Duration, sources ...Source) *Council {
	if timeout <= 0 {
		timeout = DefaultSourceTimeout
	}
	return &Council{sources: sources, timeout: timeout, now: time.Now}
}

// Sources returns the number of configured sources.
func (c *Council) Sources() int { return len(c.sources) }

// Evaluate asks every source once. Failed, timed-out and malformed answers
// become errored verdicts. The consensus is the shared decision when all
// answering sources agree and DecisionSplit otherwise. When nobody answers
// the verdicts are still returned, with a ConsensusIncompleteError. If ctx
// ends first nothing is returned but its error.
func (c *Council) Evaluate(ctx context.Context, cc CaseContext) ([]ledger.Verdict, ledger.Decision, error) {
	verdicts := make([]ledger.Verdict, len(c.sources))

	var g errgroup.Group
	for i, src := range c.sources {
		g.Go(func() error {
			verdicts[i] = c.ask(ctx, src, cc.clone())
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, "", err
	}

	for _, v := range verdicts {
		metrics.AdvisoryVerdictsTotal.WithLabelValues(v.Source, string(v.Decision)).Inc()
	}
	consensus, answered := Consensus(verdicts)
	if answered == 0 {
		return verdicts, "", &apperr.ConsensusIncompleteError{SliceID: cc.SliceID, Sources: len(c.sources), Errored: len(verdicts)}
	}
	return verdicts, consensus, nil
}

type answer struct {
	op  Opinion
	err error
}

// ask returns within the timeout even if src ignores its context; a late
// answer is dropped.
func (c *Council) ask(ctx context.Context, src Source, cc CaseContext) ledger.Verdict {
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- answer{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		op, err := src.Evaluate(sctx, cc)
		done <- answer{op: op, err: err}
	}()

	var a answer
	select {
	case a = <-done:
	case <-sctx.Done():
		a.err = sctx.Err()
	}

	v := ledger.Verdict{Source: src.Name(), Attempt: cc.Attempt, At: c.now().UTC()}
	op := a.op
	switch {
	case errors.Is(a.err, context.DeadlineExceeded):
		v.Decision, v.Error = ledger.DecisionErrored, "timeout"
	case a.err != nil:
		v.Decision, v.Error = ledger.DecisionErrored, a.err.Error()
	case op.Decision != ledger.DecisionRelease && op.Decision != ledger.DecisionRefund:
		v.Decision, v.Error = ledger.DecisionErrored, fmt.Sprintf("invalid decision %q", op.Decision)
	case op.Confidence < 0 || op.Confidence > 100:
		v.Decision, v.Error = ledger.DecisionErrored, fmt.Sprintf("confidence %d out of range", op.Confidence)
	default:
		v.Decision, v.Confidence, v.Reasoning = op.Decision, op.Confidence, op.Reasoning
	}
	return v
}

// Consensus returns the unanimous decision among non-errored verdicts, or
// DecisionSplit when they disagree, plus the number that answered.
func Consensus(verdicts []ledger.Verdict) (ledger.Decision, int) {
	var (
		decision ledger.Decision
		answered int
	)
	for _, v := range verdicts {
		if v.Decision == ledger.DecisionErrored {
			continue
		}
		answered++
		if decision == "" {
			decision = v.Decision
		} else if decision != v.Decision {
			decision = ledger.DecisionSplit
		}
	}
	return decision, answered
}
