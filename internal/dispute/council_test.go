package dispute

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	name   string
	op     Opinion
	err    error
	block  bool
	panics bool
	calls  atomic.Int32
	seen   []ledger.EvidenceItem
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Evaluate(ctx context.Context, cc CaseContext) (Opinion, error) {
	s.calls.Add(1)
	s.seen = cc.Evidence
	if s.panics {
		panic("model crashed")
	}
	if s.block {
		<-ctx.Done()
		return Opinion{}, ctx.Err()
	}
	return s.op, s.err
}

func release(name string) *stubSource {
	return &stubSource{name: name, op: Opinion{Decision: ledger.DecisionRelease, Confidence: 80, Reasoning: "delivered"}}
}

func refund(name string) *stubSource {
	return &stubSource{name: name, op: Opinion{Decision: ledger.DecisionRefund, Confidence: 70, Reasoning: "not delivered"}}
}

func TestCouncil_Unanimous(t *testing.T) {
	c := NewCouncil(time.Second, release("a"), release("b"))
	verdicts, consensus, err := c.Evaluate(context.Background(), CaseContext{SliceID: "slc_1", Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, ledger.DecisionRelease, consensus)
	require.Len(t, verdicts, 2)
	assert.Equal(t, "a", verdicts[0].Source)
	assert.Equal(t, 80, verdicts[0].Confidence)
	assert.Equal(t, 1, verdicts[1].Attempt)
	assert.False(t, verdicts[1].At.IsZero())
}

func TestCouncil_Split(t *testing.T) {
	c := NewCouncil(time.Second, release("a"), refund("b"))
	_, consensus, err := c.Evaluate(context.Background(), CaseContext{SliceID: "slc_1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.DecisionSplit, consensus)
}

func TestCouncil_ErroredSourcesDoNotVote(t *testing.T) {
	tests := []struct {
		name   string
		bad    *stubSource
		reason string
	}{
		{"error", &stubSource{name: "bad", err: errors.New("upstream 502")}, "upstream 502"},
		{"timeout", &stubSource{name: "bad", block: true}, "timeout"},
		{"panic", &stubSource{name: "bad", panics: true}, "panic: model crashed"},
		{"invalid decision", &stubSource{name: "bad", op: Opinion{Decision: "maybe", Confidence: 50}}, `invalid decision "maybe"`},
		{"confidence", &stubSource{name: "bad", op: Opinion{Decision: ledger.DecisionRefund, Confidence: 101}}, "confidence 101 out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCouncil(20*time.Millisecond, release("good"), tt.bad)
			verdicts, consensus, err := c.Evaluate(context.Background(), CaseContext{SliceID: "slc_1"})
			require.NoError(t, err)
			assert.Equal(t, ledger.DecisionRelease, consensus)
			require.Len(t, verdicts, 2)
			assert.Equal(t, ledger.DecisionErrored, verdicts[1].Decision)
			assert.Equal(t, tt.reason, verdicts[1].Error)
			assert.Zero(t, verdicts[1].Confidence)
		})
	}
}

// stuckSource never looks at its context.
type stuckSource struct {
	unblock chan struct{}
}

func (s *stuckSource) Name() string { return "stuck" }

func (s *stuckSource) Evaluate(context.Context, CaseContext) (Opinion, error) {
	<-s.unblock
	return Opinion{Decision: ledger.DecisionRefund, Confidence: 90}, nil
}

func TestCouncil_SourceIgnoringContextTimesOut(t *testing.T) {
	stuck := &stuckSource{unblock: make(chan struct{})}
	defer close(stuck.unblock)
	c := NewCouncil(20*time.Millisecond, release("good"), stuck)

	start := time.Now()
	verdicts, consensus, err := c.Evaluate(context.Background(), CaseContext{SliceID: "slc_1"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, ledger.DecisionRelease, consensus)
	require.Len(t, verdicts, 2)
	assert.Equal(t, ledger.DecisionErrored, verdicts[1].Decision)
	assert.Equal(t, "timeout", verdicts[1].Error)
}

func TestCouncil_CanceledContextAbortsEvaluation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewCouncil(time.Second, release("a"), &stubSource{name: "b", block: true})

	verdicts, consensus, err := c.Evaluate(ctx, CaseContext{SliceID: "slc_1"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, verdicts)
	assert.Empty(t, consensus)
}

func TestCouncil_NobodyAnswers(t *testing.T) {
	a := &stubSource{name: "a", err: errors.New("down")}
	b := &stubSource{name: "b", block: true}
	c := NewCouncil(20*time.Millisecond, a, b)

	verdicts, consensus, err := c.Evaluate(context.Background(), CaseContext{SliceID: "slc_1"})
	var incomplete *apperr.ConsensusIncompleteError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, "slc_1", incomplete.SliceID)
	assert.Equal(t, 2, incomplete.Errored)
	assert.Empty(t, consensus)
	assert.Len(t, verdicts, 2)
}

func TestCouncil_SourcesGetIndependentCopies(t *testing.T) {
	a, b := release("a"), release("b")
	evidence := []ledger.EvidenceItem{{AuthorID: "p", Party: ledger.PartyProvider, Content: "receipt"}}
	c := NewCouncil(time.Second, a, b)
	_, _, err := c.Evaluate(context.Background(), CaseContext{SliceID: "slc_1", Evidence: evidence})
	require.NoError(t, err)

	require.Len(t, a.seen, 1)
	a.seen[0].Content = "tampered"
	assert.Equal(t, "receipt", b.seen[0].Content)
	assert.Equal(t, "receipt", evidence[0].Content)
}

func TestConsensus(t *testing.T) {
	v := func(d ledger.Decision) ledger.Verdict { return ledger.Verdict{Decision: d} }

	d, n := Consensus(nil)
	assert.Empty(t, d)
	assert.Zero(t, n)

	d, n = Consensus([]ledger.Verdict{v(ledger.DecisionRefund), v(ledger.DecisionErrored), v(ledger.DecisionRefund)})
	assert.Equal(t, ledger.DecisionRefund, d)
	assert.Equal(t, 2, n)

	d, _ = Consensus([]ledger.Verdict{v(ledger.DecisionRefund), v(ledger.DecisionRelease), v(ledger.DecisionRefund)})
	assert.Equal(t, ledger.DecisionSplit, d)
}
