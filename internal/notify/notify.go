// Package notify informs users about money movements. Delivery is
// fire-and-forget: a failed notification is logged and counted, and never
// affects the financial operation that triggered it.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/slicepay/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

// Kind names a notification template.
type Kind string

const (
	KindEscrowCreated     Kind = "escrow.created"
	KindEscrowReleased    Kind = "escrow.released"
	KindEscrowRefunded    Kind = "escrow.refunded"
	KindSliceCompleted    Kind = "slice.completed"
	KindRefundRequested   Kind = "refund.requested"
	KindDisputeOpened     Kind = "dispute.opened"
	KindDisputeConsensus  Kind = "dispute.consensus"
	KindDisputeResolved   Kind = "dispute.resolved"
	KindRewardCredited    Kind = "reward.credited"
	KindRewardReversed    Kind = "reward.reversed"
	KindPayoutDistributed Kind = "payout.distributed"
	KindWithdrawalUpdated Kind = "withdrawal.updated"
)

// Message is one notification for one user.
type Message struct {
	ID      string         `json:"id"`
	UserID  string         `json:"userId"`
	Kind    Kind           `json:"kind"`
	Payload map[string]any `json:"payload"`
	At      time.Time      `json:"at"`
}

// Notifier delivers a message over one channel.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slicepay",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by kind.",
	}, []string{"kind"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slicepay",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification delivery failures by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// Emitter sends notifications in the background. A nil *Emitter is a no-op.
type Emitter struct {
	n       Notifier
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewEmitter creates an emitter delivering through n.
func NewEmitter(n Notifier, logger *slog.Logger) *Emitter {
	return &Emitter{n: n, logger: logger, timeout: 30 * time.Second}
}

// Emit queues a notification and returns immediately.
func (e *Emitter) Emit(userID string, kind Kind, payload map[string]any) {
	if e == nil || e.n == nil || userID == "" {
		return
	}
	emitTotal.WithLabelValues(string(kind)).Inc()
	msg := Message{
		ID:      idgen.WithPrefix(idgen.PrefixEvent),
		UserID:  userID,
		Kind:    kind,
		Payload: payload,
		At:      time.Now().UTC(),
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				emitErrors.WithLabelValues(string(kind)).Inc()
				e.logger.Error("panic in notifier", "kind", kind, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		if err := e.n.Notify(ctx, msg); err != nil {
			emitErrors.WithLabelValues(string(kind)).Inc()
			e.logger.Warn("notification failed", "kind", kind, "user_id", userID, "error", err)
		}
	}()
}

// Wait blocks until queued notifications have been attempted. Used during
// shutdown and in tests.
func (e *Emitter) Wait() {
	if e != nil {
		e.wg.Wait()
	}
}

// Recorder is a Notifier that keeps messages in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Kinds returns the kinds recorded for userID, in arrival order.
func (r *Recorder) Kinds(userID string) []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Kind
	for _, m := range r.messages {
		if m.UserID == userID {
			out = append(out, m.Kind)
		}
	}
	return out
}
