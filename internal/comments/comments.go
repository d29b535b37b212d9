// Package comments ingests the comment read model the reward engine weighs:
// comments on service requests, helpful marks with a savings score, and
// hearts.
package comments

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/idgen"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/mbd888/slicepay/internal/logging"
)

// RecordRequest is a new comment.
type RecordRequest struct {
	RequestID string `json:"requestId"`
	AuthorID  string `json:"-"`
}

// Service implements comment ingestion.
type Service struct {
	store ledger.Store
	now   func() time.Time
}

// NewService creates a comment service.
func NewService(store ledger.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Get returns a comment.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Comment, error) {
	c, err := s.store.GetComment(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, apperr.NotFound("comment %s not found", id)
	}
	return c, err
}

// Record stores a new comment by its author.
func (s *Service) Record(ctx context.Context, req RecordRequest) (*ledger.Comment, error) {
	if req.RequestID == "" || req.AuthorID == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "requestId and author are required")
	}
	c := &ledger.Comment{
		ID:        idgen.WithPrefix(idgen.PrefixComment),
		RequestID: req.RequestID,
		AuthorID:  req.AuthorID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		return tx.UpsertComment(ctx, c)
	}); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("comment recorded", "comment_id", c.ID, "request_id", c.RequestID)
	return c, nil
}

// MarkHelpful flags a comment as helpful and records how much it saved the
// requester. The first mark fixes HelpfulMarkedAt, which decides the daily
// payout window; later marks only update the score.
func (s *Service) MarkHelpful(ctx context.Context, id string, savingsScore int64) (*ledger.Comment, error) {
	if savingsScore < 0 {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "savingsScore must be non-negative")
	}
	return s.update(ctx, id, func(c *ledger.Comment) error {
		if !c.Helpful {
			at := s.now().UTC()
			c.Helpful = true
			c.HelpfulMarkedAt = &at
		}
		c.SavingsScore = savingsScore
		return nil
	})
}

// Heart adds one heart from actorID. Authors cannot heart their own comment.
func (s *Service) Heart(ctx context.Context, id, actorID string) (*ledger.Comment, error) {
	return s.update(ctx, id, func(c *ledger.Comment) error {
		if c.AuthorID == actorID {
			return apperr.Forbidden("authors cannot heart their own comment")
		}
		c.Hearts++
		return nil
	})
}

func (s *Service) update(ctx context.Context, id string, fn func(c *ledger.Comment) error) (*ledger.Comment, error) {
	var out *ledger.Comment
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		c, err := tx.GetComment(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			return apperr.NotFound("comment %s not found", id)
		}
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		if err := tx.UpsertComment(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}
