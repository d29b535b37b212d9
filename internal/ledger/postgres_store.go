package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/slicepay/internal/pagination"
	"github.com/mbd888/slicepay/internal/retry"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// PostgresStore implements Store with PostgreSQL. Schema lives in migrations/.
type PostgresStore struct {
	pgQueries
	db      *sql.DB
	txRetry retry.Policy
}

// NewPostgresStore creates a new PostgreSQL-backed ledger.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		pgQueries: pgQueries{q: db},
		db:        db,
		txRetry:   retry.Policy{Attempts: 3, BaseDelay: 25 * time.Millisecond, MaxDelay: 200 * time.Millisecond},
	}
}

// InTx runs fn in a SERIALIZABLE transaction, retrying serialization
// failures. fn must not call external systems: it may run more than once.
func (p *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return retry.Do(ctx, p.txRetry, func(int) error {
		err := p.runTx(ctx, fn)
		if err != nil && !isSerializationFailure(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{pgQueries{q: tx}}); err != nil {
		return err
	}
	return tx.Commit()
}

type pgTx struct {
	pgQueries
}

// pgQueries holds every query so the same code serves reads on the pool
// and reads/writes inside a transaction.
type pgQueries struct {
	q querier
}

// --- slices ---

const sliceColumns = `id, request_id, client_id, provider_id, status, refund_status,
	refund_reason, dispute_evidence, created_at, updated_at`

func (p pgQueries) GetSlice(ctx context.Context, id string) (*Slice, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+sliceColumns+` FROM slices WHERE id = $1`, id)
	return scanSlice(row)
}

func (p pgQueries) CreateSlice(ctx context.Context, s *Slice) error {
	evidence, err := marshalJSON(s.DisputeEvidence)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO slices (`+sliceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.RequestID, s.ClientID, s.AssignedProviderID, string(s.Status), string(s.RefundStatus),
		nullString(s.RefundReason), evidence, s.CreatedAt, s.UpdatedAt,
	)
	return mapErr(err)
}

func (p pgQueries) UpdateSlice(ctx context.Context, s *Slice, expected SliceStatus) error {
	evidence, err := marshalJSON(s.DisputeEvidence)
	if err != nil {
		return err
	}
	result, err := p.q.ExecContext(ctx, `
		UPDATE slices SET
			status = $2, refund_status = $3, refund_reason = $4,
			dispute_evidence = $5, updated_at = $6
		WHERE id = $1 AND status = $7`,
		s.ID, string(s.Status), string(s.RefundStatus), nullString(s.RefundReason),
		evidence, s.UpdatedAt, string(expected),
	)
	if err != nil {
		return mapErr(err)
	}
	return p.checkAffected(ctx, result, `SELECT 1 FROM slices WHERE id = $1`, s.ID)
}

func scanSlice(row scanner) (*Slice, error) {
	var (
		s        Slice
		status   string
		refund   string
		reason   sql.NullString
		evidence []byte
	)
	err := row.Scan(&s.ID, &s.RequestID, &s.ClientID, &s.AssignedProviderID, &status, &refund,
		&reason, &evidence, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Status = SliceStatus(status)
	s.RefundStatus = RefundStatus(refund)
	s.RefundReason = reason.String
	if err := unmarshalJSON(evidence, &s.DisputeEvidence); err != nil {
		return nil, err
	}
	return &s, nil
}

// --- escrow payments ---

const paymentColumns = `id, client_id, provider_id, slice_id, slice_amount, platform_fee,
	community_reward_pool, comment_reward_pool, total_amount, currency, payment_method,
	external_payment_ref, status, resolved_by, created_at, released_at, refunded_at`

func (p pgQueries) GetPaymentBySlice(ctx context.Context, sliceID string) (*EscrowPayment, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM escrow_payments WHERE slice_id = $1`, sliceID)
	return scanPayment(row)
}

func (p pgQueries) CreatePayment(ctx context.Context, e *EscrowPayment) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO escrow_payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.ID, e.ClientID, e.ProviderID, e.SliceID, e.SliceAmount, e.PlatformFee,
		e.CommunityRewardPool, e.CommentRewardPool, e.TotalAmount, e.Currency, string(e.PaymentMethod),
		e.ExternalPaymentRef, string(e.Status), nullString(e.ResolvedBy), e.CreatedAt,
		nullTime(e.ReleasedAt), nullTime(e.RefundedAt),
	)
	return mapErr(err)
}

func (p pgQueries) TransitionPayment(ctx context.Context, t PaymentTransition) error {
	var releasedAt, refundedAt any
	switch t.To {
	case PaymentReleased:
		releasedAt = t.At
	case PaymentRefunded:
		refundedAt = t.At
	}
	result, err := p.q.ExecContext(ctx, `
		UPDATE escrow_payments SET
			status = $3, resolved_by = $4, comment_reward_pool = $5,
			released_at = COALESCE($6, released_at),
			refunded_at = COALESCE($7, refunded_at)
		WHERE id = $1 AND status = $2`,
		t.PaymentID, string(t.From), string(t.To), nullString(t.ResolvedBy), t.CommentRewardPool,
		releasedAt, refundedAt,
	)
	if err != nil {
		return mapErr(err)
	}
	return p.checkAffected(ctx, result, `SELECT 1 FROM escrow_payments WHERE id = $1`, t.PaymentID)
}

func (p pgQueries) SumReleasedCommunityPool(ctx context.Context, from, to time.Time) (int64, error) {
	var total int64
	err := p.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(community_reward_pool), 0)
		FROM escrow_payments
		WHERE status = 'released' AND released_at >= $1 AND released_at < $2`,
		from, to,
	).Scan(&total)
	return total, err
}

func scanPayment(row scanner) (*EscrowPayment, error) {
	var (
		e          EscrowPayment
		method     string
		status     string
		resolvedBy sql.NullString
		releasedAt sql.NullTime
		refundedAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.ClientID, &e.ProviderID, &e.SliceID, &e.SliceAmount, &e.PlatformFee,
		&e.CommunityRewardPool, &e.CommentRewardPool, &e.TotalAmount, &e.Currency, &method,
		&e.ExternalPaymentRef, &status, &resolvedBy, &e.CreatedAt, &releasedAt, &refundedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.PaymentMethod = PaymentMethod(method)
	e.Status = PaymentStatus(status)
	e.ResolvedBy = resolvedBy.String
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(refundedAt)
	return &e, nil
}

// --- disputes ---

const disputeColumns = `slice_id, payment_id, client_id, provider_id, status, refund_reason,
	evidence, verdicts, consensus, attempts, opened_at, deliberating_since,
	final_decision, final_decision_by, final_decision_at, final_note, updated_at`

func (p pgQueries) GetDispute(ctx context.Context, sliceID string) (*DisputeCase, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM dispute_cases WHERE slice_id = $1`, sliceID)
	return scanDispute(row)
}

func (p pgQueries) ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*DisputeCase, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM dispute_cases
		WHERE status = $1
		ORDER BY opened_at, slice_id
		LIMIT $2`, string(status), limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*DisputeCase
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p pgQueries) CreateDispute(ctx context.Context, d *DisputeCase) error {
	evidence, verdicts, err := disputeJSON(d)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO dispute_cases (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		d.SliceID, d.PaymentID, d.ClientID, d.ProviderID, string(d.Status), nullString(d.RefundReason),
		evidence, verdicts, nullString(string(d.Consensus)), d.Attempts, d.OpenedAt, nullTime(d.DeliberatingSince),
		nullString(string(d.FinalDecision)), nullString(d.FinalDecisionBy), nullTime(d.FinalDecisionAt),
		nullString(d.FinalNote), d.UpdatedAt,
	)
	return mapErr(err)
}

func (p pgQueries) UpdateDispute(ctx context.Context, d *DisputeCase, expected DisputeStatus) error {
	evidence, verdicts, err := disputeJSON(d)
	if err != nil {
		return err
	}
	result, err := p.q.ExecContext(ctx, `
		UPDATE dispute_cases SET
			status = $2, evidence = $3, verdicts = $4, consensus = $5, attempts = $6,
			deliberating_since = $7, final_decision = $8, final_decision_by = $9,
			final_decision_at = $10, final_note = $11, updated_at = $12
		WHERE slice_id = $1 AND status = $13 AND final_decision IS NULL`,
		d.SliceID, string(d.Status), evidence, verdicts, nullString(string(d.Consensus)), d.Attempts,
		nullTime(d.DeliberatingSince), nullString(string(d.FinalDecision)), nullString(d.FinalDecisionBy),
		nullTime(d.FinalDecisionAt), nullString(d.FinalNote), d.UpdatedAt, string(expected),
	)
	if err != nil {
		return mapErr(err)
	}
	return p.checkAffected(ctx, result, `SELECT 1 FROM dispute_cases WHERE slice_id = $1`, d.SliceID)
}

func disputeJSON(d *DisputeCase) (evidence, verdicts []byte, err error) {
	if evidence, err = marshalJSON(d.EvidenceItems); err != nil {
		return nil, nil, err
	}
	if verdicts, err = marshalJSON(d.AdvisoryVerdicts); err != nil {
		return nil, nil, err
	}
	return evidence, verdicts, nil
}

func scanDispute(row scanner) (*DisputeCase, error) {
	var (
		d                 DisputeCase
		status            string
		reason            sql.NullString
		evidence          []byte
		verdicts          []byte
		consensus         sql.NullString
		deliberatingSince sql.NullTime
		finalDecision     sql.NullString
		finalBy           sql.NullString
		finalAt           sql.NullTime
		finalNote         sql.NullString
	)
	err := row.Scan(&d.SliceID, &d.PaymentID, &d.ClientID, &d.ProviderID, &status, &reason,
		&evidence, &verdicts, &consensus, &d.Attempts, &d.OpenedAt, &deliberatingSince,
		&finalDecision, &finalBy, &finalAt, &finalNote, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = DisputeStatus(status)
	d.RefundReason = reason.String
	d.Consensus = Decision(consensus.String)
	d.DeliberatingSince = timePtr(deliberatingSince)
	d.FinalDecision = Decision(finalDecision.String)
	d.FinalDecisionBy = finalBy.String
	d.FinalDecisionAt = timePtr(finalAt)
	d.FinalNote = finalNote.String
	if err := unmarshalJSON(evidence, &d.EvidenceItems); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(verdicts, &d.AdvisoryVerdicts); err != nil {
		return nil, err
	}
	return &d, nil
}

// --- wallets ---

func (p pgQueries) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{UserID: userID}
	err := p.q.QueryRowContext(ctx, `
		SELECT balance, total_earned, total_withdrawn, pending_withdrawals, updated_at
		FROM user_wallets WHERE user_id = $1`, userID,
	).Scan(&w.Balance, &w.TotalEarned, &w.TotalWithdrawn, &w.PendingWithdrawals, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Wallet{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p pgQueries) ApplyWalletEntry(ctx context.Context, e *WalletEntry) (*Wallet, error) {
	db, de, dw, dp := e.Kind.Deltas(e.Amount)

	// CHECK constraints on user_wallets reject negative balance or pending.
	w := &Wallet{UserID: e.UserID}
	err := p.q.QueryRowContext(ctx, `
		INSERT INTO user_wallets (user_id, balance, total_earned, total_withdrawn, pending_withdrawals, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			balance             = user_wallets.balance + EXCLUDED.balance,
			total_earned        = user_wallets.total_earned + EXCLUDED.total_earned,
			total_withdrawn     = user_wallets.total_withdrawn + EXCLUDED.total_withdrawn,
			pending_withdrawals = user_wallets.pending_withdrawals + EXCLUDED.pending_withdrawals,
			updated_at          = EXCLUDED.updated_at
		RETURNING balance, total_earned, total_withdrawn, pending_withdrawals, updated_at`,
		e.UserID, db, de, dw, dp, e.CreatedAt,
	).Scan(&w.Balance, &w.TotalEarned, &w.TotalWithdrawn, &w.PendingWithdrawals, &w.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}

	_, err = p.q.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, user_id, kind, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.UserID, string(e.Kind), e.Amount, e.Reference, e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record wallet entry: %w", mapErr(err))
	}
	return w, nil
}

func (p pgQueries) ListEntries(ctx context.Context, userID string, limit int) ([]*WalletEntry, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, user_id, kind, amount, reference, created_at
		FROM wallet_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (p pgQueries) ListEntriesBefore(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*WalletEntry, error) {
	if before == nil {
		return p.ListEntries(ctx, userID, limit)
	}
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, user_id, kind, amount, reference, created_at
		FROM wallet_entries
		WHERE user_id = $1 AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, userID, before.CreatedAt, before.ID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*WalletEntry, error) {
	defer func() { _ = rows.Close() }()

	var out []*WalletEntry
	for rows.Next() {
		var (
			e    WalletEntry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = EntryKind(kind)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- rewards ---

const rewardColumns = `id, user_id, slice_id, comment_id, payout_date, amount, reason,
	paid_at, payment_method, reverses_id`

func (p pgQueries) InsertReward(ctx context.Context, r *CommunityReward) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO community_rewards (`+rewardColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.UserID, nullString(r.SliceID), nullString(r.CommentID), nullTime(r.PayoutDate),
		r.Amount, string(r.Reason), r.PaidAt, r.PaymentMethod, nullString(r.ReversesID),
	)
	return mapErr(err)
}

func (p pgQueries) GetReward(ctx context.Context, id string) (*CommunityReward, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM community_rewards WHERE id = $1`, id)
	return scanReward(row)
}

func (p pgQueries) ListRewardsByUser(ctx context.Context, userID string, limit int) ([]*CommunityReward, error) {
	return p.queryRewards(ctx, `
		SELECT `+rewardColumns+` FROM community_rewards
		WHERE user_id = $1
		ORDER BY paid_at DESC, id DESC
		LIMIT $2`, userID, limitOrAll(limit))
}

func (p pgQueries) ListRewardsBySlice(ctx context.Context, sliceID string) ([]*CommunityReward, error) {
	return p.queryRewards(ctx, `
		SELECT `+rewardColumns+` FROM community_rewards
		WHERE slice_id = $1
		ORDER BY paid_at, id`, sliceID)
}

func (p pgQueries) queryRewards(ctx context.Context, query string, args ...any) ([]*CommunityReward, error) {
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*CommunityReward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReward(row scanner) (*CommunityReward, error) {
	var (
		r          CommunityReward
		sliceID    sql.NullString
		commentID  sql.NullString
		payoutDate sql.NullTime
		reason     string
		reverses   sql.NullString
	)
	err := row.Scan(&r.ID, &r.UserID, &sliceID, &commentID, &payoutDate, &r.Amount, &reason,
		&r.PaidAt, &r.PaymentMethod, &reverses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.SliceID = sliceID.String
	r.CommentID = commentID.String
	r.PayoutDate = timePtr(payoutDate)
	r.Reason = RewardReason(reason)
	r.ReversesID = reverses.String
	return &r, nil
}

// --- withdrawals ---

func (p pgQueries) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO withdrawals (id, user_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		w.ID, w.UserID, w.Amount, string(w.Status), w.CreatedAt,
	)
	return mapErr(err)
}

func (p pgQueries) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	var (
		w         Withdrawal
		status    string
		settledAt sql.NullTime
		settledBy sql.NullString
	)
	err := p.q.QueryRowContext(ctx, `
		SELECT id, user_id, amount, status, created_at, settled_at, settled_by
		FROM withdrawals WHERE id = $1`, id,
	).Scan(&w.ID, &w.UserID, &w.Amount, &status, &w.CreatedAt, &settledAt, &settledBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Status = WithdrawalStatus(status)
	w.SettledAt = timePtr(settledAt)
	w.SettledBy = settledBy.String
	return &w, nil
}

func (p pgQueries) TransitionWithdrawal(ctx context.Context, id string, from, to WithdrawalStatus, by string, at time.Time) error {
	result, err := p.q.ExecContext(ctx, `
		UPDATE withdrawals SET status = $3, settled_at = $4, settled_by = $5
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at, by,
	)
	if err != nil {
		return mapErr(err)
	}
	return p.checkAffected(ctx, result, `SELECT 1 FROM withdrawals WHERE id = $1`, id)
}

// --- payout runs ---

const runColumns = `payout_date, pool_amount, carried_in, carried_forward, total_distributed,
	recipient_count, distributed, trigger, carry_consumed_by, processed_at, created_at`

func (p pgQueries) GetPayoutRun(ctx context.Context, date time.Time) (*PayoutRun, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM daily_payout_runs WHERE payout_date = $1`, Day(date))
	return scanRun(row)
}

func (p pgQueries) LockPayoutRun(ctx context.Context, date time.Time) (*PayoutRun, error) {
	day := Day(date)
	if _, err := p.q.ExecContext(ctx, `
		INSERT INTO daily_payout_runs (payout_date, created_at)
		VALUES ($1, NOW())
		ON CONFLICT (payout_date) DO NOTHING`, day); err != nil {
		return nil, mapErr(err)
	}
	row := p.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM daily_payout_runs WHERE payout_date = $1 FOR UPDATE`, day)
	return scanRun(row)
}

func (p pgQueries) SavePayoutRun(ctx context.Context, r *PayoutRun) error {
	result, err := p.q.ExecContext(ctx, `
		UPDATE daily_payout_runs SET
			pool_amount = $2, carried_in = $3, carried_forward = $4, total_distributed = $5,
			recipient_count = $6, distributed = $7, trigger = $8, carry_consumed_by = $9, processed_at = $10
		WHERE payout_date = $1`,
		Day(r.Date), r.PoolAmount, r.CarriedIn, r.CarriedForward, r.TotalDistributed,
		r.RecipientCount, r.Distributed, nullString(r.Trigger), nullTime(r.CarryConsumedBy), nullTime(r.ProcessedAt),
	)
	if err != nil {
		return mapErr(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p pgQueries) UnconsumedCarry(ctx context.Context, before time.Time) ([]*PayoutRun, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM daily_payout_runs
		WHERE carried_forward > 0 AND carry_consumed_by IS NULL AND payout_date < $1
		ORDER BY payout_date
		FOR UPDATE`, Day(before))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*PayoutRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p pgQueries) MarkCarryConsumed(ctx context.Context, dates []time.Time, by time.Time) error {
	for _, d := range dates {
		result, err := p.q.ExecContext(ctx, `
			UPDATE daily_payout_runs SET carry_consumed_by = $2
			WHERE payout_date = $1 AND carry_consumed_by IS NULL`, Day(d), Day(by))
		if err != nil {
			return mapErr(err)
		}
		if err := p.checkAffected(ctx, result, `SELECT 1 FROM daily_payout_runs WHERE payout_date = $1`, Day(d)); err != nil {
			return err
		}
	}
	return nil
}

func scanRun(row scanner) (*PayoutRun, error) {
	var (
		r          PayoutRun
		trigger    sql.NullString
		consumedBy sql.NullTime
		processed  sql.NullTime
	)
	err := row.Scan(&r.Date, &r.PoolAmount, &r.CarriedIn, &r.CarriedForward, &r.TotalDistributed,
		&r.RecipientCount, &r.Distributed, &trigger, &consumedBy, &processed, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Date = Day(r.Date)
	r.Trigger = trigger.String
	r.CarryConsumedBy = timePtr(consumedBy)
	r.ProcessedAt = timePtr(processed)
	return &r, nil
}

// --- comments ---

const commentColumns = `id, request_id, author_id, hearts, helpful, helpful_marked_at, savings_score, created_at`

func (p pgQueries) GetComment(ctx context.Context, id string) (*Comment, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = $1`, id)
	return scanComment(row)
}

func (p pgQueries) UpsertComment(ctx context.Context, c *Comment) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO comments (`+commentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			hearts            = EXCLUDED.hearts,
			helpful           = EXCLUDED.helpful,
			helpful_marked_at = EXCLUDED.helpful_marked_at,
			savings_score     = EXCLUDED.savings_score`,
		c.ID, c.RequestID, c.AuthorID, c.Hearts, c.Helpful, nullTime(c.HelpfulMarkedAt), c.SavingsScore, c.CreatedAt,
	)
	return mapErr(err)
}

func (p pgQueries) HelpfulCommentsForRequest(ctx context.Context, requestID string) ([]*Comment, error) {
	return p.queryComments(ctx, `
		SELECT `+commentColumns+` FROM comments
		WHERE request_id = $1 AND helpful
		ORDER BY id`, requestID)
}

func (p pgQueries) HelpfulCommentsBetween(ctx context.Context, from, to time.Time) ([]*Comment, error) {
	return p.queryComments(ctx, `
		SELECT `+commentColumns+` FROM comments
		WHERE helpful AND helpful_marked_at >= $1 AND helpful_marked_at < $2
		ORDER BY id`, from, to)
}

func (p pgQueries) queryComments(ctx context.Context, query string, args ...any) ([]*Comment, error) {
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanComment(row scanner) (*Comment, error) {
	var (
		c        Comment
		markedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.RequestID, &c.AuthorID, &c.Hearts, &c.Helpful, &markedAt, &c.SavingsScore, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.HelpfulMarkedAt = timePtr(markedAt)
	return &c, nil
}

// --- helpers ---

// checkAffected turns a zero-row conditional update into ErrStaleState when
// the row exists and ErrNotFound when it does not.
func (p pgQueries) checkAffected(ctx context.Context, result sql.Result, existsQuery string, id any) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = p.q.QueryRowContext(ctx, existsQuery, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStaleState
}

const (
	pqUniqueViolation      = "23505"
	pqCheckViolation       = "23514"
	pqSerializationFailure = "40001"
)

func mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
		case pqCheckViolation:
			if strings.HasPrefix(pqErr.Constraint, "user_wallets_") {
				return fmt.Errorf("%w: %s", ErrInsufficientBalance, pqErr.Constraint)
			}
		}
	}
	return err
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqSerializationFailure
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil // LIMIT NULL is LIMIT ALL
	}
	return limit
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte("[]"), nil
	}
	return b, nil
}

func unmarshalJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}
