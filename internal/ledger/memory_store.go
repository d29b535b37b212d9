package ledger

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/slicepay/internal/pagination"
)

// MemoryStore is an in-memory ledger for development mode and tests.
//
// Transactions are serialized and run against a private copy of the state
// which replaces the committed state only when fn returns nil. Committed
// states are never mutated, so readers can use them without holding a lock.
type MemoryStore struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// InTx runs fn against a copy of the ledger and commits it if fn succeeds.
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := m.view().clone()
	if err := fn(work); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = work
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) view() *memState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *MemoryStore) GetSlice(ctx context.Context, id string) (*Slice, error) {
	return m.view().GetSlice(ctx, id)
}

func (m *MemoryStore) GetPaymentBySlice(ctx context.Context, sliceID string) (*EscrowPayment, error) {
	return m.view().GetPaymentBySlice(ctx, sliceID)
}

func (m *MemoryStore) GetDispute(ctx context.Context, sliceID string) (*DisputeCase, error) {
	return m.view().GetDispute(ctx, sliceID)
}

func (m *MemoryStore) ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*DisputeCase, error) {
	return m.view().ListDisputes(ctx, status, limit)
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	return m.view().GetWallet(ctx, userID)
}

func (m *MemoryStore) ListEntries(ctx context.Context, userID string, limit int) ([]*WalletEntry, error) {
	return m.view().ListEntries(ctx, userID, limit)
}

func (m *MemoryStore) ListEntriesBefore(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*WalletEntry, error) {
	return m.view().ListEntriesBefore(ctx, userID, before, limit)
}

func (m *MemoryStore) GetReward(ctx context.Context, id string) (*CommunityReward, error) {
	return m.view().GetReward(ctx, id)
}

func (m *MemoryStore) ListRewardsByUser(ctx context.Context, userID string, limit int) ([]*CommunityReward, error) {
	return m.view().ListRewardsByUser(ctx, userID, limit)
}

func (m *MemoryStore) ListRewardsBySlice(ctx context.Context, sliceID string) ([]*CommunityReward, error) {
	return m.view().ListRewardsBySlice(ctx, sliceID)
}

func (m *MemoryStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	return m.view().GetWithdrawal(ctx, id)
}

func (m *MemoryStore) GetPayoutRun(ctx context.Context, date time.Time) (*PayoutRun, error) {
	return m.view().GetPayoutRun(ctx, date)
}

func (m *MemoryStore) SumReleasedCommunityPool(ctx context.Context, from, to time.Time) (int64, error) {
	return m.view().SumReleasedCommunityPool(ctx, from, to)
}

func (m *MemoryStore) UnconsumedCarry(ctx context.Context, before time.Time) ([]*PayoutRun, error) {
	return m.view().UnconsumedCarry(ctx, before)
}

func (m *MemoryStore) GetComment(ctx context.Context, id string) (*Comment, error) {
	return m.view().GetComment(ctx, id)
}

func (m *MemoryStore) HelpfulCommentsForRequest(ctx context.Context, requestID string) ([]*Comment, error) {
	return m.view().HelpfulCommentsForRequest(ctx, requestID)
}

func (m *MemoryStore) HelpfulCommentsBetween(ctx context.Context, from, to time.Time) ([]*Comment, error) {
	return m.view().HelpfulCommentsBetween(ctx, from, to)
}

// memState is one version of the ledger. It implements Tx; values stored
// in its maps are private copies.
type memState struct {
	slices       map[string]Slice
	payments     map[string]EscrowPayment // by slice ID
	paymentSlice map[string]string        // payment ID -> slice ID
	disputes     map[string]DisputeCase
	wallets      map[string]Wallet
	entries      []WalletEntry
	rewards      []CommunityReward
	withdrawals  map[string]Withdrawal
	runs         map[string]PayoutRun // by "2006-01-02"
	comments     map[string]Comment
}

func newMemState() *memState {
	return &memState{
		slices:       make(map[string]Slice),
		payments:     make(map[string]EscrowPayment),
		paymentSlice: make(map[string]string),
		disputes:     make(map[string]DisputeCase),
		wallets:      make(map[string]Wallet),
		withdrawals:  make(map[string]Withdrawal),
		runs:         make(map[string]PayoutRun),
		comments:     make(map[string]Comment),
	}
}

func (st *memState) clone() *memState {
	return &memState{
		slices:       maps.Clone(st.slices),
		payments:     maps.Clone(st.payments),
		paymentSlice: maps.Clone(st.paymentSlice),
		disputes:     maps.Clone(st.disputes),
		wallets:      maps.Clone(st.wallets),
		entries:      slices.Clip(st.entries),
		rewards:      slices.Clip(st.rewards),
		withdrawals:  maps.Clone(st.withdrawals),
		runs:         maps.Clone(st.runs),
		comments:     maps.Clone(st.comments),
	}
}

func dateKey(t time.Time) string { return Day(t).Format(time.DateOnly) }

// --- reads ---

func (st *memState) GetSlice(_ context.Context, id string) (*Slice, error) {
	s, ok := st.slices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySlice(s), nil
}

func (st *memState) GetPaymentBySlice(_ context.Context, sliceID string) (*EscrowPayment, error) {
	p, ok := st.payments[sliceID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayment(p), nil
}

func (st *memState) GetDispute(_ context.Context, sliceID string) (*DisputeCase, error) {
	d, ok := st.disputes[sliceID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDispute(d), nil
}

func (st *memState) ListDisputes(_ context.Context, status DisputeStatus, limit int) ([]*DisputeCase, error) {
	var out []*DisputeCase
	for _, d := range st.disputes {
		if d.Status == status {
			out = append(out, copyDispute(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].SliceID < out[j].SliceID
	})
	return truncate(out, limit), nil
}

func (st *memState) GetWallet(_ context.Context, userID string) (*Wallet, error) {
	if w, ok := st.wallets[userID]; ok {
		return &w, nil
	}
	return &Wallet{UserID: userID}, nil
}

func (st *memState) ListEntries(_ context.Context, userID string, limit int) ([]*WalletEntry, error) {
	var out []*WalletEntry
	for i := len(st.entries) - 1; i >= 0; i-- {
		if st.entries[i].UserID == userID {
			e := st.entries[i]
			out = append(out, &e)
		}
	}
	return truncate(out, limit), nil
}

func (st *memState) ListEntriesBefore(_ context.Context, userID string, before *pagination.Cursor, limit int) ([]*WalletEntry, error) {
	var out []*WalletEntry
	for _, e := range st.entries {
		if e.UserID != userID {
			continue
		}
		if before != nil && !entryOlder(e, before) {
			continue
		}
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return truncate(out, limit), nil
}

func entryOlder(e WalletEntry, c *pagination.Cursor) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

func (st *memState) GetReward(_ context.Context, id string) (*CommunityReward, error) {
	for _, r := range st.rewards {
		if r.ID == id {
			return copyReward(r), nil
		}
	}
	return nil, ErrNotFound
}

func (st *memState) ListRewardsByUser(_ context.Context, userID string, limit int) ([]*CommunityReward, error) {
	var out []*CommunityReward
	for i := len(st.rewards) - 1; i >= 0; i-- {
		if st.rewards[i].UserID == userID {
			out = append(out, copyReward(st.rewards[i]))
		}
	}
	return truncate(out, limit), nil
}

func (st *memState) ListRewardsBySlice(_ context.Context, sliceID string) ([]*CommunityReward, error) {
	var out []*CommunityReward
	for _, r := range st.rewards {
		if r.SliceID == sliceID {
			out = append(out, copyReward(r))
		}
	}
	return out, nil
}

func (st *memState) GetWithdrawal(_ context.Context, id string) (*Withdrawal, error) {
	w, ok := st.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	w.SettledAt = cloneTime(w.SettledAt)
	return &w, nil
}

func (st *memState) GetPayoutRun(_ context.Context, date time.Time) (*PayoutRun, error) {
	r, ok := st.runs[dateKey(date)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(r), nil
}

func (st *memState) SumReleasedCommunityPool(_ context.Context, from, to time.Time) (int64, error) {
	var total int64
	for _, p := range st.payments {
		if p.Status != PaymentReleased || p.ReleasedAt == nil {
			continue
		}
		if !p.ReleasedAt.Before(from) && p.ReleasedAt.Before(to) {
			total += p.CommunityRewardPool
		}
	}
	return total, nil
}

func (st *memState) UnconsumedCarry(_ context.Context, before time.Time) ([]*PayoutRun, error) {
	cutoff := Day(before)
	var out []*PayoutRun
	for _, r := range st.runs {
		if r.CarriedForward > 0 && r.CarryConsumedBy == nil && r.Date.Before(cutoff) {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (st *memState) GetComment(_ context.Context, id string) (*Comment, error) {
	c, ok := st.comments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyComment(c), nil
}

func (st *memState) HelpfulCommentsForRequest(_ context.Context, requestID string) ([]*Comment, error) {
	var out []*Comment
	for _, c := range st.comments {
		if c.Helpful && c.RequestID == requestID {
			out = append(out, copyComment(c))
		}
	}
	sortComments(out)
	return out, nil
}

func (st *memState) HelpfulCommentsBetween(_ context.Context, from, to time.Time) ([]*Comment, error) {
	var out []*Comment
	for _, c := range st.comments {
		if !c.Helpful || c.HelpfulMarkedAt == nil {
			continue
		}
		if !c.HelpfulMarkedAt.Before(from) && c.HelpfulMarkedAt.Before(to) {
			out = append(out, copyComment(c))
		}
	}
	sortComments(out)
	return out, nil
}

// --- writes ---

func (st *memState) CreateSlice(_ context.Context, s *Slice) error {
	if _, ok := st.slices[s.ID]; ok {
		return ErrDuplicate
	}
	st.slices[s.ID] = *copySlice(*s)
	return nil
}

func (st *memState) UpdateSlice(_ context.Context, s *Slice, expected SliceStatus) error {
	cur, ok := st.slices[s.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrStaleState
	}
	st.slices[s.ID] = *copySlice(*s)
	return nil
}

func (st *memState) CreatePayment(_ context.Context, p *EscrowPayment) error {
	if _, ok := st.payments[p.SliceID]; ok {
		return ErrDuplicate
	}
	if _, ok := st.paymentSlice[p.ID]; ok {
		return ErrDuplicate
	}
	st.payments[p.SliceID] = *copyPayment(*p)
	st.paymentSlice[p.ID] = p.SliceID
	return nil
}

func (st *memState) TransitionPayment(_ context.Context, t PaymentTransition) error {
	sliceID, ok := st.paymentSlice[t.PaymentID]
	if !ok {
		return ErrNotFound
	}
	p := st.payments[sliceID]
	if p.Status != t.From {
		return ErrStaleState
	}
	at := t.At
	p.Status = t.To
	p.ResolvedBy = t.ResolvedBy
	p.CommentRewardPool = t.CommentRewardPool
	switch t.To {
	case PaymentReleased:
		p.ReleasedAt = &at
	case PaymentRefunded:
		p.RefundedAt = &at
	}
	st.payments[sliceID] = p
	return nil
}

func (st *memState) CreateDispute(_ context.Context, d *DisputeCase) error {
	if _, ok := st.disputes[d.SliceID]; ok {
		return ErrDuplicate
	}
	st.disputes[d.SliceID] = *copyDispute(*d)
	return nil
}

func (st *memState) UpdateDispute(_ context.Context, d *DisputeCase, expected DisputeStatus) error {
	cur, ok := st.disputes[d.SliceID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected || cur.Finalized() {
		return ErrStaleState
	}
	st.disputes[d.SliceID] = *copyDispute(*d)
	return nil
}

func (st *memState) InsertReward(_ context.Context, r *CommunityReward) error {
	for _, existing := range st.rewards {
		if existing.ID == r.ID {
			return ErrDuplicate
		}
		if r.ReversesID != "" && existing.ReversesID == r.ReversesID {
			return ErrDuplicate
		}
	}
	st.rewards = append(st.rewards, *copyReward(*r))
	return nil
}

func (st *memState) ApplyWalletEntry(_ context.Context, e *WalletEntry) (*Wallet, error) {
	w, ok := st.wallets[e.UserID]
	if !ok {
		w = Wallet{UserID: e.UserID}
	}

	db, de, dw, dp := e.Kind.Deltas(e.Amount)
	w.Balance += db
	w.TotalEarned += de
	w.TotalWithdrawn += dw
	w.PendingWithdrawals += dp
	if w.Balance < 0 || w.PendingWithdrawals < 0 {
		return nil, ErrInsufficientBalance
	}
	w.UpdatedAt = e.CreatedAt

	st.wallets[e.UserID] = w
	st.entries = append(st.entries, *e)
	out := w
	return &out, nil
}

func (st *memState) CreateWithdrawal(_ context.Context, w *Withdrawal) error {
	if _, ok := st.withdrawals[w.ID]; ok {
		return ErrDuplicate
	}
	cp := *w
	cp.SettledAt = cloneTime(w.SettledAt)
	st.withdrawals[w.ID] = cp
	return nil
}

func (st *memState) TransitionWithdrawal(_ context.Context, id string, from, to WithdrawalStatus, by string, at time.Time) error {
	w, ok := st.withdrawals[id]
	if !ok {
		return ErrNotFound
	}
	if w.Status != from {
		return ErrStaleState
	}
	w.Status = to
	w.SettledAt = &at
	w.SettledBy = by
	st.withdrawals[id] = w
	return nil
}

func (st *memState) LockPayoutRun(_ context.Context, date time.Time) (*PayoutRun, error) {
	key := dateKey(date)
	r, ok := st.runs[key]
	if !ok {
		r = PayoutRun{Date: Day(date), CreatedAt: time.Now().UTC()}
		st.runs[key] = r
	}
	return copyRun(r), nil
}

func (st *memState) SavePayoutRun(_ context.Context, r *PayoutRun) error {
	st.runs[dateKey(r.Date)] = *copyRun(*r)
	return nil
}

func (st *memState) MarkCarryConsumed(_ context.Context, dates []time.Time, by time.Time) error {
	consumer := Day(by)
	for _, d := range dates {
		key := dateKey(d)
		r, ok := st.runs[key]
		if !ok {
			return ErrNotFound
		}
		if r.CarryConsumedBy != nil {
			return ErrStaleState
		}
		r.CarryConsumedBy = &consumer
		st.runs[key] = r
	}
	return nil
}

func (st *memState) UpsertComment(_ context.Context, c *Comment) error {
	st.comments[c.ID] = *copyComment(*c)
	return nil
}

// --- copy helpers ---

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func sortComments(cs []*Comment) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copySlice(s Slice) *Slice {
	s.DisputeEvidence = slices.Clone(s.DisputeEvidence)
	return &s
}

func copyPayment(p EscrowPayment) *EscrowPayment {
	p.ReleasedAt = cloneTime(p.ReleasedAt)
	p.RefundedAt = cloneTime(p.RefundedAt)
	return &p
}

func copyDispute(d DisputeCase) *DisputeCase {
	d.EvidenceItems = slices.Clone(d.EvidenceItems)
	d.AdvisoryVerdicts = slices.Clone(d.AdvisoryVerdicts)
	d.DeliberatingSince = cloneTime(d.DeliberatingSince)
	d.FinalDecisionAt = cloneTime(d.FinalDecisionAt)
	return &d
}

func copyReward(r CommunityReward) *CommunityReward {
	r.PayoutDate = cloneTime(r.PayoutDate)
	return &r
}

func copyRun(r PayoutRun) *PayoutRun {
	r.CarryConsumedBy = cloneTime(r.CarryConsumedBy)
	r.ProcessedAt = cloneTime(r.ProcessedAt)
	return &r
}

func copyComment(c Comment) *Comment {
	c.HelpfulMarkedAt = cloneTime(c.HelpfulMarkedAt)
	return &c
}
