package payout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/mbd888/slicepay/internal/notify"
	"github.com/mbd888/slicepay/internal/rewards"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	day1 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	day2 = day1.AddDate(0, 0, 1)
)

type fixture struct {
	store *ledger.MemoryStore
	svc   *Service
	rec   *notify.Recorder
	emit  *notify.Emitter
	now   time.Time
	seq   int
}

func newFixture(t *testing.T, topN int) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	rec := &notify.Recorder{}
	emit := notify.NewEmitter(rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f := &fixture{store: store, rec: rec, emit: emit, now: day2.Add(10 * time.Minute)}
	f.svc = NewService(store, rewards.NewEngine(store, topN)).WithNotifier(emit)
	f.svc.now = func() time.Time { return f.now }
	return f
}

// released seeds a payment released at `at` that set aside pool.
func (f *fixture) released(t *testing.T, at time.Time, pool int64) {
	t.Helper()
	f.seq++
	id := fmt.Sprintf("pay_%d", f.seq)
	require.NoError(t, f.store.InTx(context.Background(), func(tx ledger.Tx) error {
		if err := tx.CreatePayment(context.Background(), &ledger.EscrowPayment{
			ID: id, SliceID: fmt.Sprintf("slc_%d", f.seq), ClientID: "c", ProviderID: "p",
			SliceAmount: pool * 50, CommunityRewardPool: pool, Status: ledger.PaymentInEscrow, CreatedAt: at,
		}); err != nil {
			return err
		}
		return tx.TransitionPayment(context.Background(), ledger.PaymentTransition{
			PaymentID: id, From: ledger.PaymentInEscrow, To: ledger.PaymentReleased, ResolvedBy: "c", At: at,
		})
	}))
}

func (f *fixture) helpful(t *testing.T, author string, at time.Time, score int64) {
	t.Helper()
	f.seq++
	require.NoError(t, f.store.InTx(context.Background(), func(tx ledger.Tx) error {
		return tx.UpsertComment(context.Background(), &ledger.Comment{
			ID: fmt.Sprintf("cmt_%d", f.seq), RequestID: "req_1", AuthorID: author,
			Helpful: true, HelpfulMarkedAt: &at, SavingsScore: score, CreatedAt: at,
		})
	}))
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	w, err := f.store.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

func TestRunDailyPayout_Distributes(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.released(t, day1.Add(3*time.Hour), 120)
	f.released(t, day1.Add(20*time.Hour), 80)
	f.released(t, day2.Add(time.Minute), 999) // next day, not in the window
	f.helpful(t, "alice", day1.Add(time.Hour), 3)
	f.helpful(t, "bob", day1.Add(2*time.Hour), 1)
	f.helpful(t, "alice", day1.Add(5*time.Hour), 0)
	f.helpful(t, "carol", day2.Add(time.Minute), 10)

	res, err := f.svc.RunDailyPayout(ctx, nil, TriggerAdmin)
	require.NoError(t, err)
	assert.Equal(t, "2026-05-01", res.Date)
	assert.Equal(t, int64(200), res.Pool)
	assert.True(t, res.Distributed)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(200), res.TotalDistributed)
	assert.Equal(t, 2, res.RecipientCount)
	assert.Zero(t, res.CarriedForward)

	assert.Equal(t, int64(150), f.balance(t, "alice"))
	assert.Equal(t, int64(50), f.balance(t, "bob"))
	assert.Zero(t, f.balance(t, "carol"))

	run, err := f.svc.Get(ctx, day1)
	require.NoError(t, err)
	assert.Equal(t, TriggerAdmin, run.Trigger)
	require.NotNil(t, run.ProcessedAt)

	f.emit.Wait()
	assert.Contains(t, f.rec.Kinds("alice"), notify.KindPayoutDistributed)
}

func TestRunDailyPayout_ReplayIsNoop(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.released(t, day1.Add(time.Hour), 101)
	f.helpful(t, "alice", day1.Add(time.Hour), 1)
	f.helpful(t, "bob", day1.Add(time.Hour), 1)

	first, err := f.svc.RunDailyPayout(ctx, &day1, TriggerScheduler)
	require.NoError(t, err)
	assert.Equal(t, int64(101), first.TotalDistributed)
	// 50.5 each: the odd unit goes to the tie-break winner.
	assert.Equal(t, int64(51), f.balance(t, "alice"))
	assert.Equal(t, int64(50), f.balance(t, "bob"))

	// Late activity for the same day does not reopen it.
	f.helpful(t, "carol", day1.Add(2*time.Hour), 5)
	second, err := f.svc.RunDailyPayout(ctx, &day1, TriggerAdmin)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TotalDistributed, second.TotalDistributed)
	assert.Equal(t, first.RecipientCount, second.RecipientCount)
	assert.Empty(t, second.Rewards)
	assert.Equal(t, int64(51), f.balance(t, "alice"))
	assert.Zero(t, f.balance(t, "carol"))
}

var errWalletWrite = errors.New("wallet write failed")

// failingStore fails the failAt-th wallet credit made inside a transaction.
type failingStore struct {
	*ledger.MemoryStore
	failAt int
	calls  int
}

func (s *failingStore) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.MemoryStore.InTx(ctx, func(tx ledger.Tx) error {
		return fn(&failingTx{Tx: tx, store: s})
	})
}

type failingTx struct {
	ledger.Tx
	store *failingStore
}

func (t *failingTx) ApplyWalletEntry(ctx context.Context, e *ledger.WalletEntry) (*ledger.Wallet, error) {
	t.store.calls++
	if t.store.calls == t.store.failAt {
		return nil, errWalletWrite
	}
	return t.Tx.ApplyWalletEntry(ctx, e)
}

func TestRunDailyPayout_FailedCreditRollsBackWholeRun(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.released(t, day1.Add(time.Hour), 200)
	f.helpful(t, "alice", day1.Add(time.Hour), 3)
	f.helpful(t, "bob", day1.Add(2*time.Hour), 1)

	failing := &failingStore{MemoryStore: f.store, failAt: 2}
	broken := NewService(failing, rewards.NewEngine(failing, 0))
	broken.now = f.svc.now

	_, err := broken.RunDailyPayout(ctx, nil, TriggerScheduler)
	require.ErrorIs(t, err, errWalletWrite)
	assert.Equal(t, 2, failing.calls, "first credit was applied before the failure")

	run, err := f.store.GetPayoutRun(ctx, day1)
	if err == nil {
		assert.Nil(t, run.ProcessedAt)
		assert.False(t, run.Distributed)
	} else {
		require.ErrorIs(t, err, ledger.ErrNotFound)
	}
	for _, user := range []string{"alice", "bob"} {
		rs, err := f.store.ListRewardsByUser(ctx, user, 10)
		require.NoError(t, err)
		assert.Empty(t, rs, user)
		assert.Zero(t, f.balance(t, user), user)
	}

	res, err := f.svc.RunDailyPayout(ctx, nil, TriggerScheduler)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(200), res.TotalDistributed)
	assert.Equal(t, 2, res.RecipientCount)
	assert.Equal(t, int64(200), f.balance(t, "alice")+f.balance(t, "bob"))

	again, err := f.svc.RunDailyPayout(ctx, nil, TriggerScheduler)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, int64(200), f.balance(t, "alice")+f.balance(t, "bob"))
	for _, user := range []string{"alice", "bob"} {
		rs, err := f.store.ListRewardsByUser(ctx, user, 10)
		require.NoError(t, err)
		assert.Len(t, rs, 1, user)
	}
}

func TestRunDailyPayout_ConcurrentTriggersPayOnce(t *testing.T) {
	f := newFixture(t, 0)
	f.released(t, day1.Add(time.Hour), 500)
	f.helpful(t, "alice", day1.Add(time.Hour), 2)

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		replayed int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.RunDailyPayout(context.Background(), &day1, TriggerAdmin)
			if !assert.NoError(t, err) {
				return
			}
			if res.Replayed {
				mu.Lock()
				replayed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, n-1, replayed)
	assert.Equal(t, int64(500), f.balance(t, "alice"))
	got, err := f.store.ListRewardsByUser(context.Background(), "alice", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRunDailyPayout_CarriesForwardUntilSomeoneQualifies(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.now = day2.AddDate(0, 0, 1)

	f.released(t, day1.Add(time.Hour), 300)
	res, err := f.svc.RunDailyPayout(ctx, &day1, TriggerScheduler)
	require.NoError(t, err)
	assert.False(t, res.Distributed)
	assert.Equal(t, int64(300), res.CarriedForward)
	assert.Zero(t, res.RecipientCount)

	f.released(t, day2.Add(time.Hour), 100)
	f.helpful(t, "alice", day2.Add(2*time.Hour), 4)
	res, err = f.svc.RunDailyPayout(ctx, &day2, TriggerScheduler)
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Pool)
	assert.Equal(t, int64(300), res.CarriedIn)
	assert.Equal(t, int64(400), res.TotalDistributed)
	assert.Equal(t, int64(400), f.balance(t, "alice"))

	run, err := f.svc.Get(ctx, day1)
	require.NoError(t, err)
	require.NotNil(t, run.CarryConsumedBy)
	assert.True(t, run.CarryConsumedBy.Equal(day2))

	carry, err := f.store.UnconsumedCarry(ctx, day2.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Empty(t, carry)
}

func TestRunDailyPayout_TopN(t *testing.T) {
	f := newFixture(t, 2)
	f.released(t, day1.Add(time.Hour), 90)
	f.helpful(t, "alice", day1.Add(time.Hour), 5)
	f.helpful(t, "bob", day1.Add(time.Hour), 4)
	f.helpful(t, "carol", day1.Add(time.Hour), 1)

	res, err := f.svc.RunDailyPayout(context.Background(), &day1, TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecipientCount)
	assert.Equal(t, int64(50), f.balance(t, "alice"))
	assert.Equal(t, int64(40), f.balance(t, "bob"))
	assert.Zero(t, f.balance(t, "carol"))
}

func TestRunDailyPayout_RejectsOpenDay(t *testing.T) {
	f := newFixture(t, 0)
	today := ledger.Day(f.now)
	_, err := f.svc.RunDailyPayout(context.Background(), &today, TriggerAdmin)
	require.Error(t, err)
	_, code := apperr.HTTPStatus(err)
	assert.Equal(t, apperr.CodeInvalidRequest, code)
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.svc.Get(context.Background(), day1)
	_, code := apperr.HTTPStatus(err)
	assert.Equal(t, apperr.CodeNotFound, code)
}
