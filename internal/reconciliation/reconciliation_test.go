package reconciliation

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/slicepay/internal/authz"
	"github.com/mbd888/slicepay/internal/authz/authztest"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)

func newRunner(t *testing.T) (*Runner, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	r := NewRunner(store, 3)
	r.now = func() time.Time { return today.Add(9 * time.Hour) }
	return r, store
}

func seedRelease(t *testing.T, store *ledger.MemoryStore, id string, at time.Time, pool int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.InTx(ctx, func(tx ledger.Tx) error {
		if err := tx.CreatePayment(ctx, &ledger.EscrowPayment{
			ID: id, SliceID: "slc_" + id, ClientID: "c", ProviderID: "p",
			SliceAmount: pool * 50, CommunityRewardPool: pool, Status: ledger.PaymentInEscrow, CreatedAt: at,
		}); err != nil {
			return err
		}
		return tx.TransitionPayment(ctx, ledger.PaymentTransition{
			PaymentID: id, From: ledger.PaymentInEscrow, To: ledger.PaymentReleased, ResolvedBy: "c", At: at,
		})
	}))
}

func seedRun(t *testing.T, store *ledger.MemoryStore, day time.Time, mutate func(r *ledger.PayoutRun)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.InTx(ctx, func(tx ledger.Tx) error {
		run, err := tx.LockPayoutRun(ctx, day)
		if err != nil {
			return err
		}
		processed := day.AddDate(0, 0, 1).Add(10 * time.Minute)
		run.ProcessedAt = &processed
		mutate(run)
		return tx.SavePayoutRun(ctx, run)
	}))
}

func TestRunAll_Clean(t *testing.T) {
	r, store := newRunner(t)
	day := today.AddDate(0, 0, -3)
	seedRelease(t, store, "p1", day.Add(time.Hour), 100)
	seedRun(t, store, day, func(run *ledger.PayoutRun) {
		run.PoolAmount, run.TotalDistributed, run.Distributed = 100, 100, true
	})

	rep, err := r.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.CheckedDays)
	assert.True(t, rep.Clean(), "%+v", rep)
}

func TestRunAll_FlagsConservationAndDrift(t *testing.T) {
	r, store := newRunner(t)
	day := today.AddDate(0, 0, -2)
	seedRelease(t, store, "p1", day.Add(time.Hour), 120)
	seedRun(t, store, day, func(run *ledger.PayoutRun) {
		run.PoolAmount, run.TotalDistributed, run.CarriedForward = 100, 90, 0
	})

	rep, err := r.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Mismatches, 2)
	assert.Equal(t, "conservation", rep.Mismatches[0].Check)
	assert.Equal(t, "pool_drift", rep.Mismatches[1].Check)
	assert.Equal(t, day.Format(time.DateOnly), rep.Mismatches[0].Date)
}

func TestRunAll_MissedDayOnlyWithPool(t *testing.T) {
	r, store := newRunner(t)
	seedRelease(t, store, "p1", today.AddDate(0, 0, -4).Add(time.Hour), 50)
	// Yesterday is not inspected.
	seedRelease(t, store, "p2", today.AddDate(0, 0, -1).Add(time.Hour), 50)

	rep, err := r.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{today.AddDate(0, 0, -4).Format(time.DateOnly)}, rep.MissedDays)
	assert.Empty(t, rep.Mismatches)
}

func TestTimer_StartStop(t *testing.T) {
	r, _ := newRunner(t)
	timer := NewTimer(r, slog.New(slog.NewTextHandler(io.Discard, nil)))
	timer.interval = time.Hour

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	// Stop may land before the loop reaches its select.
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}

func TestHandler_RequiresCapability(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r, _ := newRunner(t)
	router := gin.New()
	v1 := router.Group("/v1", authztest.Impersonate())
	NewHandler(r).RegisterAdminRoutes(v1)

	req := httptest.NewRequest("GET", "/v1/admin/reconciliation", nil)
	authztest.As(req, "u1", authz.RoleMember)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest("GET", "/v1/admin/reconciliation", nil)
	authztest.As(req, "ops", authz.RoleAdmin)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"checkedDays":3`)
}
