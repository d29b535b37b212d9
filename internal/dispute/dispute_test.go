package dispute

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/escrow"
	"github.com/mbd888/slicepay/internal/gateway"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/mbd888/slicepay/internal/notify"
	"github.com/mbd888/slicepay/internal/rewards"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	client   = "client_1"
	provider = "provider_1"
)

type fixture struct {
	store  *ledger.MemoryStore
	escrow *escrow.Service
	svc    *Service
	rec    *notify.Recorder
	emit   *notify.Emitter
	now    time.Time
}

func newFixture(t *testing.T, sources ...Source) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	reg := gateway.NewRegistry()
	reg.Register(ledger.MethodGatewayA, gateway.NewMemory("gateway_a"))

	rec := &notify.Recorder{}
	emit := notify.NewEmitter(rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	esc := escrow.NewService(store, reg, rewards.NewEngine(store, 0), escrow.DefaultRates, "EUR").WithNotifier(emit)

	f := &fixture{store: store, escrow: esc, rec: rec, emit: emit, now: time.Now().UTC()}
	f.svc = NewService(store, NewCouncil(50*time.Millisecond, sources...), esc, time.Hour).WithNotifier(emit)
	f.svc.now = func() time.Time { return f.now }
	return f
}

// openDispute walks a slice through a rejected refund request.
func (f *fixture) openDispute(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	sl, err := f.escrow.CreateSlice(ctx, escrow.CreateSliceRequest{RequestID: "req_1", ClientID: client, ProviderID: provider})
	require.NoError(t, err)
	_, err = f.escrow.AcceptSlice(ctx, sl.ID, provider)
	require.NoError(t, err)
	_, err = f.escrow.CreateEscrow(ctx, escrow.CreateEscrowRequest{
		SliceID: sl.ID, ClientID: client, ProviderID: provider,
		SliceAmount: 10000, PaymentMethod: ledger.MethodGatewayA, PaymentToken: "tok_visa",
	})
	require.NoError(t, err)
	_, err = f.escrow.CompleteSlice(ctx, sl.ID, provider)
	require.NoError(t, err)
	_, err = f.escrow.RequestRefund(ctx, sl.ID, client, "work never arrived")
	require.NoError(t, err)
	_, err = f.escrow.RespondToRefund(ctx, sl.ID, provider, escrow.RefundReject, "delivery receipt attached")
	require.NoError(t, err)
	return sl.ID
}

// deliberating opens a dispute and submits the client's side.
func (f *fixture) deliberating(t *testing.T) string {
	t.Helper()
	id := f.openDispute(t)
	d, err := f.svc.SubmitEvidence(context.Background(), id, client, "screenshot of empty folder")
	require.NoError(t, err)
	require.Equal(t, ledger.DisputeDeliberating, d.Status)
	return id
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	_, got := apperr.HTTPStatus(err)
	require.Equal(t, code, got, "error: %v", err)
}

func TestSubmitEvidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.openDispute(t)

	d, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeOpen, d.Status)
	assert.True(t, d.HasEvidenceFrom(ledger.PartyProvider))
	assert.False(t, d.HasEvidenceFrom(ledger.PartyClient))

	_, err = f.svc.SubmitEvidence(ctx, id, client, "")
	requireCode(t, err, apperr.CodeEvidenceRequired)

	_, err = f.svc.SubmitEvidence(ctx, id, "stranger", "I saw everything")
	requireCode(t, err, apperr.CodeForbidden)

	d, err = f.svc.SubmitEvidence(ctx, id, provider, "second note")
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeOpen, d.Status, "one-sided evidence keeps the case open")

	d, err = f.svc.SubmitEvidence(ctx, id, client, "nothing was delivered")
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeDeliberating, d.Status)
	require.NotNil(t, d.DeliberatingSince)
	assert.Len(t, d.EvidenceItems, 3)

	sl, err := f.store.GetSlice(ctx, id)
	require.NoError(t, err)
	assert.Len(t, sl.DisputeEvidence, 3)
}

func TestSubmitEvidence_NoDispute(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubmitEvidence(context.Background(), "slc_missing", client, "hello")
	requireCode(t, err, apperr.CodeNotFound)
}

func TestDeliberate_RequiresDeliberating(t *testing.T) {
	f := newFixture(t, release("a"))
	id := f.openDispute(t)
	_, err := f.svc.Deliberate(context.Background(), id)
	requireCode(t, err, apperr.CodeInvalidState)
}

func TestDeliberate_Unanimous(t *testing.T) {
	f := newFixture(t, release("a"), release("b"))
	ctx := context.Background()
	id := f.deliberating(t)

	d, err := f.svc.Deliberate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.DecisionRelease, d.Consensus)
	assert.Equal(t, ledger.DisputeResolvedRelease, d.Status)
	assert.False(t, d.Finalized(), "advice never finalizes")
	assert.Len(t, d.AdvisoryVerdicts, 2)
	assert.Equal(t, 1, d.Attempts)

	pay, err := f.store.GetPaymentBySlice(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentInEscrow, pay.Status, "no money moves before an admin decides")

	f.emit.Wait()
	assert.Contains(t, f.rec.Kinds(client), notify.KindDisputeConsensus)
	assert.Contains(t, f.rec.Kinds(provider), notify.KindDisputeConsensus)
}

func TestDeliberate_DisagreementIsNotResolved(t *testing.T) {
	f := newFixture(t, release("a"), refund("b"))
	ctx := context.Background()
	id := f.deliberating(t)

	d, err := f.svc.Deliberate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.DecisionSplit, d.Consensus)
	assert.Equal(t, ledger.DisputeSplitDecision, d.Status)

	pay, err := f.store.GetPaymentBySlice(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentInEscrow, pay.Status)
}

func TestDeliberate_IncompleteKeepsDeliberating(t *testing.T) {
	down := &stubSource{name: "a", block: true}
	f := newFixture(t, down)
	ctx := context.Background()
	id := f.deliberating(t)

	d, err := f.svc.Deliberate(ctx, id)
	var incomplete *apperr.ConsensusIncompleteError
	require.ErrorAs(t, err, &incomplete)
	require.NotNil(t, d)
	assert.Equal(t, ledger.DisputeDeliberating, d.Status)
	assert.Equal(t, 1, d.Attempts)
	require.Len(t, d.AdvisoryVerdicts, 1)
	assert.Equal(t, "timeout", d.AdvisoryVerdicts[0].Error)

	// The source recovers; the retry appends a second round.
	down.block = false
	down.op = Opinion{Decision: ledger.DecisionRefund, Confidence: 60}
	d, err = f.svc.Deliberate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeResolvedRefund, d.Status)
	assert.Equal(t, 2, d.Attempts)
	require.Len(t, d.AdvisoryVerdicts, 2)
	assert.Equal(t, 2, d.AdvisoryVerdicts[1].Attempt)
}

func TestDeliberate_SeesCaseContext(t *testing.T) {
	src := release("a")
	f := newFixture(t, src)
	id := f.deliberating(t)

	_, err := f.svc.Deliberate(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, src.seen, 2)
	assert.Equal(t, ledger.PartyProvider, src.seen[0].Party)
	assert.Equal(t, ledger.PartyClient, src.seen[1].Party)
}

func TestFinalize_AdminOverrulesConsensus(t *testing.T) {
	f := newFixture(t, release("a"), release("b"))
	ctx := context.Background()
	id := f.deliberating(t)
	_, err := f.svc.Deliberate(ctx, id)
	require.NoError(t, err)

	st, err := f.svc.Finalize(ctx, id, "admin_1", ledger.DecisionRefund, "receipt was forged")
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentRefunded, st.Payment.Status)
	require.NotNil(t, st.Dispute)
	assert.Equal(t, ledger.DisputeResolvedRefund, st.Dispute.Status)
	assert.Equal(t, ledger.DecisionRefund, st.Dispute.FinalDecision)
	assert.Equal(t, ledger.DecisionRelease, st.Dispute.Consensus)
	assert.Equal(t, "admin_1", st.Dispute.FinalDecisionBy)

	_, err = f.svc.Finalize(ctx, id, "admin_2", ledger.DecisionRelease, "")
	requireCode(t, err, apperr.CodeInvalidState)

	_, err = f.svc.SubmitEvidence(ctx, id, client, "late note")
	requireCode(t, err, apperr.CodeInvalidState)
}

func TestFinalize_WithoutDeliberation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.openDispute(t)

	st, err := f.svc.Finalize(ctx, id, "admin_1", ledger.DecisionRelease, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentReleased, st.Payment.Status)
	assert.Equal(t, int64(10000), st.ProviderCredit)
}

func TestFinalize_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.openDispute(t)

	_, err := f.svc.Finalize(ctx, id, "admin_1", ledger.DecisionSplit, "")
	requireCode(t, err, apperr.CodeInvalidRequest)

	_, err = f.svc.Finalize(ctx, "slc_missing", "admin_1", ledger.DecisionRefund, "")
	requireCode(t, err, apperr.CodeNotFound)
}

func TestExpireEvidenceWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.openDispute(t)

	moved, err := f.svc.ExpireEvidenceWindows(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, moved)

	f.now = f.now.Add(2 * time.Hour)
	moved, err = f.svc.ExpireEvidenceWindows(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, moved)

	d, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeDeliberating, d.Status)
	assert.False(t, d.HasEvidenceFrom(ledger.PartyClient))
}
