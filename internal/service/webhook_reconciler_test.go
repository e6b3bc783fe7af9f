package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/expert-marketplace/internal/billing"
	"github.com/ignatzorin/expert-marketplace/internal/domain/valueobject"
	"github.com/ignatzorin/expert-marketplace/internal/eventstore"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/pkg/apperror"
	"github.com/ignatzorin/expert-marketplace/internal/processor"
)

const webhookSecret = "whsec_reconciler_test"

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) payment(args mock.Arguments) (*models.Payment, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}

func (m *mockLedger) RecordCheckout(ctx context.Context, rec models.CheckoutRecord) (*models.Payment, *models.Project, bool, error) {
	args := m.Called(ctx, rec)
	if args.Get(0) == nil {
		return nil, nil, false, args.Error(3)
	}
	return args.Get(0).(*models.Payment), args.Get(1).(*models.Project), args.Bool(2), args.Error(3)
}

func (m *mockLedger) FindByProcessorRef(ctx context.Context, intentID, chargeID string) (*models.Payment, error) {
	return m.payment(m.Called(ctx, intentID, chargeID))
}

func (m *mockLedger) ApplySuccess(ctx context.Context, id uuid.UUID, refs models.ProcessorRefs) (*models.Payment, error) {
	return m.payment(m.Called(ctx, id, refs))
}

func (m *mockLedger) ApplyFailure(ctx context.Context, id uuid.UUID, reason string) (*models.Payment, error) {
	return m.payment(m.Called(ctx, id, reason))
}

func (m *mockLedger) SyncRefund(ctx context.Context, id uuid.UUID, total int64, reason string) (*models.Payment, error) {
	return m.payment(m.Called(ctx, id, total, reason))
}

func (m *mockLedger) ApplyDispute(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return m.payment(m.Called(ctx, id))
}

func (m *mockLedger) ResolveDispute(ctx context.Context, id uuid.UUID, won bool) (*models.Payment, error) {
	return m.payment(m.Called(ctx, id, won))
}

type mockLifecycle struct {
	mock.Mock
}

func (m *mockLifecycle) result(args mock.Arguments) (*models.Project, bool, error) {
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*models.Project), args.Bool(1), args.Error(2)
}

func (m *mockLifecycle) MarkPaid(ctx context.Context, id uuid.UUID) (*models.Project, bool, error) {
	return m.result(m.Called(ctx, id))
}

func (m *mockLifecycle) MarkRefunded(ctx context.Context, id uuid.UUID) (*models.Project, bool, error) {
	return m.result(m.Called(ctx, id))
}

func (m *mockLifecycle) MarkDisputed(ctx context.Context, id uuid.UUID, reason string) (*models.Project, bool, error) {
	return m.result(m.Called(ctx, id, reason))
}

func (m *mockLifecycle) RefundIfCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

type mockAccountUpdater struct {
	mock.Mock
}

func (m *mockAccountUpdater) ApplyAccountUpdate(ctx context.Context, caps models.ConnectCapabilities) (bool, error) {
	args := m.Called(ctx, caps)
	return args.Bool(0), args.Error(1)
}

type reconcilerFixture struct {
	ledger   *mockLedger
	projects *mockLifecycle
	accounts *mockAccountUpdater
	notifier *recordingNotifier
	redis    *miniredis.Miniredis
	rec      *WebhookReconciler
}

func newReconcilerFixture(t *testing.T, withStore bool) *reconcilerFixture {
	t.Helper()
	f := &reconcilerFixture{
		ledger:   new(mockLedger),
		projects: new(mockLifecycle),
		accounts: new(mockAccountUpdater),
		notifier: &recordingNotifier{},
	}
	var events EventClaimer
	if withStore {
		f.redis = miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: f.redis.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		events = eventstore.New(rdb, time.Minute, time.Hour)
	}
	f.rec = NewWebhookReconciler(processor.NewVerifier(webhookSecret), events, f.ledger, f.projects, f.accounts,
		f.notifier, billing.MustFeeCalculator(10), 2)
	return f
}

func signed(t *testing.T, id, kind, object string) ([]byte, string) {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"id":%q,"object":"event","api_version":"2023-10-16","type":%q,"data":{"object":%s}}`, id, kind, object))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(ts + "."))
	mac.Write(payload)
	return payload, fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestWebhookReconciler_RejectsBadSignature(t *testing.T) {
	f := newReconcilerFixture(t, false)
	payload, _ := signed(t, "evt_bad", processor.EventPaymentSucceeded, `{"id":"pi_1","object":"payment_intent"}`)

	err := f.rec.HandleWebhook(context.Background(), payload, "t=1,v1=deadbeef")
	assert.Equal(t, apperror.ErrSignatureInvalid, err)
	f.ledger.AssertNotCalled(t, "FindByProcessorRef", mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookReconciler_CheckoutCompleted(t *testing.T) {
	f := newReconcilerFixture(t, true)
	ctx := context.Background()
	buyer, expert, service := uuid.New(), uuid.New(), uuid.New()
	payload, sig := signed(t, "evt_cs", processor.EventCheckoutCompleted, fmt.Sprintf(`{
		"id": "cs_1",
		"object": "checkout.session",
		"payment_status": "paid",
		"amount_total": 10000,
		"currency": "CHF",
		"payment_intent": "pi_1",
		"metadata": {"service_id": %q, "buyer_id": %q, "expert_id": %q, "package_tier": "basic", "title": "Logo", "destination": "acct_1"}
	}`, service, buyer, expert))

	payment := &models.Payment{ID: uuid.New(), PayerID: buyer, PayeeID: expert, Status: valueobject.PaymentStatusSucceeded}
	project := &models.Project{ID: uuid.New(), ClientID: buyer, ExpertID: expert, Status: valueobject.ProjectStatusPaid}
	f.ledger.On("RecordCheckout", ctx, mock.MatchedBy(func(rec models.CheckoutRecord) bool {
		return rec.SessionID == "cs_1" && rec.PaymentIntentID == "pi_1" &&
			rec.Amount == 10000 && rec.PlatformFee == 1000 && rec.NetAmount == 9000 &&
			rec.Currency == "chf" && rec.Status == valueobject.PaymentStatusSucceeded &&
			rec.BuyerID == buyer && rec.ExpertID == expert && *rec.ServiceID == service &&
			rec.ProjectID == nil && rec.Title == "Logo" && rec.Transferred && rec.RevisionsAllowed == 2
	})).Return(payment, project, true, nil).Once()

	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sig))
	assert.Equal(t, []string{EventPaymentSucceeded, EventProjectPaid}, f.notifier.Events())

	// повторная доставка того же события отсекается хранилищем
	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sig))
	f.ledger.AssertNumberOfCalls(t, "RecordCheckout", 1)
}

func TestWebhookReconciler_CheckoutWithoutParties(t *testing.T) {
	f := newReconcilerFixture(t, false)
	payload, sig := signed(t, "evt_cs2", processor.EventCheckoutCompleted,
		`{"id":"cs_2","object":"checkout.session","payment_status":"paid","amount_total":100,"currency":"eur","metadata":{}}`)

	require.NoError(t, f.rec.HandleWebhook(context.Background(), payload, sig))
	f.ledger.AssertNotCalled(t, "RecordCheckout", mock.Anything, mock.Anything)
}

func TestWebhookReconciler_PaymentSucceeded_Idempotent(t *testing.T) {
	f := newReconcilerFixture(t, false)
	ctx := context.Background()
	pending := &models.Payment{ID: uuid.New(), ProjectID: uuid.New(), PayerID: uuid.New(), Status: valueobject.PaymentStatusPending}
	succeeded := *pending
	succeeded.Status = valueobject.PaymentStatusSucceeded
	refs := models.ProcessorRefs{PaymentIntentID: "pi_1", ChargeID: "ch_1"}
	payload, sig := signed(t, "evt_pi", processor.EventPaymentSucceeded,
		`{"id":"pi_1","object":"payment_intent","latest_charge":"ch_1"}`)

	f.ledger.On("FindByProcessorRef", ctx, "pi_1", "ch_1").Return(pending, nil).Once()
	f.ledger.On("FindByProcessorRef", ctx, "pi_1", "ch_1").Return(&succeeded, nil).Once()
	f.ledger.On("ApplySuccess", ctx, pending.ID, refs).Return(&succeeded, nil).Twice()
	f.projects.On("MarkPaid", ctx, pending.ProjectID).Return(&models.Project{ID: pending.ProjectID}, true, nil).Once()
	f.projects.On("MarkPaid", ctx, pending.ProjectID).Return(nil, false, nil).Once()
	f.projects.On("RefundIfCancelled", ctx, pending.ProjectID).Return(false, nil).Once()

	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sig))
	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sig))

	assert.Equal(t, []string{EventPaymentSucceeded}, f.notifier.Events())
	f.ledger.AssertExpectations(t)
	f.projects.AssertExpectations(t)
}

func TestWebhookReconciler_UnknownPaymentIsAcknowledged(t *testing.T) {
	f := newReconcilerFixture(t, false)
	ctx := context.Background()
	payload, sig := signed(t, "evt_pf", processor.EventPaymentFailed,
		`{"id":"pi_unknown","object":"payment_intent","last_payment_error":{"message":"Your card was declined."}}`)

	f.ledger.On("FindByProcessorRef", ctx, "pi_unknown", "").Return(nil, apperror.ErrPaymentNotFound)

	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sig))
	f.ledger.AssertNotCalled(t, "ApplyFailure", mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookReconciler_ConflictIsAcknowledged(t *testing.T) {
	f := newReconcilerFixture(t, false)
	ctx := context.Background()
	payment := &models.Payment{ID: uuid.New(), Status: valueobject.PaymentStatusSucceeded}
	payload, sig := signed(t, "evt_pf2", processor.EventPaymentFailed,
		`{"id":"pi_2","object":"payment_intent","last_payment_error":{"message":"declined"}}`)

	f.ledger.On("FindByProcessorRef", ctx, "pi_2", "").Return(payment, nil)
	f.ledger.On("ApplyFailure", ctx, payment.ID, "declined").Return(nil, apperror.Conflictf("переход запрещён"))

	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sig))
	assert.Empty(t, f.notifier.Events())
}

func TestWebhookReconciler_InfrastructureErrorReleasesClaim(t *testing.T) {
	f := newReconcilerFixture(t, true)
	ctx := context.Background()
	payment := &models.Payment{ID: uuid.New(), Amount: 5000, Status: valueobject.PaymentStatusDisputed}
	payload, sig := signed(t, "evt_dc", processor.EventDisputeCreated,
		`{"id":"dp_1","object":"dispute","charge":"ch_1","payment_intent":"pi_1","reason":"fraudulent","status":"needs_response"}`)

	f.ledger.On("FindByProcessorRef", ctx, "pi_1", "ch_1").Return(nil, errors.New("connection refused")).Once()
	err := f.rec.HandleWebhook(ctx, payload, sig)
	require.Error(t, err)
	assert.False(t, acknowledged(err))

	f.ledger.On("FindByProcessorRef", ctx, "pi_1", "ch_1").Return(payment, nil).Once()
	f.ledger.On("ApplyDispute", ctx, payment.ID).Return(payment, nil).Once()
	f.projects.On("MarkDisputed", ctx, payment.ProjectID, "fraudulent").Return(&models.Project{}, true, nil).Once()

	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sig))
	f.ledger.AssertExpectations(t)
	f.projects.AssertExpectations(t)
}

func TestWebhookReconciler_StoreUnavailableStillProcesses(t *testing.T) {
	f := newReconcilerFixture(t, true)
	ctx := context.Background()
	f.redis.Close()
	payload, sig := signed(t, "evt_acct", processor.EventAccountUpdated,
		`{"id":"acct_1","object":"account","charges_enabled":true,"payouts_enabled":true}`)

	f.accounts.On("ApplyAccountUpdate", ctx, models.ConnectCapabilities{AccountID: "acct_1", ChargesEnabled: true, PayoutsEnabled: true}).Return(true, nil)

	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sig))
	f.accounts.AssertExpectations(t)
}

func TestWebhookReconciler_UnknownAccountUpdate(t *testing.T) {
	f := newReconcilerFixture(t, false)
	ctx := context.Background()
	payload, sig := signed(t, "evt_acct2", processor.EventAccountUpdated,
		`{"id":"acct_ghost","object":"account","charges_enabled":true,"payouts_enabled":false}`)

	f.accounts.On("ApplyAccountUpdate", ctx, mock.Anything).Return(false, nil)

	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sig))
}

func TestWebhookReconciler_ChargeRefunded(t *testing.T) {
	f := newReconcilerFixture(t, false)
	ctx := context.Background()
	payment := &models.Payment{ID: uuid.New(), ProjectID: uuid.New(), Amount: 5000, RefundAmount: 2000, Status: valueobject.PaymentStatusPartiallyRefunded}
	refunded := *payment
	refunded.RefundAmount = 5000
	refunded.Status = valueobject.PaymentStatusRefunded

	stale, staleSig := signed(t, "evt_r1", processor.EventChargeRefunded,
		`{"id":"ch_1","object":"charge","amount":5000,"amount_refunded":2000,"payment_intent":"pi_1"}`)
	full, fullSig := signed(t, "evt_r2", processor.EventChargeRefunded,
		`{"id":"ch_1","object":"charge","amount":5000,"amount_refunded":5000,"payment_intent":"pi_1"}`)

	f.ledger.On("FindByProcessorRef", ctx, "pi_1", "ch_1").Return(payment, nil)
	require.NoError(t, f.rec.HandleWebhook(ctx, stale, staleSig))
	f.ledger.AssertNotCalled(t, "SyncRefund", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	f.ledger.On("SyncRefund", ctx, payment.ID, int64(5000), "").Return(&refunded, nil)
	f.projects.On("MarkRefunded", ctx, payment.ProjectID).Return(&models.Project{}, true, nil)

	require.NoError(t, f.rec.HandleWebhook(ctx, full, fullSig))
	f.projects.AssertExpectations(t)
	assert.Equal(t, []string{EventPaymentRefunded, EventPaymentRefunded}, f.notifier.Events())
}

func TestWebhookReconciler_DisputeLost(t *testing.T) {
	f := newReconcilerFixture(t, false)
	ctx := context.Background()
	payment := &models.Payment{ID: uuid.New(), ProjectID: uuid.New(), Amount: 5000, Status: valueobject.PaymentStatusDisputed}
	lost := *payment
	lost.Status = valueobject.PaymentStatusRefunded
	lost.RefundAmount = 5000
	payload, sig := signed(t, "evt_dl", processor.EventDisputeClosed,
		`{"id":"dp_1","object":"dispute","charge":"ch_1","status":"lost"}`)

	f.ledger.On("FindByProcessorRef", ctx, "", "ch_1").Return(payment, nil)
	f.ledger.On("ResolveDispute", ctx, payment.ID, false).Return(&lost, nil)
	f.projects.On("MarkRefunded", ctx, payment.ProjectID).Return(&models.Project{}, true, nil)

	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sig))
	f.projects.AssertExpectations(t)
}

func TestWebhookReconciler_UnhandledTypeAcknowledged(t *testing.T) {
	f := newReconcilerFixture(t, true)
	payload, sig := signed(t, "evt_cus", "customer.created", `{"id":"cus_1","object":"customer"}`)

	require.NoError(t, f.rec.HandleWebhook(context.Background(), payload, sig))

	rdb := redis.NewClient(&redis.Options{Addr: f.redis.Addr()})
	defer rdb.Close()
	done, err := eventstore.New(rdb, time.Minute, time.Hour).Processed(context.Background(), "evt_cus")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestWebhookReconciler_TimedOutDeliveryIsRetried(t *testing.T) {
	f := newReconcilerFixture(t, true)
	payment := &models.Payment{ID: uuid.New(), ProjectID: uuid.New(), Amount: 5000, Status: valueobject.PaymentStatusSucceeded}
	disputed := *payment
	disputed.Status = valueobject.PaymentStatusDisputed
	payload, sig := signed(t, "evt_to", processor.EventDisputeCreated,
		`{"id":"dp_2","object":"dispute","charge":"ch_2","payment_intent":"pi_2","reason":"fraudulent","status":"needs_response"}`)

	f.ledger.On("FindByProcessorRef", mock.Anything, "pi_2", "ch_2").Return(payment, nil)
	f.ledger.On("ApplyDispute", mock.Anything, payment.ID).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.DeadlineExceeded).Once()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, f.rec.HandleWebhook(ctx, payload, sig))
	assert.False(t, f.redis.Exists("webhook:event:evt_to"), "захват должен сниматься и после истечения контекста запроса")

	f.ledger.On("ApplyDispute", mock.Anything, payment.ID).Return(&disputed, nil).Once()
	f.projects.On("MarkDisputed", mock.Anything, payment.ProjectID, "fraudulent").Return(&models.Project{}, true, nil).Once()

	require.NoError(t, f.rec.HandleWebhook(context.Background(), payload, sig))
	f.ledger.AssertNumberOfCalls(t, "ApplyDispute", 2)
	f.projects.AssertExpectations(t)

	state, err := f.redis.Get("webhook:event:evt_to")
	require.NoError(t, err)
	assert.Equal(t, "done", state)
}

func TestWebhookReconciler_InFlightDeliveryAsksForRetry(t *testing.T) {
	f := newReconcilerFixture(t, true)
	require.NoError(t, f.redis.Set("webhook:event:evt_busy", "processing"))
	payload, sig := signed(t, "evt_busy", processor.EventPaymentSucceeded,
		`{"id":"pi_busy","object":"payment_intent"}`)

	err := f.rec.HandleWebhook(context.Background(), payload, sig)
	require.Error(t, err)
	assert.True(t, apperror.IsConflict(err))
	f.ledger.AssertNotCalled(t, "FindByProcessorRef", mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookReconciler_PaymentAfterCancelStartsRefund(t *testing.T) {
	f := newReconcilerFixture(t, false)
	ctx := context.Background()
	pending := &models.Payment{ID: uuid.New(), ProjectID: uuid.New(), PayerID: uuid.New(), Status: valueobject.PaymentStatusPending}
	succeeded := *pending
	succeeded.Status = valueobject.PaymentStatusSucceeded
	payload, sig := signed(t, "evt_late", processor.EventPaymentSucceeded,
		`{"id":"pi_late","object":"payment_intent"}`)

	f.ledger.On("FindByProcessorRef", ctx, "pi_late", "").Return(pending, nil)
	f.ledger.On("ApplySuccess", ctx, pending.ID, models.ProcessorRefs{PaymentIntentID: "pi_late"}).Return(&succeeded, nil)
	f.projects.On("MarkPaid", ctx, pending.ProjectID).Return(nil, false, nil)
	f.projects.On("RefundIfCancelled", ctx, pending.ProjectID).
		Return(false, apperror.Processor(errors.New("stripe down"), "stripe down")).Once()

	err := f.rec.HandleWebhook(ctx, payload, sig)
	require.Error(t, err)
	assert.False(t, acknowledged(err))

	f.projects.On("RefundIfCancelled", ctx, pending.ProjectID).Return(true, nil).Once()
	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sig))
	f.projects.AssertNumberOfCalls(t, "RefundIfCancelled", 2)
}

func TestWebhookReconciler_CheckoutForCancelledProjectStartsRefund(t *testing.T) {
	f := newReconcilerFixture(t, false)
	ctx := context.Background()
	buyer, expert, projectID := uuid.New(), uuid.New(), uuid.New()
	payload, sig := signed(t, "evt_cs_late", processor.EventCheckoutCompleted, fmt.Sprintf(`{
		"id": "cs_late",
		"object": "checkout.session",
		"payment_status": "paid",
		"amount_total": 10000,
		"currency": "eur",
		"payment_intent": "pi_cs_late",
		"metadata": {"buyer_id": %q, "expert_id": %q, "project_id": %q}
	}`, buyer, expert, projectID))

	payment := &models.Payment{ID: uuid.New(), ProjectID: projectID, PayerID: buyer, PayeeID: expert, Status: valueobject.PaymentStatusSucceeded}
	project := &models.Project{ID: projectID, ClientID: buyer, ExpertID: expert, Status: valueobject.ProjectStatusCancelled}
	f.ledger.On("RecordCheckout", ctx, mock.Anything).Return(payment, project, true, nil)
	f.projects.On("RefundIfCancelled", ctx, projectID).Return(true, nil).Once()

	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sig))
	f.projects.AssertExpectations(t)
}

func TestWebhookReconciler_CheckoutWithUnknownPartiesIsAcknowledged(t *testing.T) {
	f := newReconcilerFixture(t, true)
	ctx := context.Background()
	payload, sig := signed(t, "evt_cs_ghost", processor.EventCheckoutCompleted, fmt.Sprintf(`{
		"id": "cs_ghost",
		"object": "checkout.session",
		"payment_status": "paid",
		"amount_total": 10000,
		"currency": "eur",
		"metadata": {"buyer_id": %q, "expert_id": %q}
	}`, uuid.New(), uuid.New()))

	f.ledger.On("RecordCheckout", ctx, mock.Anything).
		Return(nil, nil, false, apperror.New(apperror.ErrCodeValidation, "checkout ссылается на неизвестного пользователя")).Once()

	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sig))
	assert.Empty(t, f.notifier.Events())

	state, err := f.redis.Get("webhook:event:evt_cs_ghost")
	require.NoError(t, err)
	assert.Equal(t, "done", state)
}
