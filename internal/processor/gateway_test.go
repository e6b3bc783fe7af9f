package processor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
)

func newTestStripe(t *testing.T, handler http.HandlerFunc) *Stripe {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripe("sk_test_123", &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
}

func TestStripe_CreateCheckoutSession_WithDestination(t *testing.T) {
	var form map[string]string
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/cs_test_1"}`))
	})

	sess, err := s.CreateCheckoutSession(context.Background(), CheckoutRequest{
		Title:          "Logo design",
		Amount:         10000,
		Currency:       "chf",
		SuccessURL:     "https://app.example.com/checkout/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:      "https://app.example.com/services/svc",
		Metadata:       map[string]string{"buyer_id": "b1"},
		ApplicationFee: 1000,
		Destination:    "acct_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", sess.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_test_1", sess.URL)

	assert.Equal(t, "payment", form["mode"])
	assert.Equal(t, "10000", form["line_items[0][price_data][unit_amount]"])
	assert.Equal(t, "1000", form["payment_intent_data[application_fee_amount]"])
	assert.Equal(t, "acct_1", form["payment_intent_data[transfer_data][destination]"])
	assert.Equal(t, "b1", form["metadata[buyer_id]"])
}

func TestStripe_CreateCheckoutSession_NoDestination(t *testing.T) {
	var form map[string][]string
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_2","object":"checkout.session","url":"https://checkout.stripe.com/c/cs_test_2"}`))
	})

	_, err := s.CreateCheckoutSession(context.Background(), CheckoutRequest{
		Title: "Audit", Amount: 5000, Currency: "eur",
		SuccessURL: "https://a/s", CancelURL: "https://a/c",
	})
	require.NoError(t, err)
	assert.NotContains(t, form, "payment_intent_data[application_fee_amount]")
	assert.NotContains(t, form, "payment_intent_data[transfer_data][destination]")
}

func TestStripe_Refund_ProcessorError(t *testing.T) {
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/refunds", r.URL.Path)
		assert.Equal(t, "project-cancel-1", r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Charge has already been refunded."}}`))
	})

	_, err := s.Refund(context.Background(), RefundRequest{
		PaymentIntentID: "pi_1",
		Amount:          5000,
		IdempotencyKey:  "project-cancel-1",
	})
	require.Error(t, err)
	assert.Equal(t, "Charge has already been refunded.", Message(err))
}

func TestStripe_Refund_RequiresReference(t *testing.T) {
	s := NewStripe("sk_test_123", nil)

	_, err := s.Refund(context.Background(), RefundRequest{Amount: 100})
	assert.Error(t, err)
}
