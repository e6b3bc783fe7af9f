package processor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Типы событий, которые разбирает движок. Остальные приходят с пустым payload.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventCheckoutExpired      = "checkout.session.expired"
	EventPaymentSucceeded     = "payment_intent.succeeded"
	EventPaymentFailed        = "payment_intent.payment_failed"
	EventChargeRefunded       = "charge.refunded"
	EventDisputeCreated       = "charge.dispute.created"
	EventDisputeClosed        = "charge.dispute.closed"
	EventAccountUpdated       = "account.updated"
	checkoutPaymentStatusPaid = "paid"
)

// ErrSignature подпись отсутствует, не сходится или устарела.
var ErrSignature = errors.New("processor: невалидная подпись события")

// Event нормализованное событие процессора. Заполнено ровно одно поле payload
// (или ни одного для неизвестных типов).
type Event struct {
	ID   string
	Type string

	Checkout *CheckoutEvent
	Payment  *PaymentEvent
	Refund   *RefundEvent
	Dispute  *DisputeEvent
	Account  *AccountEvent
}

type CheckoutEvent struct {
	SessionID       string
	PaymentIntentID string
	Paid            bool
	AmountTotal     int64
	Currency        string
	Metadata        map[string]string
}

type PaymentEvent struct {
	PaymentIntentID string
	ChargeID        string
	FailureMessage  string
}

// RefundEvent AmountRefunded накопительный: сколько всего возвращено по charge.
type RefundEvent struct {
	ChargeID        string
	PaymentIntentID string
	AmountRefunded  int64
	Reason          string
}

type DisputeEvent struct {
	DisputeID       string
	ChargeID        string
	PaymentIntentID string
	Reason          string
	Status          string
}

type AccountEvent struct {
	AccountID      string
	ChargesEnabled bool
	PayoutsEnabled bool
}

// Verifier проверяет подпись вебхука общим секретом до разбора payload.
type Verifier struct {
	secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// Parse проверяет подпись и разбирает событие. Ошибка подписи оборачивает ErrSignature.
func (v *Verifier) Parse(payload []byte, signature string) (*Event, error) {
	if v.secret == "" || signature == "" {
		return nil, ErrSignature
	}
	raw, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return decode(raw)
}

func decode(raw stripe.Event) (*Event, error) {
	ev := &Event{ID: raw.ID, Type: string(raw.Type)}
	if raw.Data == nil {
		return ev, nil
	}
	data := raw.Data.Raw

	switch ev.Type {
	case EventCheckoutCompleted, EventCheckoutExpired:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("processor: разбор checkout session: %w", err)
		}
		ev.Checkout = &CheckoutEvent{
			SessionID:   s.ID,
			Paid:        string(s.PaymentStatus) == checkoutPaymentStatusPaid,
			AmountTotal: s.AmountTotal,
			Currency:    string(s.Currency),
			Metadata:    s.Metadata,
		}
		if s.PaymentIntent != nil {
			ev.Checkout.PaymentIntentID = s.PaymentIntent.ID
		}

	case EventPaymentSucceeded, EventPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(data, &pi); err != nil {
			return nil, fmt.Errorf("processor: разбор payment intent: %w", err)
		}
		ev.Payment = &PaymentEvent{PaymentIntentID: pi.ID}
		if pi.LatestCharge != nil {
			ev.Payment.ChargeID = pi.LatestCharge.ID
		}
		if pi.LastPaymentError != nil {
			ev.Payment.FailureMessage = pi.LastPaymentError.Msg
		}

	case EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(data, &ch); err != nil {
			return nil, fmt.Errorf("processor: разбор charge: %w", err)
		}
		ev.Refund = &RefundEvent{ChargeID: ch.ID, AmountRefunded: ch.AmountRefunded}
		if ch.PaymentIntent != nil {
			ev.Refund.PaymentIntentID = ch.PaymentIntent.ID
		}
		if ch.Refunds != nil && len(ch.Refunds.Data) > 0 && ch.Refunds.Data[0] != nil {
			ev.Refund.Reason = string(ch.Refunds.Data[0].Reason)
		}

	case EventDisputeCreated, EventDisputeClosed:
		var d stripe.Dispute
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("processor: разбор dispute: %w", err)
		}
		ev.Dispute = &DisputeEvent{
			DisputeID: d.ID,
			Reason:    string(d.Reason),
			Status:    string(d.Status),
		}
		if d.Charge != nil {
			ev.Dispute.ChargeID = d.Charge.ID
		}
		if d.PaymentIntent != nil {
			ev.Dispute.PaymentIntentID = d.PaymentIntent.ID
		}

	case EventAccountUpdated:
		var a stripe.Account
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("processor: разбор account: %w", err)
		}
		ev.Account = &AccountEvent{
			AccountID:      a.ID,
			ChargesEnabled: a.ChargesEnabled,
			PayoutsEnabled: a.PayoutsEnabled,
		}
	}

	return ev, nil
}
