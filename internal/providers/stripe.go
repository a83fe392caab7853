// Package providers turns provider-specific payment notifications into
// normalized settlement requests. Adapters verify authenticity before
// anything reaches the queue.
package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/paycore-io/paycore/internal/settlement"
)

var (
	// ErrIgnoredEvent marks webhook events that carry no payment to settle.
	ErrIgnoredEvent = errors.New("event type not handled")

	// ErrMissingUser means the payment has no user_id metadata to credit.
	ErrMissingUser = errors.New("payment has no user_id metadata")
)

// StripeAdapter verifies and normalizes Stripe webhook deliveries.
type StripeAdapter struct {
	webhookSecret string
}

// NewStripeAdapter creates an adapter with the endpoint's signing secret.
func NewStripeAdapter(webhookSecret string) *StripeAdapter {
	return &StripeAdapter{webhookSecret: webhookSecret}
}

// VerifyAndParse checks the Stripe-Signature header and maps the event to a
// settlement request. payment_intent.succeeded arrives confirmed;
// payment_intent.processing is recorded but never credits. Everything else
// returns ErrIgnoredEvent.
func (a *StripeAdapter) VerifyAndParse(payload []byte, sigHeader string) (*settlement.Request, error) {
	// Endpoints deliver whatever API version they were created with; a
	// version newer or older than the SDK's pin must not drop real payments.
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook verification failed: %w", err)
	}

	var confirmed bool
	switch event.Type {
	case "payment_intent.succeeded":
		confirmed = true
	case "payment_intent.processing":
		confirmed = false
	default:
		return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, event.Type)
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("failed to parse payment intent: %w", err)
	}

	userID := intent.Metadata["user_id"]
	if userID == "" {
		return nil, ErrMissingUser
	}

	cents := intent.AmountReceived
	if !confirmed || cents == 0 {
		cents = intent.Amount
	}
	amount := formatCents(cents)
	currency := strings.ToUpper(string(intent.Currency))

	req := &settlement.Request{
		Provider:     "stripe",
		ExternalTxID: intent.ID,
		UserID:       userID,
		AmountNative: amount,
		Currency:     currency,
		Confirmed:    confirmed,
	}
	if currency == "USD" {
		req.AmountUSD = amount
	}
	return req, nil
}

// formatCents renders a Stripe minor-unit amount as a decimal string.
func formatCents(cents int64) string {
	neg := ""
	if cents < 0 {
		neg = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", neg, cents/100, cents%100)
}
