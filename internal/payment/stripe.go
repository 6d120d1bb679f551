package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"ms-registration/internal/apperror"
	"ms-registration/internal/config"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// intentAPI is the part of the Stripe client the card rail needs.
type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeGateway is the card rail built on PaymentIntents. Amounts are sent in paise.
type StripeGateway struct {
	intents       intentAPI
	webhookSecret string
	currency      string
}

func NewStripeGateway(cfg config.StripeConfig, currency string) *StripeGateway {
	sc := client.New(cfg.SecretKey, nil)
	return newStripeGateway(sc.PaymentIntents, cfg.WebhookSecret, currency)
}

func newStripeGateway(intents intentAPI, webhookSecret, currency string) *StripeGateway {
	if currency == "" {
		currency = "inr"
	}
	return &StripeGateway{intents: intents, webhookSecret: webhookSecret, currency: strings.ToLower(currency)}
}

func (g *StripeGateway) Name() string { return "stripe" }

func stripeStatus(s stripe.PaymentIntentStatus) Status {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusPaid
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresCapture,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresPaymentMethod:
		return StatusPending
	default:
		return StatusFailed
	}
}

func stripeError(err error, action string) error {
	if se, ok := err.(*stripe.Error); ok && se.HTTPStatusCode > 0 && se.HTTPStatusCode < 500 {
		e := apperror.Gateway(apperror.CodeGatewayResponse, err, "stripe rejected %s", action)
		e.Retryable = false
		return e
	}
	return apperror.Gateway(apperror.CodeGatewayUnavailable, err, "stripe unavailable during %s", action)
}

func (g *StripeGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.Amount * 100),
		Currency:    stripe.String(g.currency),
		Description: stripe.String(req.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Customer.Email != "" {
		params.ReceiptEmail = stripe.String(req.Customer.Email)
	}
	params.Context = ctx
	params.SetIdempotencyKey("session-" + req.OrderID)
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("attendee_ref", req.Customer.ID)

	intent, err := g.intents.New(params)
	if err != nil {
		return nil, stripeError(err, "payment intent creation")
	}
	return &Session{GatewayOrderID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

func (g *StripeGateway) OrderStatus(ctx context.Context, orderID, gatewayOrderID string) (*OrderStatus, error) {
	if gatewayOrderID == "" {
		return &OrderStatus{OrderID: orderID, Status: StatusPending, GatewayStatus: "not_initiated"}, nil
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := g.intents.Get(gatewayOrderID, params)
	if err != nil {
		return nil, stripeError(err, "payment intent lookup")
	}
	if owner := intent.Metadata["order_id"]; owner != orderID {
		e := apperror.Gateway(apperror.CodeGatewayResponse, nil, "payment intent %s belongs to order %q, not %q", intent.ID, owner, orderID)
		e.Retryable = false
		return nil, e
	}

	status := &OrderStatus{
		OrderID:        orderID,
		GatewayOrderID: intent.ID,
		Status:         stripeStatus(intent.Status),
		GatewayStatus:  string(intent.Status),
		Amount:         intent.Amount / 100,
		Raw: map[string]any{
			"id":     intent.ID,
			"status": string(intent.Status),
			"amount": intent.Amount,
		},
	}
	if intent.LatestCharge != nil {
		status.PaymentID = intent.LatestCharge.ID
	}
	if len(intent.PaymentMethodTypes) > 0 {
		status.PaymentMethod = intent.PaymentMethodTypes[0]
	}
	return status, nil
}

var stripeOrderEvents = map[stripe.EventType]bool{
	"payment_intent.succeeded":      true,
	"payment_intent.payment_failed": true,
	"payment_intent.canceled":       true,
	"payment_intent.processing":     true,
}

func (g *StripeGateway) ParseWebhook(r *http.Request) (*WebhookEvent, error) {
	if g.webhookSecret == "" {
		return nil, &WebhookError{
			Category:      "configuration",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Webhook processing error",
			InternalError: "stripe webhook secret is not configured",
		}
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook payload",
			InternalError: fmt.Sprintf("failed to read webhook payload: %v", err),
			OriginalErr:   err,
		}
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, &WebhookError{
			Category:      "authentication",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Webhook signature verification failed",
			InternalError: fmt.Sprintf("stripe signature verification failed: %v", err),
			OriginalErr:   err,
		}
	}

	out := &WebhookEvent{Name: string(event.Type)}
	if !stripeOrderEvents[event.Type] {
		return out, nil
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid event data",
			InternalError: fmt.Sprintf("failed to unmarshal payment intent: %v", err),
			OriginalErr:   err,
		}
	}
	out.OrderID = intent.Metadata["order_id"]
	out.GatewayOrderID = intent.ID
	return out, nil
}
