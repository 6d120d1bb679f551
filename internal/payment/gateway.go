// Package payment talks to the payment rails and reconciles what they report
// with the registration state machine.
package payment

import (
	"context"
	"net/http"
	"net/url"
)

// Status is the gateway-neutral outcome of an order.
type Status string

const (
	StatusPaid    Status = "paid"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

type Customer struct {
	ID    string
	Name  string
	Email string
	Phone string
}

type SessionRequest struct {
	OrderID     string
	Amount      int64
	Currency    string
	Description string
	Customer    Customer
}

// Session is what the client needs to complete checkout on the gateway side.
type Session struct {
	GatewayOrderID string         `json:"gatewayOrderId"`
	PaymentURL     string         `json:"paymentUrl,omitempty"`
	ClientSecret   string         `json:"clientSecret,omitempty"`
	Raw            map[string]any `json:"-"`
}

// OrderStatus is the gateway's authoritative view of one order.
type OrderStatus struct {
	OrderID        string
	GatewayOrderID string
	Status         Status
	GatewayStatus  string
	PaymentID      string
	PaymentMethod  string
	// Amount in rupees; zero when the gateway did not report one.
	Amount int64
	Raw    map[string]any
}

// WebhookEvent is an authenticated notification. An empty OrderID means the
// event carries nothing to reconcile.
type WebhookEvent struct {
	Name           string
	OrderID        string
	GatewayOrderID string
}

type Gateway interface {
	Name() string
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	OrderStatus(ctx context.Context, orderID, gatewayOrderID string) (*OrderStatus, error)
	ParseWebhook(r *http.Request) (*WebhookEvent, error)
}

// RedirectVerifier is implemented by gateways that sign the parameters they
// append to the return URL.
type RedirectVerifier interface {
	VerifyRedirect(params url.Values) error
}
