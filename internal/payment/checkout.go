package payment

import (
	"context"
	"fmt"

	"ms-registration/internal/cart"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/registration"
)

type CartReader interface {
	Items(ctx context.Context, attendee string) ([]cart.Item, error)
}

type CheckoutRegistrations interface {
	Create(ctx context.Context, in registration.NewRegistration) (*models.Registration, error)
	MarkInitiated(ctx context.Context, id, provider, gatewayOrderID string) (*models.Registration, error)
	MarkCancelled(ctx context.Context, id, actor string) (*models.Registration, bool, error)
}

// Checkout opens a pending registration and a gateway session for it.
type Checkout struct {
	Registrations CheckoutRegistrations
	Gateway       Gateway
	Cart          CartReader
	Currency      string
	Logger        *logger.Logger
}

func NewCheckout(regs CheckoutRegistrations, gw Gateway, c CartReader, currency string, log *logger.Logger) *Checkout {
	return &Checkout{Registrations: regs, Gateway: gw, Cart: c, Currency: currency, Logger: log}
}

// Initiate falls back to the attendee's cart when the request names no items.
func (c *Checkout) Initiate(ctx context.Context, in registration.NewRegistration) (*models.Registration, *Session, error) {
	if len(in.Items) == 0 && c.Cart != nil && in.AttendeeRef != "" {
		items, err := c.Cart.Items(ctx, in.AttendeeRef)
		if err != nil {
			return nil, nil, err
		}
		for _, it := range items {
			in.Items = append(in.Items, registration.Item{Kind: it.Kind, TargetID: it.TargetID, Mode: it.Mode})
		}
	}
	in.Provider = c.Gateway.Name()

	reg, err := c.Registrations.Create(ctx, in)
	if err != nil {
		return nil, nil, err
	}

	session, err := c.Gateway.CreateSession(ctx, SessionRequest{
		OrderID:     reg.OrderID,
		Amount:      reg.TotalAmount,
		Currency:    c.Currency,
		Description: fmt.Sprintf("Fest registration %s (%d items)", reg.OrderID, len(reg.Entitlements)),
		Customer: Customer{
			ID:    reg.AttendeeRef,
			Name:  reg.AttendeeName,
			Email: reg.AttendeeEmail,
			Phone: reg.AttendeePhone,
		},
	})
	if err != nil {
		c.Logger.LogPayment("SESSION_FAILED", reg.OrderID, err.Error())
		if _, _, cerr := c.Registrations.MarkCancelled(ctx, reg.ID, "system:checkout"); cerr != nil {
			c.Logger.Warn("PAYMENT", fmt.Sprintf("Failed to cancel registration %s after session failure: %v", reg.ID, cerr))
		}
		return nil, nil, err
	}

	reg, err = c.Registrations.MarkInitiated(ctx, reg.ID, c.Gateway.Name(), session.GatewayOrderID)
	if err != nil {
		return nil, nil, err
	}
	c.Logger.LogPayment("SESSION_CREATED", reg.OrderID, fmt.Sprintf("gateway=%s gateway_order=%s total=%d", c.Gateway.Name(), session.GatewayOrderID, reg.TotalAmount))
	return reg, session, nil
}
