package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"ms-registration/internal/apperror"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/registration"
)

// WebhookError represents an error that occurred during webhook processing
type WebhookError struct {
	Category      string // "authentication", "configuration", "validation", "processing"
	StatusCode    int
	PublicError   string // Safe to expose to clients
	InternalError string // Detailed error for logs only
	OriginalErr   error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

func (e *WebhookError) Unwrap() error {
	return e.OriginalErr
}

// Registrations is the slice of the registration service reconciliation drives.
type Registrations interface {
	GetByOrderID(ctx context.Context, orderID string) (*models.Registration, error)
	MarkPaid(ctx context.Context, orderID string, conf registration.PaymentConfirmation) (*models.Registration, bool, error)
	MarkFailed(ctx context.Context, orderID string, conf registration.PaymentConfirmation) (*models.Registration, bool, error)
}

// Outcome is the result of one reconciliation. Changed is false when the
// registration was already in its final state.
type Outcome struct {
	Status        models.PaymentStatus `json:"status"`
	GatewayStatus string               `json:"gatewayStatus,omitempty"`
	Changed       bool                 `json:"changed"`
	Registration  *models.Registration `json:"registration"`
}

// Reconciler converges redirect callbacks, webhooks and the sweep on the
// gateway's authoritative order status.
type Reconciler struct {
	Gateway       Gateway
	Registrations Registrations
	Logger        *logger.Logger
	// StatusTimeout bounds every gateway status query and the wait for Lock.
	StatusTimeout time.Duration
	// Lock is optional; without it concurrent callers may each query the
	// gateway, which is safe but wasteful.
	Lock Locker
}

func NewReconciler(gw Gateway, regs Registrations, timeout time.Duration, log *logger.Logger) *Reconciler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reconciler{Gateway: gw, Registrations: regs, StatusTimeout: timeout, Logger: log}
}

func (r *Reconciler) Reconcile(ctx context.Context, orderID string) (*Outcome, error) {
	if orderID == "" {
		return nil, apperror.Validation(apperror.CodeInvalidRequest, "order id is required")
	}

	reg, err := r.Registrations.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if reg.PaymentStatus != models.PaymentPending {
		// Terminal already; nothing the gateway says can move it.
		return &Outcome{Status: reg.PaymentStatus, Registration: reg}, nil
	}

	if r.Lock != nil {
		lctx, cancel := context.WithTimeout(ctx, r.StatusTimeout)
		unlock, err := r.Lock.Lock(lctx, orderID)
		cancel()
		switch {
		case errors.Is(err, ErrLockBusy):
			r.Logger.Warn("PAYMENT", fmt.Sprintf("Reconcile of %s still running elsewhere, returning current state", orderID))
			return r.current(ctx, orderID)
		case err != nil:
			r.Logger.Warn("PAYMENT", fmt.Sprintf("Reconcile lock unavailable for %s, continuing unlocked: %v", orderID, err))
		default:
			defer unlock()
			// the previous holder may have settled it
			if reg, err = r.Registrations.GetByOrderID(ctx, orderID); err != nil {
				return nil, err
			}
			if reg.PaymentStatus != models.PaymentPending {
				return &Outcome{Status: reg.PaymentStatus, Registration: reg}, nil
			}
		}
	}

	qctx, cancel := context.WithTimeout(ctx, r.StatusTimeout)
	status, err := r.Gateway.OrderStatus(qctx, orderID, reg.PaymentDetails.GatewayOrderID)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperror.Gateway(apperror.CodeGatewayUnavailable, err, "payment gateway timed out for %s", orderID)
		}
		if _, ok := apperror.As(err); ok {
			return nil, err
		}
		return nil, apperror.Gateway(apperror.CodeGatewayUnavailable, err, "payment status unavailable for %s", orderID)
	}

	conf := registration.PaymentConfirmation{
		Provider:       r.Gateway.Name(),
		GatewayOrderID: status.GatewayOrderID,
		PaymentID:      status.PaymentID,
		PaymentMethod:  status.PaymentMethod,
		Raw:            status.Raw,
	}

	switch status.Status {
	case StatusPaid:
		if status.Amount > 0 && status.Amount != reg.TotalAmount {
			r.Logger.LogSecurity("AMOUNT_MISMATCH", fmt.Sprintf("order %s charged %d but registration total is %d", orderID, status.Amount, reg.TotalAmount))
			e := apperror.Gateway(apperror.CodeGatewayResponse, nil, "charged amount does not match order %s", orderID)
			e.Retryable = false
			return nil, e
		}
		paid, changed, err := r.Registrations.MarkPaid(ctx, orderID, conf)
		if err != nil {
			return nil, err
		}
		return &Outcome{Status: paid.PaymentStatus, GatewayStatus: status.GatewayStatus, Changed: changed, Registration: paid}, nil

	case StatusPending:
		r.Logger.LogPayment("PENDING", orderID, "gateway reports "+status.GatewayStatus)
		return &Outcome{Status: models.PaymentPending, GatewayStatus: status.GatewayStatus, Registration: reg}, nil

	default:
		failed, changed, err := r.Registrations.MarkFailed(ctx, orderID, conf)
		if err != nil {
			return nil, err
		}
		r.Logger.LogPayment("FAILED", orderID, "gateway reports "+status.GatewayStatus)
		return &Outcome{Status: failed.PaymentStatus, GatewayStatus: status.GatewayStatus, Changed: changed, Registration: failed}, nil
	}
}

func (r *Reconciler) current(ctx context.Context, orderID string) (*Outcome, error) {
	reg, err := r.Registrations.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Status: reg.PaymentStatus, Registration: reg}, nil
}

// HandleRedirect reconciles the order named on the return URL. The status
// parameters the browser carries are only used to check the gateway's
// signature; the outcome always comes from a fresh status query.
func (r *Reconciler) HandleRedirect(ctx context.Context, params url.Values) (*Outcome, error) {
	orderID := params.Get("order_id")
	if orderID == "" {
		return nil, apperror.Validation(apperror.CodeInvalidRequest, "order_id is required")
	}

	if v, ok := r.Gateway.(RedirectVerifier); ok {
		if params.Get("signature") == "" {
			// still reconciled, the status query decides the outcome
			r.Logger.LogSecurity("REDIRECT_UNSIGNED", fmt.Sprintf("order %s returned without a %s signature", orderID, r.Gateway.Name()))
		} else if err := v.VerifyRedirect(params); err != nil {
			r.Logger.LogSecurity("REDIRECT_SIGNATURE", fmt.Sprintf("order %s: %v", orderID, err))
			return nil, err
		}
	}
	return r.Reconcile(ctx, orderID)
}

// HandleWebhook authenticates a gateway notification and reconciles the
// order it names. Unknown orders and events without an order are
// acknowledged so the gateway stops redelivering them.
func (r *Reconciler) HandleWebhook(ctx context.Context, req *http.Request) (*Outcome, error) {
	event, err := r.Gateway.ParseWebhook(req)
	if err != nil {
		var we *WebhookError
		if errors.As(err, &we) && we.Category == "authentication" {
			r.Logger.LogSecurity("WEBHOOK_REJECTED", we.InternalError)
		} else {
			r.Logger.Error("WEBHOOK", err.Error())
		}
		return nil, err
	}

	if event.OrderID == "" {
		r.Logger.Info("WEBHOOK", fmt.Sprintf("Ignoring %s event without order", event.Name))
		return nil, nil
	}
	r.Logger.LogPayment("WEBHOOK", event.OrderID, "received "+event.Name)

	outcome, err := r.Reconcile(ctx, event.OrderID)
	if err != nil {
		if apperror.CodeOf(err) == apperror.CodeNotFound {
			r.Logger.Warn("WEBHOOK", fmt.Sprintf("Webhook for unknown order %s acknowledged", event.OrderID))
			return nil, nil
		}
		return nil, &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Failed to process payment",
			InternalError: fmt.Sprintf("failed to reconcile order %s: %v", event.OrderID, err),
			OriginalErr:   err,
		}
	}
	return outcome, nil
}
