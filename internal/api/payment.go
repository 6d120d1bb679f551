package api

import (
	"errors"
	"fmt"
	"net/http"

	"ms-registration/internal/apperror"
	"ms-registration/internal/auth"
	"ms-registration/internal/models"
	"ms-registration/internal/payment"
	"ms-registration/internal/registration"
	"ms-registration/internal/utils"

	"github.com/go-chi/chi/v5"
)

type initiateRequest struct {
	Name        string              `json:"name"`
	Email       string              `json:"email"`
	Phone       string              `json:"phone"`
	Items       []registration.Item `json:"items"`
	PlatformFee *int64              `json:"platformFee"`
	TotalAmount *int64              `json:"totalAmount"`
}

type initiateResponse struct {
	RegistrationID string `json:"registrationId"`
	OrderID        string `json:"orderId"`
	Amount         int64  `json:"amount"`
	PlatformFee    int64  `json:"platformFee"`
	TotalAmount    int64  `json:"totalAmount"`
	Provider       string `json:"provider"`
	PaymentURL     string `json:"paymentUrl,omitempty"`
	ClientSecret   string `json:"clientSecret,omitempty"`
}

// InitiatePayment opens a pending registration for the caller and a gateway
// session to pay for it. With no items the caller's cart is used.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req initiateRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.fail(w, "InitiatePayment", err)
		return
	}
	name, email := req.Name, req.Email
	if name == "" {
		name = id.Name
	}
	if email == "" {
		email = id.Email
	}

	reg, session, err := h.Checkout.Initiate(r.Context(), registration.NewRegistration{
		AttendeeRef:        id.Subject,
		IdentityProviderID: id.Subject,
		Name:               name,
		Email:              email,
		Phone:              req.Phone,
		Items:              req.Items,
		PlatformFee:        req.PlatformFee,
		TotalAmount:        req.TotalAmount,
	})
	if err != nil {
		h.fail(w, "InitiatePayment", err)
		return
	}

	utils.WriteSuccess(w, http.StatusCreated, "payment initiated", initiateResponse{
		RegistrationID: reg.ID,
		OrderID:        reg.OrderID,
		Amount:         reg.Amount,
		PlatformFee:    reg.PlatformFee,
		TotalAmount:    reg.TotalAmount,
		Provider:       reg.PaymentDetails.Provider,
		PaymentURL:     session.PaymentURL,
		ClientSecret:   session.ClientSecret,
	})
}

// HandlePaymentResponse is where the gateway sends the browser back. The
// status in the query is never trusted; the order is re-queried.
func (h *Handler) HandlePaymentResponse(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.fail(w, "HandlePaymentResponse", apperror.Validation(apperror.CodeInvalidRequest, "invalid form: %v", err))
		return
	}

	out, err := h.Reconciler.HandleRedirect(r.Context(), r.Form)
	if err != nil {
		h.fail(w, "HandlePaymentResponse", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, paymentMessage(out.Status), out)
}

func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	out, err := h.Reconciler.HandleWebhook(r.Context(), r)
	if err != nil {
		var we *payment.WebhookError
		if errors.As(err, &we) {
			if we.StatusCode >= http.StatusInternalServerError {
				h.Logger.Error("PAYMENT", fmt.Sprintf("Webhook %s error: %v", we.Category, we))
			}
			utils.WriteErrorStatus(w, we.StatusCode, we.Category, we.PublicError)
			return
		}
		h.fail(w, "PaymentWebhook", err)
		return
	}
	if out == nil {
		utils.WriteSuccess(w, http.StatusOK, "event acknowledged", nil)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, paymentMessage(out.Status), out)
}

// ReconcileOrder lets an admin force a status check for one order.
func (h *Handler) ReconcileOrder(w http.ResponseWriter, r *http.Request) {
	out, err := h.Reconciler.Reconcile(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, "ReconcileOrder", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, paymentMessage(out.Status), out)
}

func paymentMessage(status models.PaymentStatus) string {
	switch status {
	case models.PaymentCompleted:
		return "payment completed"
	case models.PaymentPending:
		return "payment pending"
	default:
		return "payment " + string(status)
	}
}
