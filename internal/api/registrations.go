package api

import (
	"fmt"
	"net/http"
	"time"

	"ms-registration/internal/apperror"
	"ms-registration/internal/auth"
	"ms-registration/internal/models"
	"ms-registration/internal/registration"
	"ms-registration/internal/utils"

	"github.com/go-chi/chi/v5"
)

const defaultOrphanAge = 24 * time.Hour

func (h *Handler) ListTargets(w http.ResponseWriter, r *http.Request) {
	kind := models.EntitlementKind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		h.fail(w, "ListTargets", apperror.Validation(apperror.CodeInvalidRequest, "kind must be event or workshop"))
		return
	}
	targets, err := h.Registrations.Targets(r.Context(), kind)
	if err != nil {
		h.fail(w, "ListTargets", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "", targets)
}

func (h *Handler) MyRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := h.Registrations.ListByAttendee(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "MyRegistrations", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "", regs)
}

// ownedRegistration loads the registration named in the path. Attendees only
// see their own; desk staff see every registration.
func (h *Handler) ownedRegistration(r *http.Request) (*models.Registration, error) {
	reg, err := h.Registrations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	id, _ := auth.FromContext(r.Context())
	if reg.AttendeeRef != id.Subject && !h.isStaff(id) {
		h.Logger.LogSecurity("REGISTRATION_ACCESS", fmt.Sprintf("%s denied access to %s", id.Subject, reg.ID))
		return nil, apperror.Unauthorized("registration belongs to another attendee")
	}
	return reg, nil
}

func (h *Handler) GetRegistration(w http.ResponseWriter, r *http.Request) {
	reg, err := h.ownedRegistration(r)
	if err != nil {
		h.fail(w, "GetRegistration", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "", reg)
}

type addItemsRequest struct {
	Items []registration.Item `json:"items"`
}

func (h *Handler) AddItems(w http.ResponseWriter, r *http.Request) {
	reg, err := h.ownedRegistration(r)
	if err != nil {
		h.fail(w, "AddItems", err)
		return
	}
	var req addItemsRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.fail(w, "AddItems", err)
		return
	}

	updated, err := h.Registrations.AddItems(r.Context(), reg.ID, auth.UserID(r.Context()), req.Items)
	if err != nil {
		h.fail(w, "AddItems", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "items added", updated)
}

type offlineRegisterRequest struct {
	AttendeeRef   string              `json:"attendeeRef"`
	Name          string              `json:"name"`
	Email         string              `json:"email"`
	Phone         string              `json:"phone"`
	Items         []registration.Item `json:"items"`
	PlatformFee   *int64              `json:"platformFee"`
	TotalAmount   *int64              `json:"totalAmount"`
	PaymentMethod string              `json:"paymentMethod"`
}

// RegisterOffline records a desk sale paid in person. The coordinator
// taking the payment is stored as the collector.
func (h *Handler) RegisterOffline(w http.ResponseWriter, r *http.Request) {
	var req offlineRegisterRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.fail(w, "RegisterOffline", err)
		return
	}

	reg, err := h.Registrations.CreateOffline(r.Context(), registration.NewOfflineRegistration{
		AttendeeRef:   req.AttendeeRef,
		Name:          req.Name,
		Email:         req.Email,
		Phone:         req.Phone,
		Items:         req.Items,
		PlatformFee:   req.PlatformFee,
		TotalAmount:   req.TotalAmount,
		PaymentMethod: req.PaymentMethod,
		CollectedBy:   auth.UserID(r.Context()),
	})
	if err != nil {
		h.fail(w, "RegisterOffline", err)
		return
	}
	utils.WriteSuccess(w, http.StatusCreated, "offline registration created", reg)
}

type refundRequest struct {
	RefundID string `json:"refundId"`
	Amount   int64  `json:"amount"`
	Reason   string `json:"reason"`
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.fail(w, "Refund", err)
		return
	}

	reg, changed, err := h.Registrations.Refund(r.Context(), chi.URLParam(r, "id"), registration.RefundRequest{
		RefundID: req.RefundID,
		Amount:   req.Amount,
		Reason:   req.Reason,
		Actor:    auth.UserID(r.Context()),
	})
	if err != nil {
		h.fail(w, "Refund", err)
		return
	}
	msg := "registration refunded"
	if !changed {
		msg = "registration already refunded"
	}
	utils.WriteSuccess(w, http.StatusOK, msg, reg)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Registrations.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "History", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "", entries)
}

// CleanupOrphaned deletes unpaid registrations older than ?olderThan
// (a Go duration, default 24h).
func (h *Handler) CleanupOrphaned(w http.ResponseWriter, r *http.Request) {
	age := defaultOrphanAge
	if raw := r.URL.Query().Get("olderThan"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			h.fail(w, "CleanupOrphaned", apperror.Validation(apperror.CodeInvalidRequest, "invalid olderThan %q", raw))
			return
		}
		age = d
	}

	n, err := h.Registrations.CleanupOrphaned(r.Context(), age, auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "CleanupOrphaned", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, fmt.Sprintf("%d orphaned registrations removed", n), map[string]int{"deleted": n})
}
