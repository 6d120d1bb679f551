package api

import (
	"net/http"

	"ms-registration/internal/auth"
	"ms-registration/internal/checkin"
	"ms-registration/internal/models"
	"ms-registration/internal/qrcodec"
	"ms-registration/internal/utils"

	"github.com/go-chi/chi/v5"
)

// checkInRequest is shared by both desks. QRData carries the scanned
// payload; manual entry uses RegistrationID at the online desk and
// ReceiptNumber at the offline desk.
type checkInRequest struct {
	QRData         string                 `json:"qrData"`
	RegistrationID string                 `json:"registrationId"`
	ReceiptNumber  string                 `json:"receiptNumber"`
	Mode           checkin.Mode           `json:"mode"`
	Kind           models.EntitlementKind `json:"kind"`
	TargetID       string                 `json:"targetId"`
	IDVerified     bool                   `json:"idVerified"`
}

func (req checkInRequest) toEngine(desk qrcodec.Domain, operator string) checkin.Request {
	mode := req.Mode
	if mode == "" {
		mode = checkin.ModeQR
	}
	credential := req.QRData
	if mode == checkin.ModeManual {
		credential = req.RegistrationID
		if desk == qrcodec.DomainOffline {
			credential = req.ReceiptNumber
		}
	}
	return checkin.Request{
		Desk:       desk,
		Mode:       mode,
		Credential: credential,
		Target:     models.TargetRef{Kind: req.Kind, ID: req.TargetID},
		Operator:   operator,
		IDVerified: req.IDVerified,
	}
}

func (h *Handler) decodeCheckIn(r *http.Request, desk qrcodec.Domain) (checkin.Request, error) {
	var req checkInRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		return checkin.Request{}, err
	}
	return req.toEngine(desk, auth.UserID(r.Context())), nil
}

func (h *Handler) checkIn(w http.ResponseWriter, r *http.Request, op string, desk qrcodec.Domain) {
	req, err := h.decodeCheckIn(r, desk)
	if err != nil {
		h.fail(w, op, err)
		return
	}
	out, err := h.CheckIn.CheckIn(r.Context(), req)
	if err != nil {
		h.fail(w, op, err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "check-in successful", out)
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request, op string, desk qrcodec.Domain) {
	req, err := h.decodeCheckIn(r, desk)
	if err != nil {
		h.fail(w, op, err)
		return
	}
	out, err := h.CheckIn.Validate(r.Context(), req)
	if err != nil {
		h.fail(w, op, err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "registration is valid", out)
}

func (h *Handler) CheckInOnline(w http.ResponseWriter, r *http.Request) {
	h.checkIn(w, r, "CheckInOnline", qrcodec.DomainOnline)
}

func (h *Handler) CheckInOffline(w http.ResponseWriter, r *http.Request) {
	h.checkIn(w, r, "CheckInOffline", qrcodec.DomainOffline)
}

func (h *Handler) ValidateOnline(w http.ResponseWriter, r *http.Request) {
	h.validate(w, r, "ValidateOnline", qrcodec.DomainOnline)
}

func (h *Handler) ValidateOffline(w http.ResponseWriter, r *http.Request) {
	h.validate(w, r, "ValidateOffline", qrcodec.DomainOffline)
}

func (h *Handler) ListCheckIns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Registrations.Get(r.Context(), id); err != nil {
		h.fail(w, "ListCheckIns", err)
		return
	}
	recs, err := h.CheckIn.Records(r.Context(), id)
	if err != nil {
		h.fail(w, "ListCheckIns", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "", recs)
}
