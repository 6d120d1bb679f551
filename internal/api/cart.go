package api

import (
	"net/http"

	"ms-registration/internal/apperror"
	"ms-registration/internal/auth"
	"ms-registration/internal/cart"
	"ms-registration/internal/models"
	"ms-registration/internal/utils"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	items, err := h.Cart.Items(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "GetCart", apperror.Internal(err, "failed to read cart"))
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "", items)
}

func (h *Handler) AddToCart(w http.ResponseWriter, r *http.Request) {
	var item cart.Item
	if err := utils.DecodeJSON(r, &item); err != nil {
		h.fail(w, "AddToCart", err)
		return
	}
	if !item.Kind.Valid() || item.TargetID == "" {
		h.fail(w, "AddToCart", apperror.Validation(apperror.CodeInvalidRequest, "kind must be event or workshop and targetId is required"))
		return
	}
	if item.Mode != "" && item.Mode != models.ModeIndividual && item.Mode != models.ModeTeam {
		h.fail(w, "AddToCart", apperror.Validation(apperror.CodeInvalidRequest, "unknown registration mode %q", item.Mode))
		return
	}

	attendee := auth.UserID(r.Context())
	if err := h.Cart.Add(r.Context(), attendee, item); err != nil {
		h.fail(w, "AddToCart", apperror.Internal(err, "failed to update cart"))
		return
	}
	h.writeCart(w, r, attendee, http.StatusCreated, "added to cart")
}

func (h *Handler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	ref := models.TargetRef{Kind: models.EntitlementKind(chi.URLParam(r, "kind")), ID: chi.URLParam(r, "targetId")}
	attendee := auth.UserID(r.Context())

	removed, err := h.Cart.Remove(r.Context(), attendee, ref)
	if err != nil {
		h.fail(w, "RemoveFromCart", apperror.Internal(err, "failed to update cart"))
		return
	}
	if !removed {
		h.fail(w, "RemoveFromCart", apperror.NotFound("%s is not in the cart", ref))
		return
	}
	h.writeCart(w, r, attendee, http.StatusOK, "removed from cart")
}

func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	if err := h.Cart.Clear(r.Context(), auth.UserID(r.Context())); err != nil {
		h.fail(w, "ClearCart", apperror.Internal(err, "failed to clear cart"))
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "cart cleared", []cart.Item{})
}

func (h *Handler) writeCart(w http.ResponseWriter, r *http.Request, attendee string, status int, msg string) {
	items, err := h.Cart.Items(r.Context(), attendee)
	if err != nil {
		h.fail(w, "Cart", apperror.Internal(err, "failed to read cart"))
		return
	}
	utils.WriteSuccess(w, status, msg, items)
}
