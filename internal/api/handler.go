// Package api exposes the registration, payment and check-in flows over HTTP.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ms-registration/internal/apperror"
	"ms-registration/internal/auth"
	"ms-registration/internal/cart"
	"ms-registration/internal/checkin"
	"ms-registration/internal/logger"
	"ms-registration/internal/payment"
	"ms-registration/internal/registration"
	"ms-registration/internal/sse"
	"ms-registration/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Roles struct {
	Coordinator string
	Admin       string
}

type Handler struct {
	Registrations *registration.Service
	Checkout      *payment.Checkout
	Reconciler    *payment.Reconciler
	CheckIn       *checkin.Engine
	Cart          *cart.Cart
	Feed          *sse.Feed
	Logger        *logger.Logger
	Roles         Roles
}

// NewRouter wires every route. Gateway callbacks are public and carry their
// own authentication; everything else needs a bearer token.
func NewRouter(h *Handler, v auth.Verifier, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	authn := auth.Middleware(v, h.Logger)
	desk := auth.RequireRole(h.Logger, h.Roles.Coordinator, h.Roles.Admin)
	admin := auth.RequireRole(h.Logger, h.Roles.Admin)

	r.Get("/health", h.Health)
	r.Get("/targets", h.ListTargets)

	r.Route("/payment", func(r chi.Router) {
		r.Get("/handleResponse", h.HandlePaymentResponse)
		r.Post("/handleResponse", h.HandlePaymentResponse)
		r.Post("/webhook", h.PaymentWebhook)
		r.With(authn).Post("/initiate", h.InitiatePayment)
	})

	r.Group(func(r chi.Router) {
		r.Use(authn)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.GetCart)
			r.Post("/", h.AddToCart)
			r.Delete("/", h.ClearCart)
			r.Delete("/{kind}/{targetId}", h.RemoveFromCart)
		})

		r.Get("/registrations/me", h.MyRegistrations)
		r.Get("/registrations/{id}", h.GetRegistration)

		r.Group(func(r chi.Router) {
			r.Use(desk)
			r.Post("/validate-registration", h.ValidateOnline)
			r.Post("/check-in", h.CheckInOnline)
			r.Get("/registrations/{id}/check-ins", h.ListCheckIns)
			// add-ons are paid for at the desk
			r.Post("/registrations/{id}/items", h.AddItems)
			r.Get("/check-ins/stream", h.StreamCheckIns)
			r.Route("/offline", func(r chi.Router) {
				r.Post("/register", h.RegisterOffline)
				r.Post("/check-in", h.CheckInOffline)
				r.Post("/validate", h.ValidateOffline)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(admin)
			r.Post("/registrations/{id}/refund", h.Refund)
			r.Get("/registrations/{id}/history", h.History)
			r.Delete("/registrations/orphaned", h.CleanupOrphaned)
			r.Post("/payment/reconcile/{orderId}", h.ReconcileOrder)
		})
	})

	return r
}

// RequestLogger logs one API line per request with the final status.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.LogAPI(r.Method, r.URL.Path, strconv.Itoa(status), time.Since(start).Round(time.Microsecond).String())
		})
	}
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	utils.WriteSuccess(w, http.StatusOK, "ok", nil)
}

// fail writes err and logs it; client errors at WARN, the rest at ERROR.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := apperror.StatusOf(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
	} else {
		h.Logger.Warn("API", fmt.Sprintf("%s: %v", op, err))
	}
	utils.WriteError(w, err)
}

func (h *Handler) isStaff(id *auth.Identity) bool {
	return id.HasRole(h.Roles.Coordinator, h.Roles.Admin)
}
