package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/coserbot-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса coserbot.
func (h *Handler) SetupRouter(sign *custommiddleware.SignatureMiddleware) *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(sign.Middleware)

		r.Post("/users", h.EnsureUser)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/records", h.GetRecords)
			r.Post("/checkin", h.Checkin)
			r.Post("/points", h.AddPoints)
		})

		r.Route("/verification", func(r chi.Router) {
			r.Post("/issue", h.IssueVerification)
			r.Post("/validate", h.ValidateVerification)
		})

		r.Route("/transfers", func(r chi.Router) {
			r.Get("/eligibility", h.GetTransferEligibility)
			r.Post("/", h.InitiateTransfer)
			r.Post("/confirm", h.ConfirmTransfer)
			r.Post("/cancel", h.CancelTransfer)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
