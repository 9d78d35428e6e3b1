package payback

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes returns payback routes. All of them are operator-only.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)

	r.Route("/transactions/{id}", func(r chi.Router) {
		r.Get("/", h.GetTransaction)
		r.Post("/retry", h.Retry)
		r.Post("/refund", h.Refund)
		r.Post("/trigger", h.Trigger)
	})

	r.Route("/inquiry-categories/{id}", func(r chi.Router) {
		r.Post("/book", h.BookCategory)
		r.Post("/bonus", h.BookBonus)
		r.Post("/cancel", h.CancelCategory)
	})

	r.Route("/customers/{id}", func(r chi.Router) {
		r.Post("/sanity-check", h.SanityCheck)
		r.Put("/payback-number", h.UpdatePaybackNumber)
		r.Post("/book-not-rewarded", h.BookNotRewarded)
	})

	return r
}
