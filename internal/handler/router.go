package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/goalstake-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware движка ставок.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/stakes", h.CreateStake)
			r.Get("/stakes", h.GetStakes)

			r.Route("/stakes/{stakeID}", func(r chi.Router) {
				r.Get("/", h.GetStake)
				r.Get("/ledger", h.GetLedger)
				r.Post("/complete", h.CompleteStake)
				r.Post("/forfeit", h.ForfeitStake)
				r.Post("/withdraw", h.WithdrawStake)
			})
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
