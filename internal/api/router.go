package api

import (
	"fmt"
	"net/http"
	"time"

	"ms-booking/internal/auth"
	"ms-booking/internal/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type RouterConfig struct {
	CORSOrigins []string
	Verifiers   []auth.Verifier
	// Webhook is mounted only when set.
	Webhook http.Handler
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	if cfg.Webhook != nil {
		r.Method(http.MethodPost, "/api/webhooks/stripe", cfg.Webhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Verifiers...))

		r.Route("/api/reservations", func(r chi.Router) {
			r.Post("/", h.CreateReservation)
			r.Get("/{id}", h.GetReservation)
			r.Post("/{id}/authorize/{role}", h.Authorize)
			r.Post("/{id}/commit", h.Commit)
		})

		r.Route("/api/notifications", func(r chi.Router) {
			r.Post("/recipient", h.DispatchToRecipient)
			r.Post("/user", h.DispatchToUser)
			r.Get("/redrive", h.ListRedrivable)
			r.Get("/preferences/{userId}", h.GetPreferences)
			r.Put("/preferences/{userId}", h.SavePreferences)
		})
	})

	return r
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.LogAPI(r.Method, r.URL.Path, fmt.Sprint(ww.Status()), time.Since(start).String())
		})
	}
}
