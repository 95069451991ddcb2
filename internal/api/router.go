package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	AuthEnabled bool
	Token       string
	// Events, if non-nil, is mounted at GET /api/events behind auth.
	Events http.Handler
	Logger *slog.Logger
}

// NewRouter builds the full HTTP surface: health checks and the /api tree.
func NewRouter(svc NoteService, cfg RouterConfig) chi.Router {
	h := NewHandler(svc, cfg.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)

	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.AuthEnabled, cfg.Token))

		r.Post("/sync", h.Sync)
		r.Post("/emergency-save", h.EmergencySave)

		if cfg.Events != nil {
			r.Get("/events", cfg.Events.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(OwnerMiddleware)

			r.Get("/notes", h.ListNotes)
			r.Post("/notes", h.CreateNote)
			r.Route("/notes/{id}", func(r chi.Router) {
				r.Get("/", h.GetNote)
				r.Put("/", h.UpdateNote)
				r.Delete("/", h.DeleteNote)
				r.Delete("/permanent", h.PermanentlyDeleteNote)
				r.Post("/restore", h.RestoreNote)
				r.Get("/links", h.Links)
				r.Get("/backlinks", h.Backlinks)
			})
			r.Get("/graph", h.Graph)
		})
	})

	return r
}
