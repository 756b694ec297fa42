// Package admin serves the relay's HTTP admin API.
package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Options configures NewRouter
type Options struct {
	Secret string
	// Metrics is mounted at /metrics when set
	Metrics http.Handler
}

// NewRouter builds the admin routes. Health and metrics stay open; stream endpoints
// require the admin secret when one is configured.
func NewRouter(handlers *Handlers, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handlers.handleHealth)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/streams", func(r chi.Router) {
		r.Use(AuthMiddleware(opts.Secret))
		r.Get("/", handlers.handleListStreams)
		r.Get("/{clientID}", handlers.handleGetStream)
		r.Delete("/{clientID}", handlers.handleDeleteStream)
	})

	log.Info().
		Bool("metrics", opts.Metrics != nil).
		Bool("auth", opts.Secret != "").
		Msg("Admin endpoints enabled at /health and /streams")
	return r
}
