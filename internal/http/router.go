package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mira/mira-back/internal/http/handlers"
	"github.com/mira/mira-back/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter builds the HTTP surface. ctx bounds background work owned by
// the middleware chain.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Trace)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: deps.CORSOrigins}))
	r.Use(middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst))
	r.Use(middleware.Auth(deps.AuthToken))

	r.Get("/healthz", deps.API.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/notes", deps.API.CreateNote)
		r.Get("/notes/{noteID}", deps.API.GetNote)
		r.Get("/notes/{noteID}/events", deps.API.NoteEvents)
		r.Get("/events", deps.API.Events)
		r.Get("/jobs/{jobID}", deps.API.JobStatus)
		r.Get("/queue/stats", deps.API.QueueStats)
		r.Get("/queue/failed", deps.API.FailedJobs)
	})

	return r
}
