// Package api serves the HTTP intake and read API for screening batches.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/mof-screen/internal/intake"
	"github.com/sells-group/mof-screen/internal/model"
	"github.com/sells-group/mof-screen/internal/store"
)

// Intake creates batches.
type Intake interface {
	CreateBatch(ctx context.Context, req intake.Request) (*model.Batch, error)
}

// Deps are the router's collaborators.
type Deps struct {
	Store          store.Store
	Intake         Intake
	AllowedOrigins []string
}

// NewRouter builds the API routes.
func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	health := &healthHandler{store: deps.Store}
	r.Get("/health", health.Health)

	batches := &batchHandler{store: deps.Store, intake: deps.Intake}
	r.Route("/api/v1/batches", func(r chi.Router) {
		r.Get("/", batches.List)
		r.Post("/", batches.Create)
		r.Get("/{batchID}", batches.Get)
	})

	return r
}

// requestLogger logs one line per request through the global zap logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}
