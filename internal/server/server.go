package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lazypower/companion/internal/engine"
	"github.com/lazypower/companion/internal/logging"
)

// Server is the companion HTTP API server.
type Server struct {
	engine   *engine.Engine
	gatherer prometheus.Gatherer
	log      *zap.Logger
	router   chi.Router
	version  string
	started  time.Time
}

// New creates a Server over a built engine. gatherer may be nil, in which
// case /metrics is not mounted.
func New(eng *engine.Engine, gatherer prometheus.Gatherer, version string, log *zap.Logger) *Server {
	s := &Server{
		engine:   eng,
		gatherer: gatherer,
		log:      logging.OrNop(log).Named("http"),
		version:  version,
		started:  time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/threads", s.handleThreads)
		r.Get("/context", s.handleGetContext)

		r.Get("/tempfacts", s.handleListTempFacts)
		r.Post("/tempfacts", s.handleSubmitTempFact)
		r.Post("/tempfacts/{id}/approve", s.handleApprove)
		r.Post("/tempfacts/{id}/reject", s.handleReject)
		r.Post("/consolidate", s.handleConsolidate)

		r.Get("/concepts", s.handleConcepts)
		r.Get("/activation", s.handleActivation)

		r.Post("/events", s.handleAppendEvent)
		r.Post("/reflexes/{trigger}/fire", s.handleFireReflex)
		r.Post("/tasks/{name}/run", s.handleRunTask)
	})

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	db := s.engine.DB
	dbOK := db.PingContext(ctx) == nil

	body := map[string]any{
		"status":    "ok",
		"version":   s.version,
		"uptime":    time.Since(s.started).Seconds(),
		"db":        dbOK,
		"db_path":   db.Path,
		"scheduler": s.engine.Scheduler.Stats(),
	}
	if v, err := db.SchemaVersion(); err == nil {
		body["schema_version"] = v
	}
	if counts, err := db.CountFacts(ctx); err == nil {
		body["facts"] = counts
	}
	if counts, err := db.CountTempFacts(ctx); err == nil {
		body["tempfacts"] = counts
	}
	if !dbOK {
		body["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
