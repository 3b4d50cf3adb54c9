package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/veritas-orchestrator/internal/engine"
	"github.com/xela07ax/veritas-orchestrator/internal/server/handler"
)

type Server struct {
	router   *chi.Mux
	logger   *zap.Logger
	gatherer prometheus.Gatherer

	verifyHandler    *handler.VerifyHandler    // /api/multimodal/verify
	challengeHandler *handler.ChallengeHandler // /api/challenge/start
	healthHandler    *handler.HealthHandler    // /health
}

// NewServer собирает роутер оркестратора. gatherer может быть nil: тогда /metrics не публикуется.
func NewServer(
	logger *zap.Logger,
	gatherer prometheus.Gatherer,
	verifyH *handler.VerifyHandler,
	challengeH *handler.ChallengeHandler,
	healthH *handler.HealthHandler,
) *Server {
	s := &Server{
		router:           chi.NewRouter(),
		logger:           logger.Named("api"),
		gatherer:         gatherer,
		verifyHandler:    verifyH,
		challengeHandler: challengeH,
		healthHandler:    healthH,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(engine.RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. Служебные роуты ---
	r.Get("/health", s.healthHandler.Health)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// --- 3. API ---
	r.Route("/api", func(r chi.Router) {
		r.Post("/multimodal/verify", s.verifyHandler.Verify)
		r.Post("/challenge/start", s.challengeHandler.Start)
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
