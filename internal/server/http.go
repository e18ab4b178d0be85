package server

import (
	"TangleRecon/internal/core"
	"TangleRecon/internal/ingestion"
	"TangleRecon/internal/observability"
	"TangleRecon/internal/query"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// AuctionFinalizer closes one auction outside the ledger flow.
type AuctionFinalizer interface {
	FinalizeAuction(ctx context.Context, auctionID string) (*core.Outcome, error)
}

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Query         *query.QueryService
	Reconciler    ingestion.Reconciler
	Finalizer     AuctionFinalizer
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// Server is the HTTP API: health, read endpoints and admin injection.
type Server struct {
	httpServer *http.Server
	addr       string
	logger     zerolog.Logger
}

func NewServer(addr string, deps *Deps) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(deps),
			ReadHeaderTimeout: 10 * time.Second,
		},
		addr:   addr,
		logger: deps.Logger,
	}
}

// NewRouter builds the chi router. Exposed for tests.
func NewRouter(deps *Deps) http.Handler {
	h := &handler{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Logger, deps.Metrics))

	if deps.HealthChecker != nil {
		r.Get("/healthz", deps.HealthChecker.LivenessHandler)
		r.Get("/readyz", deps.HealthChecker.ReadinessHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/orders/{orderId}", h.getOrder)
		r.Get("/orders/{orderId}/transactions", h.getOrderTransactions)
		r.Get("/transactions/{transactionId}", h.getTransaction)
		r.Get("/ledger-transactions/{network}/{transactionId}", h.getLedgerTransaction)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/ledger-transactions", h.injectLedgerTransaction)
			r.Post("/auctions/{auctionId}/finalize", h.finalizeAuction)
			r.Get("/outcomes", h.recentOutcomes)
		})
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// requestLogger logs each request and counts it by route pattern and status.
func requestLogger(logger zerolog.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if metrics != nil {
				metrics.HTTPRequests.WithLabelValues(route, fmt.Sprint(status)).Inc()
			}
			logger.Debug().
				Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
