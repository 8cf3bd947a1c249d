package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/virtualsim/activation-backend/internal/infrastructure/config"
	"github.com/virtualsim/activation-backend/internal/metrics"
)

// Server is the HTTP front of the service.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

func NewServer(cfg config.ServerConfig, handlers *Handlers, logger *slog.Logger, reg *metrics.Registry) *Server {
	mux := http.NewServeMux()

	// Activations
	mux.HandleFunc("POST /api/v1/activations", handlers.createActivation)
	mux.HandleFunc("GET /api/v1/activations/{id}", handlers.getActivation)
	mux.HandleFunc("GET /api/v1/activations/{id}/messages", handlers.listActivationMessages)
	mux.HandleFunc("POST /api/v1/activations/{id}/complete", handlers.completeActivation)
	mux.HandleFunc("POST /api/v1/activations/{id}/cancel", handlers.cancelActivation)
	mux.HandleFunc("GET /api/v1/users/{userID}/activations", handlers.listUserActivations)

	// Wallets
	mux.HandleFunc("POST /api/v1/wallets/deposit", handlers.deposit)
	mux.HandleFunc("GET /api/v1/users/{userID}/wallet", handlers.getWallet)
	mux.HandleFunc("GET /api/v1/users/{userID}/wallet/verify", handlers.verifyWallet)

	// Providers
	mux.HandleFunc("POST /api/v1/providers", handlers.createProvider)
	mux.HandleFunc("GET /api/v1/providers", handlers.listProviders)
	mux.HandleFunc("PUT /api/v1/providers/{id}/active", handlers.setProviderActive)
	mux.HandleFunc("POST /api/v1/providers/{id}/refresh", handlers.refreshProviderCatalog)
	mux.HandleFunc("POST /api/v1/providers/{id}/dispatch", handlers.dispatchProvider)

	// Operational surface
	mux.HandleFunc("GET /healthz", handlers.healthz)
	mux.HandleFunc("GET /readyz", handlers.readyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := chain(mux,
		requestIDMiddleware,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
		metricsMiddleware(reg),
	)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  2 * time.Minute,
		},
		logger: logger,
	}
}

// Start blocks serving requests until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
