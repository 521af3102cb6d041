package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/copyleftdev/smbo/internal/config"
	apperrors "github.com/copyleftdev/smbo/internal/errors"
	"github.com/copyleftdev/smbo/internal/logging"
	"github.com/copyleftdev/smbo/internal/metrics"
	"github.com/copyleftdev/smbo/internal/server"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "smbo-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LoggingConfig())
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	serviceLogger := logger.WithFields(map[string]interface{}{
		"service": "smbo-server",
		"version": version,
	})

	srv := server.NewServer(cfg, serviceLogger, server.WithMetrics(metrics.New(prometheus.DefaultRegisterer)))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      newRouter(cfg, serviceLogger, srv),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serviceLogger.Info("Starting server", map[string]interface{}{
			"address":     httpServer.Addr,
			"environment": cfg.Environment,
		})
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	serviceLogger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// Runs are cancelled first so their streams close and partial traces flush
	if err := srv.Close(); err != nil {
		serviceLogger.Error("Failed to stop optimizations", map[string]interface{}{"error": err.Error()})
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	serviceLogger.Info("Server stopped")
	return nil
}

func newRouter(cfg *config.Config, logger *logging.Logger, srv *server.Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(logger))
	r.Use(apperrors.RecoveryMiddleware(logger))
	r.Use(apperrors.ErrorHandler(logger))
	r.Use(timeoutExceptStreams(cfg.HTTP.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	srv.RegisterRoutes(r)
	return r
}

// timeoutExceptStreams bounds ordinary requests. Websocket progress streams
// live as long as their run and are left alone.
func timeoutExceptStreams(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		timed := middleware.Timeout(d)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			timed.ServeHTTP(w, r)
		})
	}
}
