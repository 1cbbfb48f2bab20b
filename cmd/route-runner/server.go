package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"data-router/internal/circuitbreaker"
	"data-router/internal/common/logging"
	"data-router/internal/record"
)

// newOpsRouter serves /metrics and /health for the lifetime of a run
func newOpsRouter(gatherer prometheus.Gatherer, breakers *circuitbreaker.Manager) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler(breakers)).Methods(http.MethodGet)
	return router
}

func healthHandler(breakers *circuitbreaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states := map[string]string{}
		if breakers != nil {
			for name, state := range breakers.States() {
				states[name] = state.String()
			}
		}

		health := map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"breakers":  states,
		}

		w.Header().Set("Content-Type", "application/json")
		_ = record.Encode(w, health)
	}
}

// startOpsServer listens on addr in the background. The returned function
// shuts it down.
func startOpsServer(addr string, handler http.Handler, logger logging.Logger) func() {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Metrics server listening", logging.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Metrics server forced to shutdown", logging.Err(err))
		}
	}
}
