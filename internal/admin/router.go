// Package admin serves the operational endpoints of a running LLM.
package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service is what the admin endpoints report on.
type Service interface {
	Ready() bool
	Gatherer() prometheus.Gatherer
}

// NewRouter registers /healthz, /readyz and /metrics.
func NewRouter(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	})

	r.Get("/metrics", promhttp.HandlerFor(svc.Gatherer(), promhttp.HandlerOpts{}).ServeHTTP)

	return r
}
