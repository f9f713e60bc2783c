package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/telhawk-systems/transferpipe/internal/handlers"
)

// NewRouter constructs a ServeMux with the pipeline API routes registered.
func NewRouter(api *handlers.API) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/ingest", api.Ingest)
	mux.HandleFunc("GET /api/v1/observations", api.Observations)
	mux.HandleFunc("GET /api/v1/summary/daily", api.SummaryDaily)
	mux.HandleFunc("GET /api/v1/summary/daily/{date}/percentile", api.Percentile)
	mux.HandleFunc("GET /api/v1/errors", api.Errors)
	mux.HandleFunc("GET /api/v1/errors/count", api.ErrorsCount)
	mux.HandleFunc("GET /api/v1/signals", api.Signals)

	mux.HandleFunc("/healthz", api.Health)
	mux.HandleFunc("/readyz", api.Ready)

	mux.Handle("/metrics", promhttp.Handler())

	return RequestID(mux)
}
