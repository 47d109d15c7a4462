package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luciancaetano/kephasgate"
)

type healthResponse struct {
	State     kephasgate.State `json:"state"`
	SessionID string           `json:"session_id,omitempty"`
	Sequence  int64            `json:"sequence"`
	Shard     string           `json:"shard,omitempty"`
}

// opsRouter serves /metrics from gatherer and /healthz from gw. /healthz
// answers 503 unless the gateway is connected.
func opsRouter(gw kephasgate.Gateway, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		sess := gw.Session()
		resp := healthResponse{
			State:     gw.State(),
			SessionID: sess.ID,
			Sequence:  sess.Sequence,
		}
		if sess.Shard != nil {
			resp.Shard = sess.Shard.String()
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.State != kephasgate.StateConnected {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	})
	return r
}
