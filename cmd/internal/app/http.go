package app

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"

	"convindex/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type routes struct {
	log     Logger
	hub     *realtime.Hub
	ws      *realtime.WSGateway
	gather  prometheus.Gatherer
	metrics bool
	ready   *atomic.Bool
}

func registerHTTP(mux *http.ServeMux, rt routes) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if rt.ready != nil && !rt.ready.Load() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.metrics && rt.gather != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(rt.gather, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /v1/snapshot", rt.snapshot)
	mux.HandleFunc("/ws", rt.ws.HandleWS)
}

// snapshot serves the current state of one project as JSON.
func (rt routes) snapshot(w http.ResponseWriter, r *http.Request) {
	project := strings.TrimSpace(r.URL.Query().Get("project"))
	if project == "" {
		http.Error(w, "project is required", http.StatusBadRequest)
		return
	}

	p, ok := rt.hub.Project(project)
	if !ok {
		http.Error(w, "unknown project", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(realtime.StateToWire(p.Engine.Snapshot())); err != nil {
		rt.log.Warn("http.snapshot.encode_failed", "project", project, "err", err)
	}
}
