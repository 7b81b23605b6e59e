package main

import (
	"encoding/json"
	"net/http"

	"goa.design/clue/health"

	"github.com/DS-codi/project-memory/runtime/lifecycle"
	"github.com/DS-codi/project-memory/runtime/spawn"
)

type statusResponse struct {
	Lanes    []spawn.Lane      `json:"lanes"`
	Sessions []lifecycle.Entry `json:"sessions"`
}

// newMux serves /healthz backed by the store pingers and /status with a
// snapshot of occupied lanes and live sessions.
func newMux(pingers []health.Pinger, lanes *spawn.Registry, sessions *lifecycle.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		resp := statusResponse{Lanes: lanes.List(), Sessions: sessions.ListActive()}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}
