package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"sentrymesh/internal/api"
	"sentrymesh/internal/metrics"
)

// handleHTTPServer configures and starts the optional HTTP server exposing
// the Query API, the WebSocket bridge, and Prometheus metrics, following
// cmd/orbo/http.go's server-goroutine/graceful-shutdown idiom (minus the
// goa-generated transport layer, which has no SPEC_FULL.md component here).
func handleHTTPServer(ctx context.Context, addr string, query *api.Query, wsHub *api.WSHub, collector *metrics.Collector, wg *sync.WaitGroup, errc chan error, logger *log.Logger) {
	mux := http.NewServeMux()

	if wsHub != nil {
		mux.Handle("/ws", wsHub)
	}
	if collector != nil {
		mux.Handle("/metrics", collector.Handler())
	}

	mux.HandleFunc("GET /count_in_room", func(w http.ResponseWriter, r *http.Request) {
		cameraIDs := r.URL.Query()["camera_id"]
		writeJSON(w, map[string]int{"count": query.CountInRoom(cameraIDs...)})
	})

	mux.HandleFunc("GET /persons", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, query.ListActive())
	})

	mux.HandleFunc("GET /persons/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid global_id", http.StatusBadRequest)
			return
		}
		p := query.GetByGlobalID(id)
		if p == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, p)
	})

	mux.HandleFunc("POST /persons/{id}/name", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid global_id", http.StatusBadRequest)
			return
		}
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := query.SetName(r.Context(), id, body.Name); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			logger.Printf("HTTP server listening on %q", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", addr)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("failed to shutdown HTTP server: %v", err)
		}
	}()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
