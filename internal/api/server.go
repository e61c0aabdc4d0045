// Package api serves the engine over HTTP: JSON endpoints mirroring the
// engine's operations, a WebSocket stream of bus events, call history and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/roomcall/internal/callerr"
	"github.com/petervdpas/roomcall/internal/engine"
	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/history"
	"github.com/petervdpas/roomcall/internal/util"
)

var log = logging.Logger("api")

type Options struct {
	// History may be nil; the history endpoint then answers 404.
	History *history.DB
	Metrics bool
	// EventBuffer recent events are replayed to new stream clients.
	EventBuffer int
}

type Server struct {
	eng    *engine.Engine
	hist   *history.DB
	recent *util.RingBuffer[events.Event]
	mux    *http.ServeMux
	stop   func()
}

func New(eng *engine.Engine, opts Options) *Server {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 100
	}
	s := &Server{
		eng:    eng,
		hist:   opts.History,
		recent: util.NewRingBuffer[events.Event](opts.EventBuffer),
		mux:    http.NewServeMux(),
	}

	ch, cancel := eng.Bus().Subscribe()
	s.stop = cancel
	go func() {
		for e := range ch {
			s.recent.Push(e)
		}
	}()

	registerCalls(s.mux, eng)
	registerGroups(s.mux, eng)
	registerICE(s.mux, eng)
	handleGet(s.mux, "/api/calls/history", s.history)
	s.mux.HandleFunc("/api/events", s.events)
	if opts.Metrics {
		s.mux.Handle("/metrics", promhttp.Handler())
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Close stops feeding the replay buffer.
func (s *Server) Close() { s.stop() }

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	log.Infof("API listening on http://%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit := atoiOrNeg(r.URL.Query().Get("limit"))
	entries, err := s.hist.Recent(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := callerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Warnf("request failed: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(callerr.CodeOf(err)),
	})
}

// decodeJSON reads the request body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return err
	}
	return nil
}

func handleGet(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

func atoiOrNeg(s string) int {
	if s == "" {
		return 0
	}
	n := 0
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return -1
		}
		n = n*10 + int(ch-'0')
	}
	return n
}
