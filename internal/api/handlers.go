package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"quantlab/internal/domain"
	"quantlab/internal/events"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// RegisterRoutes registers all HTTP routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/backtests", s.handleBacktest)
	mux.HandleFunc("POST /api/optimizations", s.handleOptimize)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/trades", s.handleRunTrades)
	mux.HandleFunc("GET /api/runs/{id}/equity", s.handleRunEquity)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/resume", s.handleResumeTask)
	mux.HandleFunc("GET /api/strategies", s.handleStrategies)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", s.telemetry.Handler())
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// httpStatus maps engine errors onto response codes.
func httpStatus(err error) int {
	switch {
	case domain.IsClientError(err):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// handleBacktest runs a backtest and returns the report, or streams the
// run's events as server-sent events when the client accepts
// text/event-stream.
func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req domain.BacktestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if wantsEventStream(r) {
		s.streamBacktest(w, r, req)
		return
	}
	rep, err := s.engine.RunBacktest(r.Context(), req, nil)
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	writeJSON(w, rep)
}

// streamBacktest writes one SSE message per run event, named by the event
// type, followed by a final "result" message carrying the report. Request
// errors detected before the run starts are returned as plain JSON errors.
func (s *Server) streamBacktest(w http.ResponseWriter, r *http.Request, req domain.BacktestRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "stream unsupported")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	run := s.startStream(ctx, req)
	first, ok := <-run.events
	if !ok {
		rep, err := run.wait()
		if err != nil {
			writeError(w, httpStatus(err), err.Error())
			return
		}
		writeJSON(w, rep)
		return
	}

	done := s.telemetry.StreamOpened()
	defer done()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(name string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(string(first.Type), first); err != nil {
		return
	}
	for e := range run.events {
		if err := send(string(e.Type), e); err != nil {
			s.log.Debug("event stream closed", "error", err)
			return
		}
	}
	rep, err := run.wait()
	if err != nil {
		send(string(events.Error), events.Event{Type: events.Error, Message: err.Error()})
		return
	}
	send("result", rep)
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req domain.OptimizationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rep, err := s.engine.Optimize(r.Context(), req)
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	writeJSON(w, rep)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	writeJSON(w, run)
}

func (s *Server) handleRunTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.engine.ListTrades(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, trades)
}

func (s *Server) handleRunEquity(w http.ResponseWriter, r *http.Request) {
	curve, err := s.engine.ListEquity(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	if curve == nil {
		curve = []domain.EquityPoint{}
	}
	writeJSON(w, curve)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = n
	}
	tasks, err := s.engine.ListTasks(r.Context(), limit)
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	if tasks == nil {
		writeJSON(w, []any{})
		return
	}
	writeJSON(w, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	writeJSON(w, task)
}

// handleResumeTask continues an interrupted backtest task from its latest
// checkpoint.
func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.Resume(r.Context(), r.PathValue("id"), nil)
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	writeJSON(w, rep)
}

func (s *Server) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.engine.Strategies())
}
