// Package api exposes the control plane over HTTP: run lifecycle, the live
// event stream (SSE and WebSocket), and trace metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/runplaneHQ/runplane-go/bus"
	"github.com/runplaneHQ/runplane-go/observe/trace"
	"github.com/runplaneHQ/runplane-go/runner"
	"github.com/runplaneHQ/runplane-go/state"
	"github.com/runplaneHQ/runplane-go/suspend"
	"github.com/runplaneHQ/runplane-go/types"
)

type Config struct {
	Addr       string
	Store      state.Store
	Bus        *bus.Bus
	Controller *runner.Controller
	TraceStore trace.Store
}

type Server struct {
	cfg     Config
	mux     *http.ServeMux
	handler http.Handler
	http    *http.Server
	once    sync.Once
}

func NewServer(cfg Config) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	s := &Server{
		cfg: cfg,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()
	s.handler = otelhttp.NewHandler(s.mux, "runplane.api")
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.handler}
	return s
}

func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server is nil")
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			log.Printf("api: shutdown error: %v", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var outErr error
	s.once.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		outErr = s.http.Shutdown(shutdownCtx)
	})
	return outErr
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/v1/runs", s.handleRuns)
	s.mux.HandleFunc("/api/v1/runs/", s.handleRunSubresources)
	s.mux.HandleFunc("/api/v1/metrics/summary", s.handleMetrics)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type createRunRequest struct {
	ThreadID string          `json:"threadId"`
	Input    json.RawMessage `json:"input"`
	Drive    bool            `json:"drive,omitempty"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	runID, err := s.cfg.Controller.Start(r.Context(), req.ThreadID, req.Input)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}

	// Detached drive: the run advances in the background while the client
	// follows progress over the event stream.
	if req.Drive {
		go func() {
			if _, err := s.cfg.Controller.Drive(context.Background(), runID); err != nil {
				log.Printf("api: background drive for run %s: %v", runID, err)
			}
		}()
	}

	writeJSON(w, http.StatusCreated, map[string]any{"runId": runID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	query := state.ListRunsQuery{
		ThreadID: strings.TrimSpace(r.URL.Query().Get("thread_id")),
		Limit:    parseInt(r.URL.Query().Get("limit"), 50),
		Offset:   parseInt(r.URL.Query().Get("offset"), 0),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		query.Status = raw
	}
	runs, err := s.cfg.Store.ListRuns(r.Context(), query)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunSubresources(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 3)
	runID := strings.TrimSpace(parts[0])
	if runID == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("run id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		s.handleGetRun(w, r, runID)
		return
	}

	switch parts[1] {
	case "advance":
		s.requirePost(w, r, func() { s.handleAdvance(w, r, runID) })
	case "resume":
		s.requirePost(w, r, func() { s.handleResume(w, r, runID) })
	case "cancel":
		s.requirePost(w, r, func() { s.handleCancel(w, r, runID) })
	case "steps":
		s.handleSteps(w, r, runID)
	case "trace":
		s.handleTrace(w, r, runID)
	case "events":
		if len(parts) == 3 && parts[2] == "ws" {
			s.handleEventsWS(w, r, runID)
			return
		}
		s.handleEventsSSE(w, r, runID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unsupported run endpoint"))
	}
}

func (s *Server) requirePost(w http.ResponseWriter, r *http.Request, next func()) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	next()
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.cfg.Store.LoadRun(r.Context(), runID)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request, runID string) {
	outcome, err := s.cfg.Controller.Advance(r.Context(), runID)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type resumeRequest struct {
	InterruptToken string          `json:"interruptToken"`
	Answer         json.RawMessage `json:"answer"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, runID string) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	outcome, err := s.cfg.Controller.Resume(r.Context(), runID, req.InterruptToken, req.Answer)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, runID string) {
	if err := s.cfg.Controller.Cancel(r.Context(), runID); err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": runID, "status": types.RunStatusCancelled})
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	steps, err := s.cfg.Store.ListSteps(r.Context(), runID)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if s.cfg.TraceStore == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("trace store not configured"))
		return
	}
	records, err := s.cfg.TraceStore.ListRecordsByRun(r.Context(), runID, trace.ListQuery{
		Limit:  parseInt(r.URL.Query().Get("limit"), 200),
		Offset: parseInt(r.URL.Query().Get("offset"), 0),
	})
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if s.cfg.TraceStore == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("trace store not configured"))
		return
	}
	query := trace.MetricsQuery{}
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since: %w", err))
			return
		}
		query.Since = &since
	}
	summary, err := s.cfg.TraceStore.AggregateMetrics(r.Context(), query)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// httpStatusFor maps control-plane sentinels onto HTTP statuses. Resume
// protocol violations are conflicts, not client formatting errors.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, runner.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrNotFound), errors.Is(err, suspend.ErrUnknownToken):
		return http.StatusNotFound
	case errors.Is(err, suspend.ErrAlreadyResumed),
		errors.Is(err, suspend.ErrNotAwaitingInput),
		errors.Is(err, suspend.ErrRunCancelled),
		errors.Is(err, runner.ErrRunTerminal),
		errors.Is(err, runner.ErrAwaitingInput),
		errors.Is(err, state.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseInt(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
