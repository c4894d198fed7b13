// Package control exposes the thin HTTP surface of the voice engine: current
// turn state and volume for UIs, the explicit force-end-turn and disconnect
// actions, typed text input, health probes and the Prometheus metrics
// endpoint.
//
// The surface carries no business logic. Every action is forwarded to the
// active [Conversation]; state reads are lock-free snapshots.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verbalis-ai/verbalis/internal/observe"
	"github.com/verbalis-ai/verbalis/internal/turn"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Conversation is the engine-side handle the control surface drives. The
// live session type implements it; tests supply fakes.
type Conversation interface {
	ID() string
	State() turn.State
	Volume() float64
	Timings() []turn.Timing
	ForceEndTurn()
	SendText(text string)
	Close() error
}

// Checker is a named readiness check. Check should return nil when the
// dependency is healthy and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server is the control surface HTTP server.
type Server struct {
	metrics  *observe.Metrics
	checkers []Checker

	mu   sync.RWMutex
	conv Conversation
}

// NewServer creates a Server. The conversation is attached later via
// [Server.SetConversation] once a session is live.
func NewServer(metrics *observe.Metrics, checkers ...Checker) *Server {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Server{metrics: metrics, checkers: c}
}

// SetConversation attaches (or detaches, with nil) the active conversation.
func (s *Server) SetConversation(c Conversation) {
	s.mu.Lock()
	s.conv = c
	s.mu.Unlock()
}

// conversation returns the active conversation, or nil.
func (s *Server) conversation() Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conv
}

// Handler builds the full route table wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /readyz", s.readyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/state", s.getState)
	mux.HandleFunc("GET /v1/timings", s.getTimings)
	mux.HandleFunc("POST /v1/end-turn", s.postEndTurn)
	mux.HandleFunc("POST /v1/text", s.postText)
	mux.HandleFunc("POST /v1/disconnect", s.postDisconnect)

	return observe.Middleware(s.metrics)(mux)
}

// ── Health ─────────────────────────────────────────────────────────────────────

type healthResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResult{Status: "ok"})
}

// readyz returns 200 only when every registered [Checker] passes.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.checkers))
	allOK := true

	for _, c := range s.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := healthResult{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// ── Conversation endpoints ─────────────────────────────────────────────────────

type stateResponse struct {
	SessionID string  `json:"session_id"`
	State     string  `json:"state"`
	Volume    float64 `json:"volume"`
}

func (s *Server) getState(w http.ResponseWriter, _ *http.Request) {
	conv := s.conversation()
	if conv == nil {
		writeJSON(w, http.StatusOK, stateResponse{State: string(turn.StateIdle)})
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		SessionID: conv.ID(),
		State:     string(conv.State()),
		Volume:    conv.Volume(),
	})
}

type timingEntry struct {
	SpeechStarted   *time.Time `json:"speech_started,omitempty"`
	EndOfTurnSent   *time.Time `json:"end_of_turn_sent,omitempty"`
	ResponseStarted *time.Time `json:"response_started,omitempty"`
	FirstAudio      *time.Time `json:"first_audio,omitempty"`
	ResponseEnded   *time.Time `json:"response_ended,omitempty"`
	Interrupted     bool       `json:"interrupted"`
	ResponseMs      int64      `json:"response_ms"`
}

func (s *Server) getTimings(w http.ResponseWriter, _ *http.Request) {
	conv := s.conversation()
	if conv == nil {
		writeJSON(w, http.StatusOK, []timingEntry{})
		return
	}

	timings := conv.Timings()
	out := make([]timingEntry, 0, len(timings))
	for _, t := range timings {
		out = append(out, timingEntry{
			SpeechStarted:   omitZero(t.SpeechStarted),
			EndOfTurnSent:   omitZero(t.EndOfTurnSent),
			ResponseStarted: omitZero(t.ResponseStarted),
			FirstAudio:      omitZero(t.FirstAudio),
			ResponseEnded:   omitZero(t.ResponseEnded),
			Interrupted:     t.Interrupted,
			ResponseMs:      t.ResponseLatency().Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) postEndTurn(w http.ResponseWriter, _ *http.Request) {
	conv := s.conversation()
	if conv == nil {
		writeError(w, http.StatusConflict, "no active session")
		return
	}
	conv.ForceEndTurn()
	w.WriteHeader(http.StatusAccepted)
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) postText(w http.ResponseWriter, r *http.Request) {
	conv := s.conversation()
	if conv == nil {
		writeError(w, http.StatusConflict, "no active session")
		return
	}

	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "body must be a JSON object with a non-empty text field")
		return
	}
	conv.SendText(req.Text)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) postDisconnect(w http.ResponseWriter, _ *http.Request) {
	conv := s.conversation()
	if conv == nil {
		writeError(w, http.StatusConflict, "no active session")
		return
	}
	if err := conv.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.SetConversation(nil)
	w.WriteHeader(http.StatusNoContent)
}

// ── Serving ────────────────────────────────────────────────────────────────────

// ListenAndServe runs the control server on addr until ctx is cancelled,
// then shuts it down gracefully. certFile/keyFile enable TLS when both are
// non-empty.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if certFile != "" && keyFile != "" {
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("control: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control: serve: %w", err)
	}
	return nil
}

// ── Helpers ────────────────────────────────────────────────────────────────────

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("control: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func omitZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
