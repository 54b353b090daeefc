// Package ingest is the Brain's HTTP surface: event ingestion, the
// participant control endpoints and a watched inbox directory.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/opsbrain/internal/authority"
	"github.com/ShayCichocki/opsbrain/internal/deferral"
	"github.com/ShayCichocki/opsbrain/internal/dispatch"
	"github.com/ShayCichocki/opsbrain/internal/orchestrator"
	"github.com/ShayCichocki/opsbrain/internal/state"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// Brain is the part of the orchestrator the HTTP surface drives.
type Brain interface {
	Ingest(ctx context.Context, in orchestrator.Inbound) (string, error)
	Get(id string) (*models.Event, error)
	List(filter state.EventFilter) ([]*models.Event, error)
	PendingHuddles(id string) []dispatch.Huddle
	Reply(ctx context.Context, id, participant string, r orchestrator.Reply) (authority.Decision, error)
	RequestClose(ctx context.Context, id, participant string) (authority.Decision, error)
	AnswerHuddle(ctx context.Context, id, huddleID, participant, text string) error
	Defer(ctx context.Context, id, reason string, delay time.Duration) (*models.Deferral, error)
	Acknowledge(ctx context.Context, id, participant string) error
	Wake(id string) error
}

var _ Brain = (*orchestrator.Brain)(nil)

// Logger is the logging surface used by the server and inbox.
type Logger interface {
	Log(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Log(string, ...interface{}) {}

// ServerStatus reports the server's lifecycle state.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

// Server wraps the HTTP listener and handlers.
type Server struct {
	settings Settings
	brain    Brain
	logger   Logger
	clock    func() time.Time

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a server in front of brain.
func NewServer(settings Settings, brain Brain, opts ...Option) *Server {
	settings.normalize()
	s := &Server{
		settings: settings,
		brain:    brain,
		logger:   nopLogger{},
		clock:    time.Now,
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routed handler. Start serves it; tests can mount it
// on an httptest server directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /events", s.handleIngest)
	mux.HandleFunc("GET /events", s.handleList)
	mux.HandleFunc("GET /events/{id}", s.handleGet)
	mux.HandleFunc("POST /events/{id}/reply", s.handleReply)
	mux.HandleFunc("POST /events/{id}/close", s.handleClose)
	mux.HandleFunc("POST /events/{id}/ack", s.handleAck)
	mux.HandleFunc("POST /events/{id}/wake", s.handleWake)
	mux.HandleFunc("POST /events/{id}/defer", s.handleDefer)
	mux.HandleFunc("POST /events/{id}/huddles/{hid}", s.handleHuddle)
	return mux
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("ingest: server already started")
	}
	listener, err := net.Listen("tcp", s.settings.Addr)
	if err != nil {
		return fmt.Errorf("ingest: listen %s: %w", s.settings.Addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Log("[ingest] serve error: %v", err)
		}
	}()
	s.logger.Log("[ingest] listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	s.status = StatusDraining
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	var uptime int64
	if !s.startTime.IsZero() {
		uptime = int64(s.clock().Sub(s.startTime).Seconds())
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, healthResponse{Status: string(s.Status()), UptimeSeconds: uptime})
}

type ingestResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.Inbound
	if !s.decode(w, r, &in) {
		return
	}
	id, err := s.brain.Ingest(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{ID: id, Status: "accepted"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := state.EventFilter{Source: models.Source(q.Get("source"))}
	for _, raw := range q["state"] {
		for _, part := range strings.Split(raw, ",") {
			st := models.State(strings.TrimSpace(part))
			if !st.Valid() {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown state %q", part)})
				return
			}
			filter.States = append(filter.States, st)
		}
	}
	if filter.Source != "" && !filter.Source.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown source %q", filter.Source)})
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	events, err := s.brain.List(filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

type huddleView struct {
	ID         string    `json:"id"`
	DispatchID string    `json:"dispatch_id"`
	From       string    `json:"from"`
	Question   string    `json:"question"`
	AskedAt    time.Time `json:"asked_at"`
}

type eventView struct {
	*models.Event
	Huddles []huddleView `json:"huddles,omitempty"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, err := s.brain.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view := eventView{Event: e}
	for _, h := range s.brain.PendingHuddles(id) {
		view.Huddles = append(view.Huddles, huddleView{
			ID:         h.ID,
			DispatchID: h.DispatchID,
			From:       string(h.From),
			Question:   h.Question,
			AskedAt:    h.AskedAt,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

// controlRequest is the body of every control endpoint. Fields unused by
// an endpoint are ignored.
type controlRequest struct {
	Participant string `json:"participant"`
	Verdict     string `json:"verdict,omitempty"`
	Text        string `json:"text,omitempty"`
	Reason      string `json:"reason,omitempty"`
	// Delay is a Go duration string, e.g. "3m". Empty uses the reason's default.
	Delay string `json:"delay,omitempty"`
}

type decisionResponse struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	d, err := s.brain.Reply(r.Context(), id, req.Participant, orchestrator.Reply{
		Verdict: orchestrator.Verdict(req.Verdict),
		Text:    req.Text,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{ID: id, Decision: string(d)})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	d, err := s.brain.RequestClose(r.Context(), id, req.Participant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{ID: id, Decision: string(d)})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.brain.Acknowledge(r.Context(), id, req.Participant); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{ID: id, Status: "acknowledged"})
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.brain.Wake(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{ID: id, Status: "woken"})
}

type deferResponse struct {
	ID     string    `json:"id"`
	Reason string    `json:"reason"`
	WakeAt time.Time `json:"wake_at"`
	Count  int       `json:"count"`
}

func (s *Server) handleDefer(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if !s.decode(w, r, &req) {
		return
	}
	var delay time.Duration
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid delay %q", req.Delay)})
			return
		}
		delay = d
	}
	id := r.PathValue("id")
	d, err := s.brain.Defer(r.Context(), id, req.Reason, delay)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deferResponse{ID: id, Reason: d.Reason, WakeAt: d.WakeAt, Count: d.Count})
}

func (s *Server) handleHuddle(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, hid := r.PathValue("id"), r.PathValue("hid")
	if err := s.brain.AnswerHuddle(r.Context(), id, hid, req.Participant, req.Text); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{ID: hid, Status: "answered"})
}

// decode reads a size-limited JSON body into v, writing the error
// response itself when it fails.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload exceeds limit"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unable to read body"})
		return false
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "empty body"})
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Log("[ingest] %v", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// StatusFor maps Brain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInbound):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrUnknownEvent), errors.Is(err, dispatch.ErrUnknownHuddle):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotPrimary):
		return http.StatusForbidden
	case errors.Is(err, orchestrator.ErrDuplicateEvent),
		errors.Is(err, orchestrator.ErrEventClosed),
		errors.Is(err, orchestrator.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrNoEscalation),
		errors.Is(err, orchestrator.ErrEventHalted),
		errors.Is(err, dispatch.ErrHuddleAnswered),
		errors.Is(err, deferral.ErrDeferralLimit):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrBrainClosed):
		return http.StatusServiceUnavailable
	}
	if f := models.FaultOf(err); f != nil && f.Kind == models.FaultConfiguration {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
