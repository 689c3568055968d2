// ABOUTME: In-process fake of the CarBlau Agent API for local development and tests
// ABOUTME: Serves start, message (JSON or SSE) and lead endpoints over net/http

// Package fakeagent implements a local stand-in for the CarBlau Agent API.
//
// It plays a fixed car-shopping script: a greeting, four slider questions,
// a body-style question with buttons, then a car recommendation. Sends with
// "Accept: text/event-stream" get progress, complete and done records;
// everything else gets the full history as JSON. Sending "!fail" returns an
// error so clients can exercise rollback.
package fakeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/carblau-chat/internal/client"
	"github.com/2389/carblau-chat/internal/stream"
)

// Lead is a captured lead and, once submitted, its contact details.
type Lead struct {
	ID      string
	Capture client.LeadCaptureRequest
	Contact *client.LeadContactRequest
}

type thread struct {
	messages []client.Message
	turns    int
}

// Server is the fake Agent API.
type Server struct {
	mu      sync.Mutex
	threads map[string]*thread
	leads   map[string]*Lead

	token       string
	streamDelay time.Duration
	newID       func() string
	logger      *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithStreamDelay sets the pause between streamed records.
func WithStreamDelay(d time.Duration) Option {
	return func(s *Server) {
		s.streamDelay = d
	}
}

// WithToken requires "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIDGenerator sets the source of thread, message and lead ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Server) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// New creates a fake Agent API.
func New(opts ...Option) *Server {
	s := &Server{
		threads: make(map[string]*thread),
		leads:   make(map[string]*Lead),
		newID:   uuid.NewString,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "fake_agent")
	return s
}

// Handler returns the HTTP routes of the Agent API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /conversation/{thread_id}/message", s.handleMessage)
	mux.HandleFunc("POST /api/lead/capture", s.handleLeadCapture)
	mux.HandleFunc("POST /api/lead/contact", s.handleLeadContact)
	return s.requireToken(mux)
}

// Leads returns a snapshot of captured leads.
func (s *Server) Leads() []Lead {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Lead, 0, len(s.leads))
	for _, l := range s.leads {
		cp := *l
		if l.Contact != nil {
			c := *l.Contact
			cp.Contact = &c
		}
		out = append(out, cp)
	}
	return out
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.URL.Path != "/health" && r.Header.Get("Authorization") != "Bearer "+s.token {
			sendJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	threadID := s.newID()
	hello := client.Message{ID: s.newID(), Role: "ai", Content: greeting}

	s.mu.Lock()
	s.threads[threadID] = &thread{messages: []client.Message{hello}}
	s.mu.Unlock()

	s.logger.Info("thread started", "thread_id", threadID)
	writeJSON(w, http.StatusOK, client.StartResponse{
		ThreadID: threadID,
		Messages: []client.Message{hello},
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	var req client.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	text, ok := lastUserText(req.Messages)
	if !ok {
		sendJSONError(w, http.StatusBadRequest, "messages must end with a user message")
		return
	}

	wantsStream := strings.Contains(r.Header.Get("Accept"), "text/event-stream")

	if isFailTrigger(text) {
		s.logger.Info("failing send on request", "thread_id", threadID)
		if wantsStream {
			flusher, ok := w.(http.Flusher)
			if !ok {
				sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
				return
			}
			setSSEHeaders(w)
			writeSSEEvent(w, stream.TypeProgress, map[string]string{"type": stream.TypeProgress, "message": "Pensando…"})
			writeSSEEvent(w, stream.TypeError, map[string]string{"type": stream.TypeError, "error": "el agente no está disponible"})
			flusher.Flush()
			return
		}
		sendJSONError(w, http.StatusBadGateway, "el agente no está disponible")
		return
	}

	s.mu.Lock()
	th, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		sendJSONError(w, http.StatusNotFound, "thread not found")
		return
	}
	st := stepFor(th.turns)
	reply := st.reply(threadID)
	reply.ID = s.newID()
	th.turns++
	th.messages = append(th.messages,
		client.Message{ID: s.newID(), Role: "human", Content: text},
		reply,
	)
	history := make([]client.Message, len(th.messages))
	copy(history, th.messages)
	s.mu.Unlock()

	s.logger.Debug("message handled", "thread_id", threadID, "stream", wantsStream, "turn", len(history)/2)

	if !wantsStream {
		writeJSON(w, http.StatusOK, client.SendResponse{Messages: history})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	setSSEHeaders(w)
	s.streamReply(r.Context(), w, flusher, st.progress, reply)
}

// streamReply writes progress records, then the reply in a complete record,
// then done. It stops early when the client goes away.
func (s *Server) streamReply(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, progress []string, reply client.Message) {
	for _, status := range progress {
		writeSSEEvent(w, stream.TypeProgress, map[string]string{"type": stream.TypeProgress, "message": status})
		flusher.Flush()
		if !s.pause(ctx) {
			return
		}
	}

	writeSSEEvent(w, stream.TypeComplete, map[string]any{"type": stream.TypeComplete, "messages": []client.Message{reply}})
	flusher.Flush()
	if !s.pause(ctx) {
		return
	}

	writeSSEEvent(w, stream.TypeDone, map[string]string{"type": stream.TypeDone})
	flusher.Flush()
}

func (s *Server) pause(ctx context.Context) bool {
	if s.streamDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(s.streamDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Server) handleLeadCapture(w http.ResponseWriter, r *http.Request) {
	var req client.LeadCaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CarID == "" || req.SessionID == "" {
		sendJSONError(w, http.StatusBadRequest, "car_id and session_id are required")
		return
	}

	lead := &Lead{ID: s.newID(), Capture: req}
	s.mu.Lock()
	s.leads[lead.ID] = lead
	s.mu.Unlock()

	s.logger.Info("lead captured", "lead_id", lead.ID, "car_id", req.CarID, "action", req.Action)
	writeJSON(w, http.StatusOK, client.LeadCaptureResponse{LeadID: lead.ID})
}

func (s *Server) handleLeadContact(w http.ResponseWriter, r *http.Request) {
	var req client.LeadContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" {
		sendJSONError(w, http.StatusBadRequest, "email is required")
		return
	}

	s.mu.Lock()
	lead, ok := s.leads[req.LeadID]
	if ok {
		lead.Contact = &req
	}
	s.mu.Unlock()

	if !ok {
		sendJSONError(w, http.StatusNotFound, "lead not found")
		return
	}

	s.logger.Info("lead contact submitted", "lead_id", req.LeadID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func lastUserText(msgs []client.OutgoingMessage) (string, bool) {
	if len(msgs) == 0 {
		return "", false
	}
	last := msgs[len(msgs)-1]
	if last.Role != "user" || strings.TrimSpace(last.Content) == "" {
		return "", false
	}
	return last.Content, true
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEEvent writes a single SSE event to the response writer.
func writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response in the Agent API's {"detail": ...} shape.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}
