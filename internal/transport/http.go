package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/anthropics/agentd/internal/replyloop"
)

const sessionHeader = "Acp-Session-Id"

// HTTPServer implements spec.md §6.2: POST/GET/DELETE /acp plus GET
// /health, each JSON-RPC request/response framed individually but
// delivered over a per-session Server-Sent-Events stream so server-
// initiated notifications (tool requests, thinking, completion) can
// interleave with responses. No pack example implements a server-side
// SSE writer (internal/mcp/transport_http.go is an SSE *client*), so this
// handler is built directly on net/http's http.Flusher rather than
// adapted from teacher code — the one transport component without a
// corpus grounding source, noted in DESIGN.md.
type HTTPServer struct {
	handler Handler
	logger  *slog.Logger

	mu        sync.Mutex
	streams   map[string]*sseStream
	keepAlive time.Duration
}

type sseStream struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

func (s *sseStream) writeEvent(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if event != "" {
		fmt.Fprintf(s.w, "event: %s\n", event)
	}
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.f.Flush()
	return nil
}

func NewHTTPServer(handler Handler, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		handler:   handler,
		logger:    logger.With("component", "transport.http"),
		streams:   make(map[string]*sseStream),
		keepAlive: 15 * time.Second,
	}
}

func (s *HTTPServer) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/acp", s.handleACP)
	return mux
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

func (s *HTTPServer) handleACP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handlePost decodes one JSON-RPC request, validates the framing spec.md
// §6.2 requires (json content type, an Accept header, no batching, a
// known session for anything but initialize), then opens an SSE stream
// to carry the response and any further session/update notifications
// a streaming method (prompt) produces.
func (s *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Content-Type") != "application/json" {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}
	if r.Header.Get("Accept") == "" {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// A JSON array at the top level is a batch request — spec.md marks
	// batching unsupported.
	if len(raw) > 0 && raw[0] == '[' {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	if req.Method != MethodInitialize && sessionID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if req.IsNotification() {
		go dispatchRequest(context.WithoutCancel(r.Context()), s.handler, &req)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	stream, ok := openSSE(w)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if sessionID != "" {
		s.registerStream(sessionID, stream)
		defer s.unregisterStream(sessionID)
	}

	resp, events := dispatchRequest(r.Context(), s.handler, &req)
	stream.writeEvent("response", resp)
	if events != nil {
		s.forwardToStream(stream, sessionID, events)
	}
	s.keepAliveLoop(r.Context(), stream)
}

// handleGet opens a bare SSE stream for the session named in the header
// and registers it under that id. Only keep-alive comments are written to
// it: a prompt's session/update notifications go to the POST stream that
// started the turn, not to a GET stream.
func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	stream, ok := openSSE(w)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.registerStream(sessionID, stream)
	defer s.unregisterStream(sessionID)
	s.keepAliveLoop(r.Context(), stream)
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := s.handler.CancelPrompt(r.Context(), sessionID); err != nil {
		s.logger.Warn("transport: cancel on delete failed", "session_id", sessionID, "error", err)
	}
	s.unregisterStream(sessionID)
	w.WriteHeader(http.StatusOK)
}

func openSSE(w http.ResponseWriter) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseStream{w: w, f: flusher}, true
}

// forwardToStream drains events onto stream as session/update
// notifications until the channel closes or a write fails.
func (s *HTTPServer) forwardToStream(stream *sseStream, sessionID string, events <-chan *replyloop.AgentEvent) {
	for ev := range events {
		if err := stream.writeEvent("session/update", agentEventPayload{SessionID: sessionID, Event: ev}); err != nil {
			s.logger.Warn("transport: write session/update failed", "session_id", sessionID, "error", err)
			return
		}
	}
}

func (s *HTTPServer) keepAliveLoop(ctx context.Context, stream *sseStream) {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stream.mu.Lock()
			fmt.Fprint(stream.w, ": keep-alive\n\n")
			stream.f.Flush()
			stream.mu.Unlock()
		}
	}
}

func (s *HTTPServer) registerStream(sessionID string, stream *sseStream) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	s.streams[sessionID] = stream
	s.mu.Unlock()
}

func (s *HTTPServer) unregisterStream(sessionID string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	delete(s.streams, sessionID)
	s.mu.Unlock()
}
