package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthropics/agentd/internal/convo"
	"github.com/anthropics/agentd/internal/replyloop"
)

func newTestRequest(method, body string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(method, "/acp", bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func TestHandlePostRejectsWrongContentType(t *testing.T) {
	s := NewHTTPServer(&fakeHandler{}, nil)
	req := newTestRequest(http.MethodPost, `{}`, map[string]string{"Accept": "text/event-stream"})
	rec := httptest.NewRecorder()

	s.handlePost(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusUnsupportedMediaType)
	}
}

func TestHandlePostRejectsMissingAccept(t *testing.T) {
	s := NewHTTPServer(&fakeHandler{}, nil)
	req := newTestRequest(http.MethodPost, `{}`, map[string]string{"Content-Type": "application/json"})
	rec := httptest.NewRecorder()

	s.handlePost(rec, req)

	if rec.Code != http.StatusNotAcceptable {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusNotAcceptable)
	}
}

func TestHandlePostRejectsBatch(t *testing.T) {
	s := NewHTTPServer(&fakeHandler{}, nil)
	req := newTestRequest(http.MethodPost, `[{"jsonrpc":"2.0"}]`, map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json, text/event-stream",
	})
	rec := httptest.NewRecorder()

	s.handlePost(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusNotImplemented)
	}
}

func TestHandlePostRejectsMissingSessionForNonInitialize(t *testing.T) {
	s := NewHTTPServer(&fakeHandler{}, nil)
	body, _ := json.Marshal(Request{JSONRPC: "2.0", ID: float64(1), Method: MethodSessionList})
	req := newTestRequest(http.MethodPost, string(body), map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json, text/event-stream",
	})
	rec := httptest.NewRecorder()

	s.handlePost(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandlePostInitializeOpensSSEWithResponse(t *testing.T) {
	s := NewHTTPServer(&fakeHandler{info: ServerInfo{Name: "agentd"}}, nil)
	body, _ := json.Marshal(Request{JSONRPC: "2.0", ID: float64(1), Method: MethodInitialize})
	ctx, cancel := context.WithCancel(context.Background())
	req := newTestRequest(http.MethodPost, string(body), map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json, text/event-stream",
	}).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.handlePost(rec, req)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !bytes.Contains(rec.Body.Bytes(), []byte("event: response")) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handlePost did not return after context cancellation")
	}

	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("got content-type %q", rec.Header().Get("Content-Type"))
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"agentd"`)) {
		t.Fatalf("expected server info in body, got %s", rec.Body.String())
	}
}

func TestHandlePostPromptForwardsEventsToStream(t *testing.T) {
	events := make(chan *replyloop.AgentEvent, 1)
	events <- &replyloop.AgentEvent{Message: convo.NewMessage("s1", convo.RoleAssistant, convo.Text("hi"))}
	close(events)

	s := NewHTTPServer(&fakeHandler{promptEvents: events}, nil)
	params, _ := json.Marshal(map[string]string{"session_id": "s1", "text": "hello"})
	body, _ := json.Marshal(Request{JSONRPC: "2.0", ID: float64(2), Method: MethodPrompt, Params: params})

	ctx, cancel := context.WithCancel(context.Background())
	req := newTestRequest(http.MethodPost, string(body), map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json, text/event-stream",
	}).WithContext(ctx)
	req.Header.Set(sessionHeader, "s1")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.handlePost(rec, req)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !bytes.Contains(rec.Body.Bytes(), []byte("session/update")) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handlePost did not return after context cancellation")
	}

	if !bytes.Contains(rec.Body.Bytes(), []byte("session/update")) {
		t.Fatalf("expected a session/update SSE event, got %s", rec.Body.String())
	}
}

func TestHandleDeleteRequiresSession(t *testing.T) {
	s := NewHTTPServer(&fakeHandler{}, nil)
	req := newTestRequest(http.MethodDelete, "", nil)
	rec := httptest.NewRecorder()

	s.handleDelete(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleHealth(t *testing.T) {
	s := NewHTTPServer(&fakeHandler{}, nil)
	req := newTestRequest(http.MethodGet, "", nil)
	rec := httptest.NewRecorder()

	s.handleHealth(rec, req)

	if rec.Body.String() != "ok" {
		t.Fatalf("got body %q, want ok", rec.Body.String())
	}
}
