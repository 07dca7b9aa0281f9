package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/agentd/internal/convo"
	"github.com/anthropics/agentd/internal/replyloop"
)

// syncBuf wraps bytes.Buffer with a mutex so a test goroutine can poll its
// contents while StdioServer writes from its own goroutines.
type syncBuf struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuf) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuf) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStdioServerDispatchNonStreaming(t *testing.T) {
	h := &fakeHandler{info: ServerInfo{Name: "agentd"}}
	out := &syncBuf{}
	s := NewStdioServer(h, bytes.NewReader(nil), out, nil)

	req := &Request{JSONRPC: "2.0", ID: float64(1), Method: MethodInitialize}
	resp := s.dispatch(context.Background(), req)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
}

func TestStdioServerDispatchPromptStreamsNotifications(t *testing.T) {
	events := make(chan *replyloop.AgentEvent, 1)
	events <- &replyloop.AgentEvent{Message: convo.NewMessage("s1", convo.RoleAssistant, convo.Text("hello"))}
	close(events)

	h := &fakeHandler{promptEvents: events}
	out := &syncBuf{}
	s := NewStdioServer(h, bytes.NewReader(nil), out, nil)

	params, _ := json.Marshal(map[string]string{"session_id": "s1", "text": "hi"})
	req := &Request{JSONRPC: "2.0", ID: float64(1), Method: MethodPrompt, Params: params}

	resp := s.dispatch(context.Background(), req)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if bytes.Contains([]byte(out.String()), []byte("session/update")) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected a session/update notification, got: %s", out.String())
}

func TestStdioServerHandleLineParseError(t *testing.T) {
	h := &fakeHandler{}
	out := &syncBuf{}
	s := NewStdioServer(h, bytes.NewReader(nil), out, nil)

	s.handleLine(context.Background(), []byte("not json"))

	var resp Response
	if err := json.Unmarshal([]byte(out.String()), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (body %q)", err, out.String())
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeParseError {
		t.Fatalf("expected parse error response, got %+v", resp)
	}
}

func TestStdioServerHandleLineIgnoresNotifications(t *testing.T) {
	h := &fakeHandler{}
	out := &syncBuf{}
	s := NewStdioServer(h, bytes.NewReader(nil), out, nil)

	line, _ := json.Marshal(Request{JSONRPC: "2.0", Method: MethodPromptCancel})
	s.handleLine(context.Background(), line)

	if out.String() != "" {
		t.Fatalf("expected no response for a notification, got %q", out.String())
	}
}
