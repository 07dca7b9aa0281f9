package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/anthropics/agentd/internal/convo"
	"github.com/anthropics/agentd/internal/replyloop"
	"github.com/anthropics/agentd/internal/sessionstore"
)

func TestDispatchRequestInitialize(t *testing.T) {
	h := &fakeHandler{info: ServerInfo{Name: "agentd", Version: "test"}}
	req := &Request{JSONRPC: "2.0", ID: float64(1), Method: MethodInitialize}

	resp, events := dispatchRequest(context.Background(), h, req)
	if events != nil {
		t.Fatal("initialize should not return an event stream")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	var info ServerInfo
	if err := json.Unmarshal(resp.Result, &info); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if info.Name != "agentd" {
		t.Fatalf("got name %q", info.Name)
	}
}

func TestDispatchRequestUnknownMethod(t *testing.T) {
	h := &fakeHandler{}
	req := &Request{JSONRPC: "2.0", ID: float64(2), Method: "bogus/method"}

	resp, _ := dispatchRequest(context.Background(), h, req)
	if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", resp.Error)
	}
}

func TestDispatchRequestPromptReturnsEventsAndAck(t *testing.T) {
	events := make(chan *replyloop.AgentEvent, 1)
	events <- &replyloop.AgentEvent{Message: convo.NewMessage("s1", convo.RoleAssistant, convo.Text("hi"))}
	close(events)

	h := &fakeHandler{promptEvents: events}
	params, _ := json.Marshal(map[string]string{"session_id": "s1", "text": "hello"})
	req := &Request{JSONRPC: "2.0", ID: float64(3), Method: MethodPrompt, Params: params}

	resp, gotEvents := dispatchRequest(context.Background(), h, req)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	var ack map[string]bool
	if err := json.Unmarshal(resp.Result, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if !ack["accepted"] {
		t.Fatal("expected accepted=true")
	}
	if gotEvents == nil {
		t.Fatal("expected a non-nil event stream for prompt")
	}
	var n int
	for range gotEvents {
		n++
	}
	if n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}
}

func TestDispatchRequestToolApproveValidatesDecision(t *testing.T) {
	h := &fakeHandler{}
	params, _ := json.Marshal(ApproveParams{RequestID: "req-1", Decision: "not_a_decision"})
	req := &Request{JSONRPC: "2.0", ID: float64(4), Method: MethodToolApprove, Params: params}

	resp, _ := dispatchRequest(context.Background(), h, req)
	if resp.Error == nil || resp.Error.Code != ErrCodeInvalidParams {
		t.Fatalf("expected invalid-params error, got %+v", resp.Error)
	}
}

func TestDispatchRequestSessionList(t *testing.T) {
	h := &fakeHandler{sessions: []*sessionstore.Session{{ID: "a"}, {ID: "b"}}}
	req := &Request{JSONRPC: "2.0", ID: float64(5), Method: MethodSessionList}

	resp, _ := dispatchRequest(context.Background(), h, req)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	var got []*sessionstore.Session
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(got))
	}
}
