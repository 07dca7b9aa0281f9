package transport

import (
	"testing"
	"time"

	"github.com/anthropics/agentd/internal/convo"
	"github.com/anthropics/agentd/internal/replyloop"
)

func TestWSTokenIssuerRoundTrip(t *testing.T) {
	issuer := NewWSTokenIssuer("super-secret", time.Minute)
	token, err := issuer.Issue("session-123")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	got, err := issuer.sessionID(token)
	if err != nil {
		t.Fatalf("sessionID: %v", err)
	}
	if got != "session-123" {
		t.Fatalf("got %q, want session-123", got)
	}
}

func TestWSTokenIssuerRejectsWrongSecret(t *testing.T) {
	issuer := NewWSTokenIssuer("secret-a", time.Minute)
	token, err := issuer.Issue("session-123")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	other := NewWSTokenIssuer("secret-b", time.Minute)
	if _, err := other.sessionID(token); err == nil {
		t.Fatal("expected validation to fail with a different secret")
	}
}

func TestWSTokenIssuerRejectsExpired(t *testing.T) {
	issuer := NewWSTokenIssuer("secret", -time.Minute)
	token, err := issuer.Issue("session-123")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := issuer.sessionID(token); err == nil {
		t.Fatal("expected an already-expired token to fail validation")
	}
}

func TestTranslateEventMapsEachKind(t *testing.T) {
	cases := []struct {
		name    string
		content convo.MessageContent
		want    string
	}{
		{"text", convo.Text("hi"), "message"},
		{"thinking", convo.MessageContent{Kind: convo.KindThinking, Thinking: "pondering"}, "thinking"},
		{"tool_request", convo.ToolRequest("call-1", "", "search", []byte(`{}`)), "tool_request"},
		{"tool_response", convo.ToolResponse("call-1", "ok", false), "tool_response"},
		{"tool_confirmation", convo.MessageContent{Kind: convo.KindToolConfirmationRequest, ConfirmationID: "c-1"}, "tool_confirmation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := &replyloop.AgentEvent{Message: convo.NewMessage("s1", convo.RoleAssistant, tc.content)}
			out, ok := translateEvent(ev)
			if !ok {
				t.Fatalf("translateEvent returned ok=false")
			}
			if out.Type != tc.want {
				t.Fatalf("got type %q, want %q", out.Type, tc.want)
			}
		})
	}
}

func TestTranslateEventSkipsEventsWithNoMessage(t *testing.T) {
	ev := &replyloop.AgentEvent{HistoryReplaced: []*convo.Message{convo.NewMessage("s1", convo.RoleSystem, convo.Text("x"))}}
	if _, ok := translateEvent(ev); ok {
		t.Fatal("expected no frame for an event with no Message")
	}
}

func TestNotificationTypeBucketing(t *testing.T) {
	cases := map[string]string{
		"cancelled by user":                        "cancelled",
		"reached max turns: 50":                     "context_exceeded",
		"provider error: boom":                      "error",
		"detected loop: repeated identical tool calls": "error",
		"something else entirely":                  "complete",
	}
	for text, want := range cases {
		if got := notificationType(text); got != want {
			t.Errorf("notificationType(%q) = %q, want %q", text, got, want)
		}
	}
}
