// Package convo defines the conversation data model shared by the provider
// adapters, the context manager, and the agent reply loop: messages built
// from a small closed set of tagged content variants rather than a single
// flat string field.
package convo

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentKind tags the variant held by a MessageContent value. Dynamic
// dispatch over content is replaced by a closed switch on Kind.
type ContentKind string

const (
	KindText                    ContentKind = "text"
	KindImage                   ContentKind = "image"
	KindThinking                ContentKind = "thinking"
	KindRedactedThinking        ContentKind = "redacted_thinking"
	KindToolRequest             ContentKind = "tool_request"
	KindToolResponse            ContentKind = "tool_response"
	KindToolConfirmationRequest ContentKind = "tool_confirmation_request"
	KindFrontendToolRequest     ContentKind = "frontend_tool_request"
	KindActionRequired          ContentKind = "action_required"
	KindSystemNotification      ContentKind = "system_notification"
)

// MessageContent is one element of a Message's content list. Exactly the
// fields relevant to Kind are populated; the rest are zero. This mirrors
// the design note to prefer a tagged variant over per-type dynamic dispatch.
type MessageContent struct {
	Kind ContentKind `json:"kind"`

	// KindText
	Text string `json:"text,omitempty"`

	// KindImage
	ImageMimeType string `json:"image_mime_type,omitempty"`
	ImageData     []byte `json:"image_data,omitempty"` // raw bytes; encoding/json writes them as base64
	ImageURL      string `json:"image_url,omitempty"`

	// KindThinking / KindRedactedThinking
	Thinking        string `json:"thinking,omitempty"`
	ThinkingSig     string `json:"thinking_signature,omitempty"`
	RedactedPayload []byte `json:"redacted_payload,omitempty"`

	// KindToolRequest
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  []byte          `json:"tool_input,omitempty"` // raw JSON
	Extension  string          `json:"extension,omitempty"`  // owning extension, "" for built-ins

	// KindToolResponse
	ToolResultText string `json:"tool_result_text,omitempty"`
	ToolIsError    bool   `json:"tool_is_error,omitempty"`

	// KindToolConfirmationRequest / KindFrontendToolRequest
	ConfirmationID string `json:"confirmation_id,omitempty"`
	Reason         string `json:"reason,omitempty"`

	// KindActionRequired
	ActionKind string `json:"action_kind,omitempty"`

	// KindSystemNotification
	Notification string `json:"notification,omitempty"`

	// Visibility, set by the context manager during compaction/pruning.
	// A content element hidden from the provider (AgentVisible=false) but
	// still shown to a human-facing transcript view (UserVisible=true)
	// lets pruning shrink the provider payload without erasing history.
	UserVisible  bool `json:"user_visible"`
	AgentVisible bool `json:"agent_visible"`
}

// Text builds a plain text content element, visible to both audiences.
func Text(s string) MessageContent {
	return MessageContent{Kind: KindText, Text: s, UserVisible: true, AgentVisible: true}
}

// ToolRequest builds a tool-call content element issued by the assistant.
func ToolRequest(callID, extension, toolName string, input []byte) MessageContent {
	return MessageContent{
		Kind:       KindToolRequest,
		ToolCallID: callID,
		Extension:  extension,
		ToolName:   toolName,
		ToolInput:  input,
		UserVisible: true, AgentVisible: true,
	}
}

// ToolResponse builds a tool-result content element answering a ToolRequest.
func ToolResponse(callID, text string, isError bool) MessageContent {
	return MessageContent{
		Kind:           KindToolResponse,
		ToolCallID:     callID,
		ToolResultText: text,
		ToolIsError:    isError,
		UserVisible:    true, AgentVisible: true,
	}
}

// Message is one turn of a conversation.
type Message struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Role      Role             `json:"role"`
	Content   []MessageContent `json:"content"`
	CreatedAt time.Time        `json:"created_at"`

	// ModelID records which model produced an assistant message, so
	// HistoryReplaced / ModelChange events can be attributed correctly.
	ModelID string `json:"model_id,omitempty"`
}

// NewMessage builds a Message with a generated id and current timestamp.
func NewMessage(sessionID string, role Role, content ...MessageContent) *Message {
	return &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// ToolRequests returns every tool-request content element in the message.
func (m *Message) ToolRequests() []MessageContent {
	var out []MessageContent
	for _, c := range m.Content {
		if c.Kind == KindToolRequest {
			out = append(out, c)
		}
	}
	return out
}

// HasUnansweredToolRequests reports whether m contains a KindToolRequest
// whose ToolCallID does not appear as a KindToolResponse anywhere in answers.
func (m *Message) HasUnansweredToolRequests(answers []*Message) bool {
	answered := make(map[string]bool)
	for _, a := range answers {
		for _, c := range a.Content {
			if c.Kind == KindToolResponse {
				answered[c.ToolCallID] = true
			}
		}
	}
	for _, c := range m.Content {
		if c.Kind == KindToolRequest && !answered[c.ToolCallID] {
			return true
		}
	}
	return false
}

// ValidatePairing checks that no tool_request id repeats, that every
// tool_response follows a tool_request with a matching ToolCallID, and
// that no request gets more than one response. A request with no response
// yet is not reported.
// This is the invariant transcript repair restores when it is violated by
// truncation or a crash mid-turn.
func ValidatePairing(messages []*Message) error {
	requested := make(map[string]bool)
	responded := make(map[string]bool)
	for _, m := range messages {
		for _, c := range m.Content {
			switch c.Kind {
			case KindToolRequest:
				if requested[c.ToolCallID] {
					return fmt.Errorf("duplicate tool_request id %s", c.ToolCallID)
				}
				requested[c.ToolCallID] = true
			case KindToolResponse:
				if !requested[c.ToolCallID] {
					return fmt.Errorf("tool_response %s has no matching tool_request", c.ToolCallID)
				}
				if responded[c.ToolCallID] {
					return fmt.Errorf("duplicate tool_response for %s", c.ToolCallID)
				}
				responded[c.ToolCallID] = true
			}
		}
	}
	return nil
}
