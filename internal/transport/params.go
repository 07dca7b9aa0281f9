package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/agentd/internal/permission"
	"github.com/anthropics/agentd/internal/replyloop"
	"github.com/anthropics/agentd/internal/sessionstore"
)

// agentEventPayload is the wire shape of a `session/update` notification:
// one transport-level event tagged with the session it belongs to, since
// a single stdio/WebSocket connection may be driving more than one
// session's prompt concurrently.
type agentEventPayload struct {
	SessionID string                `json:"session_id"`
	Event     *replyloop.AgentEvent `json:"event"`
}

func parseDecision(raw string) (permission.Decision, error) {
	switch raw {
	case string(permission.AllowOnce):
		return permission.AllowOnce, nil
	case string(permission.AllowAlways):
		return permission.AllowAlways, nil
	case string(permission.DenyOnce):
		return permission.DenyOnce, nil
	case string(permission.DenyAlways):
		return permission.DenyAlways, nil
	default:
		return "", fmt.Errorf("unknown decision %q", raw)
	}
}

type listOptionsParams struct {
	Type  string `json:"type,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func listOptionsFromParams(raw json.RawMessage) sessionstore.ListOptions {
	if len(raw) == 0 {
		return sessionstore.ListOptions{}
	}
	var p listOptionsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return sessionstore.ListOptions{}
	}
	return sessionstore.ListOptions{Type: sessionstore.Type(p.Type), Limit: p.Limit}
}

func forkOptionsFromParams(p ForkParams) (sessionstore.ForkOptions, error) {
	opts := sessionstore.ForkOptions{Truncate: p.Truncate, Copy: p.Copy}
	if p.Timestamp == "" {
		return opts, nil
	}
	ts, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		return opts, fmt.Errorf("invalid timestamp: %w", err)
	}
	opts.Timestamp = ts
	return opts, nil
}
