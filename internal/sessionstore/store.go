// Package sessionstore implements the agent runtime's session persistence
// (C8): session metadata plus an append-only message transcript, with
// fork/truncate/export/import/search built on top of a single append
// primitive. The default backend is a local filesystem store keyed by
// session id, per spec.md §4.8; an optional Postgres/CockroachDB backend
// is provided for multi-instance deployments where a filesystem lock
// cannot serialize writers across hosts.
package sessionstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/anthropics/agentd/internal/convo"
)

// Type distinguishes a session a user can see and resume from one the
// runtime created for its own bookkeeping (e.g. a scheduled job run).
type Type string

const (
	TypeUser   Type = "user"
	TypeHidden Type = "hidden"
)

// Session is the runtime's session record. Unlike pkg/models.Session
// (which models a channel-bot conversation keyed by agent/channel), this
// shape follows spec.md §4.8 directly: a session is identified by id, has
// a working directory, an optional recipe binding, and a free-form
// extension-data bag extensions can use to stash their own state.
type Session struct {
	ID               string                     `json:"id"`
	Name             string                     `json:"name,omitempty"`
	Type             Type                       `json:"type"`
	WorkingDir       string                     `json:"working_dir,omitempty"`
	Recipe           string                     `json:"recipe,omitempty"`
	UserRecipeValues map[string]any             `json:"user_recipe_values,omitempty"`
	ExtensionData    map[string]json.RawMessage `json:"extension_data,omitempty"`
	ScheduleID       string                     `json:"schedule_id,omitempty"`
	ParentID         string                     `json:"parent_id,omitempty"`
	CreatedAt        time.Time                  `json:"created_at"`
	UpdatedAt        time.Time                  `json:"updated_at"`
}

// ListOptions filters/limits ListSessions.
type ListOptions struct {
	Type  Type
	Limit int
}

// Update is a partial update passed to Store.UpdateSession;
// zero-value fields are left untouched, so distinguishing "not set" from
// "set to zero" uses pointers/maps rather than a mask.
type Update struct {
	Name             *string
	Recipe           *string
	UserRecipeValues map[string]any
	ExtensionData    map[string]json.RawMessage
}

// ForkOptions controls Store.Fork.
type ForkOptions struct {
	// Timestamp is required when Truncate is true: the fork keeps only
	// messages with CreatedAt <= Timestamp.
	Timestamp time.Time
	Truncate  bool
	// Copy snapshots the full conversation into the fork before an
	// optional truncation is applied; without Copy the fork starts empty
	// and shares nothing with the parent's transcript.
	Copy bool
}

// SearchHit is one session match from Search.
type SearchHit struct {
	SessionID string
	Snippets  []string
}

// Store is the full session-persistence contract (C8).
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string, includeConversation bool) (*Session, []*convo.Message, error)
	ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error)
	UpdateSession(ctx context.Context, id string, u Update) error
	DeleteSession(ctx context.Context, id string) error

	// AppendMessage and LoadConversation double as the replyloop.ConversationStore
	// duck-typed interface (C7's ConversationStore) — no adapter needed.
	AppendMessage(ctx context.Context, sessionID string, msg *convo.Message) error
	LoadConversation(ctx context.Context, sessionID string) ([]*convo.Message, error)

	TruncateConversation(ctx context.Context, id string, after time.Time) error
	Fork(ctx context.Context, id string, opts ForkOptions) (string, error)

	Export(ctx context.Context, id string) ([]byte, error)
	Import(ctx context.Context, data []byte) (string, error)

	Search(ctx context.Context, query string, limit int, after, before *time.Time) ([]SearchHit, error)
}
