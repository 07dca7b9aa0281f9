// Package providers defines the LLM provider contract (C2): the
// vendor-agnostic surface the reply loop talks to, a canonical model
// registry mapping (provider, raw model) pairs onto provider-independent
// model metadata, and the retry/failover/lead-worker composition built on
// top of a single provider's Complete call.
package providers

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/anthropics/agentd/internal/convo"
)

// Usage reports token accounting for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
	ThinkingTokens int
}

// Chunk is one element of a streamed completion: either a content delta
// (partial message content, flushed as complete MessageContent values once
// a content block finishes) or a terminal usage report. Exactly one of
// Content/Usage/Err is set per chunk — the reply loop switches on which.
type Chunk struct {
	Content *convo.MessageContent
	Usage   *Usage
	Err     error
	Done    bool
}

// CompletionRequest is one turn's worth of input to a provider.
type CompletionRequest struct {
	Model          string
	System         string
	Messages       []*convo.Message
	Tools          []ToolDefinition
	MaxTokens      int
	Temperature    *float64
	EnableThinking bool
	ThinkingBudget int
}

// ToolDefinition is the provider-facing shape of a callable tool —
// produced by the extension manager and permission-filtered reply loop,
// never constructed by a provider adapter itself.
type ToolDefinition struct {
	Name        string // namespaced "<ext>__<tool>" or bare built-in name
	Description string
	InputSchema []byte // raw JSON schema
}

// Model is canonical, provider-independent metadata about one model.
type Model struct {
	Canonical       string // stable cross-provider id, e.g. "claude-sonnet-4"
	Provider        string
	RawModel        string // the id the vendor's API actually expects
	ContextLimit    int
	OutputLimit     int
	InputCostPerM   float64
	OutputCostPerM  float64
	SupportsVision  bool
	SupportsTools   bool
	SupportsThinking bool
}

// RetryConfig controls Complete's built-in retry behavior for transient
// failures (rate limit, timeout, server error, transport closed).
type RetryConfig struct {
	MaxRetries      int
	InitialBackoff  int64 // milliseconds
	MaxBackoff      int64 // milliseconds
}

// Provider is the contract every vendor adapter implements. Dynamic
// dispatch across vendors happens only at this interface boundary —
// everything above it (reply loop, context manager) is vendor-agnostic.
type Provider interface {
	// Name identifies the adapter, e.g. "anthropic", "openai", "bedrock".
	Name() string

	// Complete runs one non-streaming completion to exhaustion.
	Complete(ctx context.Context, req *CompletionRequest) (*convo.Message, *Usage, error)

	// Stream runs a completion, delivering content incrementally. The
	// channel is closed after a final Chunk with Done=true or an error.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan Chunk, error)

	// CompleteFast runs a cheap/low-latency variant (e.g. a smaller model)
	// suitable for summarization or classification side-calls the context
	// manager makes; it need not support tools.
	CompleteFast(ctx context.Context, req *CompletionRequest) (*convo.Message, *Usage, error)

	// Models lists the models this adapter can serve.
	Models() []Model

	// FetchSupportedModels refreshes Models() from the vendor's API, where
	// the vendor exposes one (not all adapters do — a no-op is valid).
	FetchSupportedModels(ctx context.Context) error

	// MapToCanonicalModel resolves a raw vendor model id to canonical
	// metadata, falling back to heuristics (see CanonicalRegistry) when
	// the id is not in the adapter's known set.
	MapToCanonicalModel(rawModel string) (Model, bool)

	// GetModelConfig returns the canonical Model for a specific id, or
	// false if unknown even after heuristic mapping.
	GetModelConfig(modelID string) (Model, bool)

	SupportsStreaming() bool
	SupportsTools() bool
	SupportsEmbeddings() bool

	// RetryConfig returns the adapter's preferred retry policy, for
	// callers that pass a policy to WithRetry.
	RetryConfig() RetryConfig

	// ConfigureOAuth installs an OAuth2 token source for adapters that
	// authenticate via OAuth rather than a static API key.
	ConfigureOAuth(ctx context.Context, ts oauth2.TokenSource) error
}
