// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// providers.Provider interface, grounded on the teacher's
// internal/agent/providers.AnthropicProvider — the same SDK, the same
// message/tool conversion and retry-classification approach, generalized
// from the teacher's flat pkg/models.Message to the tagged-union
// convo.MessageContent and from a CompletionChunk callback stream to
// providers.Chunk.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/oauth2"

	"github.com/anthropics/agentd/internal/convo"
	"github.com/anthropics/agentd/internal/providers"
)

// Config configures the adapter.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// Provider implements providers.Provider for Claude models.
type Provider struct {
	client       anthropic.Client
	defaultModel string
	retry        providers.RetryConfig
	registry     *providers.CanonicalRegistry
}

// New constructs an Anthropic-backed Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		retry: providers.RetryConfig{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.RetryDelay.Milliseconds(),
			MaxBackoff:     5000,
		},
		registry: providers.NewCanonicalRegistry(),
	}, nil
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func (p *Provider) maxTokens(req *providers.CompletionRequest) int64 {
	if req.MaxTokens <= 0 {
		return 4096
	}
	return int64(req.MaxTokens)
}

func (p *Provider) buildParams(req *providers.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: p.maxTokens(req),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	if req.EnableThinking {
		budget := int64(req.ThinkingBudget)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

// Complete runs one non-streaming completion under WithRetry and
// converts the response into a message.
func (p *Provider) Complete(ctx context.Context, req *providers.CompletionRequest) (*convo.Message, *Usage, error) {
	return p.run(ctx, req)
}

// CompleteFast is identical to Complete for this adapter — cost control
// for side-calls is the caller's responsibility (pick a cheaper model id
// in req.Model).
func (p *Provider) CompleteFast(ctx context.Context, req *providers.CompletionRequest) (*convo.Message, *providers.Usage, error) {
	return p.run(ctx, req)
}

func (p *Provider) run(ctx context.Context, req *providers.CompletionRequest) (*convo.Message, *providers.Usage, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, nil, err
	}

	var msg *anthropic.Message
	err = providers.WithRetry(ctx, p.retry, func() error {
		result, apiErr := p.client.Messages.New(ctx, params)
		if apiErr != nil {
			return p.wrapError(apiErr, p.model(req.Model))
		}
		msg = result
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	out := convo.NewMessage("", convo.RoleAssistant)
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content = append(out.Content, convo.Text(variant.Text))
		case anthropic.ThinkingBlock:
			out.Content = append(out.Content, convo.MessageContent{
				Kind:        convo.KindThinking,
				Thinking:    variant.Thinking,
				ThinkingSig: variant.Signature,
				UserVisible: true, AgentVisible: true,
			})
		case anthropic.ToolUseBlock:
			out.Content = append(out.Content, convo.ToolRequest(variant.ID, "", variant.Name, json.RawMessage(variant.Input)))
		}
	}
	out.ModelID = p.model(req.Model)

	usage := &providers.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return out, usage, nil
}

// Stream runs a completion, emitting text/thinking deltas as they arrive
// and a final complete tool_request MessageContent per tool call.
func (p *Provider) Stream(ctx context.Context, req *providers.CompletionRequest) (<-chan providers.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan providers.Chunk)
	go func() {
		defer close(out)

		stream := p.client.Messages.NewStreaming(ctx, params)
		var toolID, toolName string
		var toolInput strings.Builder
		var inputTokens, outputTokens int

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				ms := event.AsMessageStart()
				inputTokens = int(ms.Message.Usage.InputTokens)
			case "content_block_start":
				cb := event.AsContentBlockStart().ContentBlock
				if cb.Type == "tool_use" {
					tu := cb.AsToolUse()
					toolID, toolName = tu.ID, tu.Name
					toolInput.Reset()
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						c := convo.Text(delta.Text)
						out <- providers.Chunk{Content: &c}
					}
				case "thinking_delta":
					if delta.Thinking != "" {
						c := convo.MessageContent{Kind: convo.KindThinking, Thinking: delta.Thinking, UserVisible: true, AgentVisible: true}
						out <- providers.Chunk{Content: &c}
					}
				case "input_json_delta":
					toolInput.WriteString(delta.PartialJSON)
				}
			case "content_block_stop":
				if toolID != "" {
					c := convo.ToolRequest(toolID, "", toolName, json.RawMessage(toolInput.String()))
					out <- providers.Chunk{Content: &c}
					toolID, toolName = "", ""
				}
			case "message_delta":
				md := event.AsMessageDelta()
				if md.Usage.OutputTokens > 0 {
					outputTokens = int(md.Usage.OutputTokens)
				}
			case "message_stop":
				out <- providers.Chunk{Done: true, Usage: &providers.Usage{InputTokens: inputTokens, OutputTokens: outputTokens}}
				return
			}
		}
		if err := stream.Err(); err != nil {
			out <- providers.Chunk{Err: p.wrapError(err, p.model(req.Model)), Done: true}
		}
	}()
	return out, nil
}

func (p *Provider) Models() []providers.Model {
	return []providers.Model{
		{Canonical: "claude-opus-4", Provider: "anthropic", RawModel: "claude-opus-4-20250514", ContextLimit: 200000, OutputLimit: 32000, SupportsVision: true, SupportsTools: true, SupportsThinking: true},
		{Canonical: "claude-sonnet-4", Provider: "anthropic", RawModel: "claude-sonnet-4-20250514", ContextLimit: 200000, OutputLimit: 64000, SupportsVision: true, SupportsTools: true, SupportsThinking: true},
		{Canonical: "claude-3-5-sonnet", Provider: "anthropic", RawModel: "claude-3-5-sonnet-20241022", ContextLimit: 200000, OutputLimit: 8192, SupportsVision: true, SupportsTools: true},
	}
}

// FetchSupportedModels is a no-op: Anthropic does not expose a models-list
// endpoint the adapter relies on, so Models() stays static.
func (p *Provider) FetchSupportedModels(ctx context.Context) error { return nil }

func (p *Provider) MapToCanonicalModel(rawModel string) (providers.Model, bool) {
	return p.registry.Lookup("anthropic", rawModel)
}

func (p *Provider) GetModelConfig(modelID string) (providers.Model, bool) {
	for _, m := range p.Models() {
		if m.RawModel == modelID || m.Canonical == modelID {
			return m, true
		}
	}
	return p.MapToCanonicalModel(modelID)
}

func (p *Provider) SupportsStreaming() bool   { return true }
func (p *Provider) SupportsTools() bool       { return true }
func (p *Provider) SupportsEmbeddings() bool  { return false }
func (p *Provider) RetryConfig() providers.RetryConfig { return p.retry }

// ConfigureOAuth is unsupported: Anthropic's API authenticates via a
// static key, not an OAuth token exchange.
func (p *Provider) ConfigureOAuth(ctx context.Context, ts oauth2.TokenSource) error {
	return errors.New("anthropic: provider does not support OAuth authentication")
}

func convertMessages(messages []*convo.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == convo.RoleSystem {
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		for _, c := range msg.Content {
			if !c.AgentVisible {
				continue
			}
			switch c.Kind {
			case convo.KindText:
				blocks = append(blocks, anthropic.NewTextBlock(c.Text))
			case convo.KindToolRequest:
				var input map[string]any
				if len(c.ToolInput) > 0 {
					if err := json.Unmarshal(c.ToolInput, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call input: %w", err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(c.ToolCallID, input, c.ToolName))
			case convo.KindToolResponse:
				blocks = append(blocks, anthropic.NewToolResultBlock(c.ToolCallID, c.ToolResultText, c.ToolIsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}

		if msg.Role == convo.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func convertTools(tools []providers.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		out = append(out, param)
	}
	return out, nil
}

func (p *Provider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := &providers.ProviderError{Provider: "anthropic", Model: model, Cause: err}
		pe = pe.WithStatus(apiErr.StatusCode)
		return pe
	}
	return providers.NewProviderError("anthropic", model, err)
}

var _ providers.Provider = (*Provider)(nil)

// Usage is an alias so callers of Complete/CompleteFast in this package
// don't need to import providers just for the return type.
type Usage = providers.Usage
