// Package extmanager aggregates every connected extension (currently MCP
// servers; the interface leaves room for an in-process extension kind)
// behind one namespaced tool registry, so the reply loop dispatches a tool
// call without needing to know which transport backs it.
package extmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/anthropics/agentd/internal/mcp"
)

// Separator joins an extension id and a bare tool name into the dispatch
// key the reply loop and permission policy see: "<ext>__<tool>".
const Separator = "__"

// Namespace builds the dispatch key for a tool owned by extension ext.
func Namespace(ext, tool string) string {
	if ext == "" {
		return tool
	}
	return ext + Separator + tool
}

// Split reverses Namespace. ok is false if name carries no recognized
// extension prefix (a built-in tool).
func Split(name string) (ext, tool string, ok bool) {
	idx := strings.Index(name, Separator)
	if idx < 0 {
		return "", name, false
	}
	return name[:idx], name[idx+len(Separator):], true
}

// Tool is the extension-manager view of one callable tool, decorated with
// the extension that owns it and a compiled schema validator.
type Tool struct {
	Extension   string
	Name        string // bare name, not namespaced
	Description string
	InputSchema json.RawMessage

	schema *jsonschema.Schema
}

// NamespacedName returns the dispatch key "<ext>__<tool>" for t.
func (t *Tool) NamespacedName() string {
	return Namespace(t.Extension, t.Name)
}

// Validate checks args against the tool's input schema, if one compiled.
// A tool with no schema, or an uncompilable schema, always validates —
// schema enforcement is a safety net, not a hard requirement for every
// third-party server to have written perfect JSON Schema.
func (t *Tool) Validate(args json.RawMessage) error {
	if t.schema == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("tool %s: invalid arguments JSON: %w", t.NamespacedName(), err)
	}
	if err := t.schema.Validate(v); err != nil {
		return fmt.Errorf("tool %s: arguments do not match schema: %w", t.NamespacedName(), err)
	}
	return nil
}

// Manager owns the set of connected extensions and dispatches namespaced
// tool calls to the right one.
type Manager struct {
	mcp    *mcp.Manager
	logger *slog.Logger

	mu    sync.RWMutex
	index map[string]*Tool // namespaced name -> tool
}

// New creates an extension manager backed by an MCP manager.
func New(mcpMgr *mcp.Manager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		mcp:    mcpMgr,
		logger: logger.With("component", "extmanager"),
		index:  make(map[string]*Tool),
	}
}

// Refresh rebuilds the namespaced tool index from the current MCP state.
// Called on startup, and by WatchListChanged on each listChanged
// notification once that watcher is running.
func (m *Manager) Refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.index = make(map[string]*Tool)
	for ext, tools := range m.mcp.AllTools() {
		for _, t := range tools {
			tool := &Tool{
				Extension:   ext,
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			}
			if len(t.InputSchema) > 0 {
				if compiled, err := compileSchema(t.InputSchema); err == nil {
					tool.schema = compiled
				} else {
					m.logger.Debug("tool schema did not compile, validation skipped",
						"extension", ext, "tool", t.Name, "error", err)
				}
			}
			m.index[tool.NamespacedName()] = tool
		}
	}
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	const resourceName = "tool-input-schema.json"
	if err := compiler.AddResource(resourceName, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(resourceName)
}

// Tools returns every registered tool, namespaced, sorted by name for a
// stable listing (e.g. for the list_functions pseudo-tool).
func (m *Manager) Tools() []*Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Tool, 0, len(m.index))
	for _, t := range m.index {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NamespacedName() < out[j].NamespacedName() })
	return out
}

// Lookup finds a tool by its namespaced dispatch name.
func (m *Manager) Lookup(namespacedName string) (*Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.index[namespacedName]
	return t, ok
}

// Dispatch validates and executes a namespaced tool call. name must
// already carry the "<ext>__<tool>" form; built-in tools (no separator)
// are not this manager's concern and should be short-circuited by the
// reply loop before reaching here.
func (m *Manager) Dispatch(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
	tool, ok := m.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("extmanager: no such tool %q", name)
	}
	if err := tool.Validate(args); err != nil {
		return nil, err
	}

	var argMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argMap); err != nil {
			return nil, fmt.Errorf("extmanager: arguments for %q are not a JSON object: %w", name, err)
		}
	}

	return m.mcp.CallTool(ctx, tool.Extension, tool.Name, argMap)
}

// WatchListChanged subscribes to every connected server's notification
// stream and refreshes the index on tools/resources/prompts listChanged,
// per the MCP spec's cache-invalidation contract.
func (m *Manager) WatchListChanged(ctx context.Context) {
	for id, client := range m.mcp.Clients() {
		go func(serverID string, events <-chan *mcp.JSONRPCNotification) {
			for {
				select {
				case <-ctx.Done():
					return
				case notif, ok := <-events:
					if !ok {
						return
					}
					if notif == nil {
						continue
					}
					switch notif.Method {
					case "notifications/tools/list_changed",
						"notifications/resources/list_changed",
						"notifications/prompts/list_changed":
						m.logger.Debug("extension list changed, refreshing", "server", serverID)
						m.Refresh()
					}
				}
			}
		}(id, client.Events())
	}
}
