// Package recipe implements spec.md §6.5: a recipe is a declarative
// bundle of (prompt, extensions, parameters, retry policy) for
// reproducible runs, loaded from a YAML/JSON/JSON5 file or decoded from a
// `goose://recipe?config=...` deeplink. Format dispatch and JSON5 support
// are grounded on internal/config/loader.go's parseRawBytes, generalized
// from a raw map[string]any into this package's typed Bundle.
package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Parameter describes one named value a Bundle's prompt can reference.
type Parameter struct {
	Key         string `yaml:"key" json:"key"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
	InputType   string `yaml:"input_type,omitempty" json:"input_type,omitempty"`
}

// RetryPolicy holds a recipe's retry block (max_attempts and validator
// names) as parsed into Bundle.Retry. Nothing in this module reads it:
// FileLoader does not pass it on, and the reply loop runs no validators
// and never re-enters a finished turn.
type RetryPolicy struct {
	MaxAttempts int      `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	Validators  []string `yaml:"validators,omitempty" json:"validators,omitempty"`
}

// Bundle is one parsed recipe file.
type Bundle struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Prompt      string      `yaml:"prompt" json:"prompt"`
	Model       string      `yaml:"model,omitempty" json:"model,omitempty"`
	System      string      `yaml:"system,omitempty" json:"system,omitempty"`
	Extensions  []string    `yaml:"extensions,omitempty" json:"extensions,omitempty"`
	Parameters  []Parameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Retry       RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// ParseFile reads and parses a recipe bundle, dispatching on extension
// the same way internal/config/loader.go picks YAML vs JSON5: ".json" and
// ".json5" go through the JSON5 decoder (which is also valid-JSON
// compatible), anything else through YAML.
func ParseFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recipe: read %s: %w", path, err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes one bundle from data. format is a file extension
// (".yaml", ".json", ".json5") or empty, in which case YAML is assumed
// since goose://recipe deeplinks (decoded by DecodeDeeplink) carry no
// filename to sniff a format from.
func Parse(data []byte, format string) (*Bundle, error) {
	var b Bundle
	switch strings.ToLower(format) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("recipe: parse json5: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("recipe: parse yaml: %w", err)
		}
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Validate checks the invariants a Bundle must satisfy to be runnable.
func (b *Bundle) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("recipe: name is required")
	}
	if strings.TrimSpace(b.Prompt) == "" {
		return fmt.Errorf("recipe: prompt is required")
	}
	seen := make(map[string]bool, len(b.Parameters))
	for _, p := range b.Parameters {
		if strings.TrimSpace(p.Key) == "" {
			return fmt.Errorf("recipe: parameter with empty key")
		}
		if seen[p.Key] {
			return fmt.Errorf("recipe: duplicate parameter key %q", p.Key)
		}
		seen[p.Key] = true
	}
	return nil
}

// Resolve merges values over each Parameter's Default, errors on a
// missing Required parameter, and substitutes `{{key}}` placeholders in
// Prompt. Placeholder substitution is a flat string replace rather than a
// full template engine, mirroring internal/skills/parser.go's
// ExpandBaseDir — recipes only ever interpolate scalar parameter values,
// so text/template's control flow is unused complexity here.
func (b *Bundle) Resolve(values map[string]any) (string, error) {
	bound := make(map[string]any, len(b.Parameters))
	for _, p := range b.Parameters {
		v, ok := values[p.Key]
		if !ok {
			if p.Required {
				return "", fmt.Errorf("recipe: missing required parameter %q", p.Key)
			}
			v = p.Default
		}
		bound[p.Key] = v
	}
	// Extra values not declared as parameters are still available to the
	// prompt template, so ad hoc deeplink query params (spec.md §6.5's
	// "additional parameters") work without a matching Parameter entry.
	for k, v := range values {
		if _, declared := bound[k]; !declared {
			bound[k] = v
		}
	}

	prompt := b.Prompt
	for k, v := range bound {
		prompt = strings.ReplaceAll(prompt, "{{"+k+"}}", fmt.Sprint(v))
	}
	return prompt, nil
}
