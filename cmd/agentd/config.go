package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/anthropics/agentd/internal/mcp"
	"github.com/anthropics/agentd/internal/permission"
	"github.com/anthropics/agentd/internal/providers"
	"github.com/anthropics/agentd/internal/sessionstore"
)

// Config is the root configuration tree for agentd, decoded from a single
// YAML (or JSON/JSON5) document the way internal/config/config.go lays
// out Nexus's Config: one sub-struct per concern, loaded through the same
// extension-sniffing parser internal/config/loader.go uses.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	MCP        mcp.Config       `yaml:"mcp"`
	Permission PermissionConfig `yaml:"permission"`
	Session    SessionConfig    `yaml:"session"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Recipes    RecipesConfig    `yaml:"recipes"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig selects which of the three transports (6.1/6.2/6.3) to
// bring up and on what addresses.
type ServerConfig struct {
	Stdio bool `yaml:"stdio"`

	HTTPAddr string `yaml:"http_addr"`

	WSAddr        string        `yaml:"ws_addr"`
	WSTokenSecret string        `yaml:"ws_token_secret"`
	WSTokenExpiry time.Duration `yaml:"ws_token_expiry"`
}

// ProvidersConfig configures the vendor adapters wired to the
// providers.Provider interface, composing a lead/worker pair the way
// internal/providers/leadworker.go does. The Anthropic adapter is the only
// one constructable here, so Default and Worker can only resolve to
// "anthropic"; any other name fails when the runtime is built.
type ProvidersConfig struct {
	Default string `yaml:"default"`

	Anthropic *AnthropicConfig `yaml:"anthropic"`

	// Worker, if set, names a second configured provider to hand turns to
	// under LeadWorker's turn/failure policy. Empty means the default
	// provider serves every turn alone.
	Worker     string                     `yaml:"worker"`
	LeadWorker providers.LeadWorkerConfig `yaml:"lead_worker"`
}

type AnthropicConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// PermissionConfig seeds the C5 checker's default policy.
type PermissionConfig struct {
	Mode            string        `yaml:"mode"`
	Allow           []string      `yaml:"allow"`
	Deny            []string      `yaml:"deny"`
	RequireApproval []string      `yaml:"require_approval"`
	SafeBins        []string      `yaml:"safe_bins"`
	AskFallback     bool          `yaml:"ask_fallback"`
	RequestTTL      time.Duration `yaml:"request_ttl"`
}

// SessionConfig picks the C8 session-store backend.
type SessionConfig struct {
	// Backend is "file" (default) or "postgres".
	Backend  string                       `yaml:"backend"`
	FileDir  string                       `yaml:"file_dir"`
	Postgres *sessionstore.PostgresConfig `yaml:"postgres"`
}

// SchedulerConfig configures C9's job store and poll cadence.
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	JobStorePath string        `yaml:"job_store_path"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// RecipesConfig points the 6.5 recipe loader at a directory of bundles.
type RecipesConfig struct {
	Dir string `yaml:"dir"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// defaulted fills in zero fields the way runServe's config loading
// expects defaults to already be applied before use.
func (c *Config) defaulted() {
	if c.Providers.Default == "" {
		c.Providers.Default = "anthropic"
	}
	if c.Permission.Mode == "" {
		c.Permission.Mode = string(permission.ModeApprove)
	}
	if c.Permission.RequestTTL <= 0 {
		c.Permission.RequestTTL = 5 * time.Minute
	}
	if c.Session.Backend == "" {
		c.Session.Backend = "file"
	}
	if c.Session.FileDir == "" {
		c.Session.FileDir = "./agentd-sessions"
	}
	if c.Scheduler.JobStorePath == "" {
		c.Scheduler.JobStorePath = "./agentd-jobs.json"
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Server.WSTokenExpiry <= 0 {
		c.Server.WSTokenExpiry = 5 * time.Minute
	}
}

// LoadConfig reads path, sniffing YAML vs JSON/JSON5 by extension the way
// internal/config/loader.go's parseRawBytes does, expanding ${ENV} refs
// the same way internal/config.LoadRaw does before decoding.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agentd: read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	format := strings.ToLower(filepath.Ext(path))
	if format == ".json" || format == ".json5" {
		if err := json5.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("agentd: parse config: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("agentd: parse config: %w", err)
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("agentd: parse config: expected a single document")
		}
	}
	cfg.defaulted()
	return &cfg, nil
}

// Watcher hot-reloads a config file, debouncing bursts of filesystem
// events into a single reload the way internal/skills/manager.go's
// StartWatching/watchLoop does, generalized from skill-directory
// discovery to a single config file and a typed onReload callback.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(*Config, error)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a config watcher; call Start to begin watching.
func NewWatcher(path string, onReload func(*Config, error)) *Watcher {
	return &Watcher{path: path, debounce: 250 * time.Millisecond, onReload: onReload}
}

// Start begins watching the config file's directory (watching the
// directory, not the file, survives editors that replace the file via
// rename-on-save instead of writing in place).
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("agentd: create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("agentd: watch config dir: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.watcher = watcher
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	target := filepath.Clean(w.path)

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			cfg, err := LoadConfig(w.path)
			w.onReload(cfg, err)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onReload(nil, fmt.Errorf("agentd: config watch error: %w", err))
		}
	}
}

// Stop halts watching and waits for the loop goroutine to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	cancel := w.cancel
	watcher := w.watcher
	w.cancel = nil
	w.watcher = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	w.wg.Wait()
	return err
}
