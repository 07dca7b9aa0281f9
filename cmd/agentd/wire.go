package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	agentcontext "github.com/anthropics/agentd/internal/context"
	"github.com/anthropics/agentd/internal/convo"
	"github.com/anthropics/agentd/internal/extmanager"
	"github.com/anthropics/agentd/internal/mcp"
	"github.com/anthropics/agentd/internal/permission"
	"github.com/anthropics/agentd/internal/providers"
	"github.com/anthropics/agentd/internal/providers/anthropic"
	"github.com/anthropics/agentd/internal/recipe"
	"github.com/anthropics/agentd/internal/replyloop"
	"github.com/anthropics/agentd/internal/scheduler"
	"github.com/anthropics/agentd/internal/sessionstore"
	"github.com/anthropics/agentd/internal/transport"
)

// runtime bundles every wired component plus the transport listeners, so
// a single Start/Stop pair governs the whole process the way
// gateway.ManagedServer does for Nexus.
type runtime struct {
	logger *slog.Logger

	store     sessionstore.Store
	mcpMgr    *mcp.Manager
	loop      *replyloop.Loop
	scheduler *scheduler.Scheduler

	httpSrv *http.Server
	wsSrv   *http.Server
	stdio   *transport.StdioServer
}

// buildProvider resolves ProvidersConfig into a providers.Provider,
// composing lead/worker if a second named provider is configured,
// following internal/providers/leadworker.go's composition over two
// adapters. "anthropic" is the only buildable provider name.
func buildProvider(cfg ProvidersConfig) (providers.Provider, error) {
	built := map[string]providers.Provider{}

	if cfg.Anthropic != nil {
		p, err := anthropic.New(anthropic.Config{
			APIKey:       cfg.Anthropic.APIKey,
			BaseURL:      cfg.Anthropic.BaseURL,
			DefaultModel: cfg.Anthropic.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("agentd: anthropic provider: %w", err)
		}
		built["anthropic"] = p
	}

	lead, ok := built[cfg.Default]
	if !ok {
		return nil, fmt.Errorf("agentd: no provider configured for default %q", cfg.Default)
	}
	if cfg.Worker == "" {
		return lead, nil
	}
	worker, ok := built[cfg.Worker]
	if !ok {
		return nil, fmt.Errorf("agentd: no provider configured for worker %q", cfg.Worker)
	}
	lwCfg := cfg.LeadWorker
	if lwCfg == (providers.LeadWorkerConfig{}) {
		lwCfg = providers.DefaultLeadWorkerConfig()
	}
	return providers.NewLeadWorker(lead, worker, lwCfg), nil
}

// buildSessionStore resolves SessionConfig into a sessionstore.Store.
func buildSessionStore(cfg SessionConfig) (sessionstore.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return sessionstore.NewPostgresStore(cfg.Postgres)
	default:
		return sessionstore.NewFileStore(cfg.FileDir)
	}
}

// summarizerFor adapts a providers.Provider's CompleteFast call to
// agentcontext.Summarizer, the way replyloop.Config expects the caller
// (not C6 itself) to bridge C2 and C6.
func summarizerFor(p providers.Provider, model string) agentcontext.Summarizer {
	return agentcontext.FuncSummarizer(func(ctx context.Context, messages []*convo.Message, previousSummary string) (string, error) {
		req := &providers.CompletionRequest{
			Model:    model,
			System:   "Summarize the conversation so far in a few dense paragraphs, preserving decisions, open questions, and file/identifier names a reader would need to resume the work.",
			Messages: messages,
		}
		if previousSummary != "" {
			req.Messages = append([]*convo.Message{convo.NewMessage("", convo.RoleUser, convo.Text("Previous summary:\n"+previousSummary))}, req.Messages...)
		}
		msg, _, err := p.CompleteFast(ctx, req)
		if err != nil {
			return "", err
		}
		for _, c := range msg.Content {
			if c.Kind == convo.KindText {
				return c.Text, nil
			}
		}
		return "", errors.New("agentd: summarizer returned no text content")
	})
}

// buildRuntime wires every C1-C9 component together from cfg, following
// runServe's construct-then-Start shape in cmd/nexus/handlers_serve.go.
func buildRuntime(ctx context.Context, cfg *Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{logger: logger}

	store, err := buildSessionStore(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("agentd: session store: %w", err)
	}
	rt.store = store

	provider, err := buildProvider(cfg.Providers)
	if err != nil {
		return nil, err
	}

	mcpMgr := mcp.NewManager(&cfg.MCP, logger)
	if err := mcpMgr.Start(ctx); err != nil {
		logger.Warn("mcp: one or more auto-start servers failed to connect", "error", err)
	}
	rt.mcpMgr = mcpMgr

	extMgr := extmanager.New(mcpMgr, logger)
	extMgr.Refresh()

	policy := &permission.Policy{
		Mode:            permission.Mode(cfg.Permission.Mode),
		Allow:           cfg.Permission.Allow,
		Deny:            cfg.Permission.Deny,
		RequireApproval: cfg.Permission.RequireApproval,
		SafeBins:        cfg.Permission.SafeBins,
		AskFallback:     cfg.Permission.AskFallback,
		DefaultDecision: permission.AskBefore,
		RequestTTL:      cfg.Permission.RequestTTL,
	}
	checker := permission.NewChecker(policy)
	checker.SetStore(permission.NewMemoryStore())

	model := defaultModelFor(cfg.Providers)
	ctxMgr := agentcontext.NewManager(model, summarizerFor(provider, model))

	loop := replyloop.New(replyloop.Config{
		Provider:    provider,
		Store:       store,
		Extensions:  extMgr,
		Permissions: checker,
		Context:     ctxMgr,
		Model:       model,
	})
	rt.loop = loop

	handler := transport.NewAgentHandler(transport.ServerInfo{Name: "agentd", Version: version}, store, loop)

	if cfg.Server.Stdio {
		rt.stdio = transport.NewStdioServer(handler, os.Stdin, os.Stdout, logger)
	}
	if cfg.Server.HTTPAddr != "" {
		httpTransport := transport.NewHTTPServer(handler, logger)
		rt.httpSrv = &http.Server{Addr: cfg.Server.HTTPAddr, Handler: httpTransport.Mux()}
	}
	if cfg.Server.WSAddr != "" {
		tokens := transport.NewWSTokenIssuer(cfg.Server.WSTokenSecret, cfg.Server.WSTokenExpiry)
		wsTransport := transport.NewWSServer(handler, tokens, logger)
		mux := http.NewServeMux()
		mux.Handle("/ws", wsTransport)
		rt.wsSrv = &http.Server{Addr: cfg.Server.WSAddr, Handler: mux}
	}

	if cfg.Scheduler.Enabled {
		jobStore := scheduler.NewFileJobStore(cfg.Scheduler.JobStorePath)
		sessionFactory := scheduler.NewSessionStoreFactory(store)
		loader := recipe.NewFileLoader(cfg.Recipes.Dir)
		runner := scheduler.NewAgentRecipeRunner(loader, loop)
		sched, err := scheduler.NewScheduler(jobStore, sessionFactory, runner,
			scheduler.WithTickInterval(cfg.Scheduler.TickInterval))
		if err != nil {
			return nil, fmt.Errorf("agentd: scheduler: %w", err)
		}
		rt.scheduler = sched
	}

	return rt, nil
}

func defaultModelFor(cfg ProvidersConfig) string {
	if cfg.Anthropic != nil && cfg.Anthropic.DefaultModel != "" {
		return cfg.Anthropic.DefaultModel
	}
	return "claude-sonnet-4-20250514"
}

// Start brings up every configured transport and the scheduler. It
// returns once everything has launched; Stop tears them back down.
func (rt *runtime) Start(ctx context.Context) error {
	if rt.scheduler != nil {
		if err := rt.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("agentd: start scheduler: %w", err)
		}
	}
	if rt.stdio != nil {
		go func() {
			if err := rt.stdio.Serve(ctx); err != nil {
				rt.logger.Error("stdio transport exited", "error", err)
			}
		}()
	}
	if rt.httpSrv != nil {
		go func() {
			if err := rt.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error("http transport exited", "error", err)
			}
		}()
	}
	if rt.wsSrv != nil {
		go func() {
			if err := rt.wsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error("websocket transport exited", "error", err)
			}
		}()
	}
	return nil
}

// Stop shuts every listener down within the given context's deadline.
func (rt *runtime) Stop(ctx context.Context) error {
	var errs []error
	if rt.httpSrv != nil {
		if err := rt.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.wsSrv != nil {
		if err := rt.wsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.scheduler != nil {
		if err := rt.scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.mcpMgr != nil {
		if err := rt.mcpMgr.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// timeoutCtx is a small convenience matching runServe's 30s graceful
// shutdown window in cmd/nexus/handlers_serve.go.
func timeoutCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
