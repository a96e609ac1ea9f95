package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danielsimonjr/ironclaw/internal/agent"
	"github.com/danielsimonjr/ironclaw/internal/background"
	"github.com/danielsimonjr/ironclaw/internal/channels"
	"github.com/danielsimonjr/ironclaw/internal/config"
	"github.com/danielsimonjr/ironclaw/internal/embedding"
	"github.com/danielsimonjr/ironclaw/internal/gateway"
	"github.com/danielsimonjr/ironclaw/internal/llm"
	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/safety"
	"github.com/danielsimonjr/ironclaw/internal/sandbox"
	"github.com/danielsimonjr/ironclaw/internal/store"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/types"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
)

// defaultUser is the nominal single-user partition key.
const defaultUser = "default"

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the agent runtime (default)",
		RunE:  runAgent,
	}
}

// envSecretResolver resolves declared credentials from the environment
// vault (IRONCLAW_SECRET_<NAME>).
type envSecretResolver struct{}

func (envSecretResolver) Resolve(name string) (string, error) {
	key := "IRONCLAW_SECRET_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %q not configured", name)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("starting ironclaw",
		zap.String("db", cfg.Database.Backend),
		zap.String("llm", cfg.LLM.Backend))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Safety pipeline first: everything else hangs guards off it.
	pipeline, err := safety.New(safety.Config{
		MaxContentLength:         cfg.Safety.MaxOutputLength,
		InjectionCheckEnabled:    cfg.Safety.InjectionCheckEnabled,
		AcknowledgeInjectionRisk: cfg.Safety.AcknowledgeInjectionRisk,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrConfig, err)
	}
	logging.SetRedactor(pipeline.Redactor())

	if noDB {
		return errors.New("the agent requires a persistence connection; --no-db applies to CLI-only subcommands")
	}
	st, err := store.Open(ctx, store.Config{Backend: cfg.Database.Backend, URL: cfg.Database.URL})
	if err != nil {
		return err
	}
	defer st.Close()

	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:   cfg.Embedding.Provider,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Endpoint:   cfg.Embedding.Endpoint,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return err
	}
	ws := workspace.New(st, workspace.NewChunker(workspace.DefaultChunkerConfig()), embedder)

	provider, err := llm.NewFromConfig(cfg.LLM)
	if err != nil {
		return err
	}

	// Sandbox plumbing.
	tokens := sandbox.NewTokenManager(cfg.Sandbox.TokenTTL())
	selfBin, _ := os.Executable()
	orchestrator := sandbox.NewOrchestrator(tokens, provider, envSecretResolver{}, st,
		pipeline, cfg.Sandbox.ListenAddr, selfBin)

	// Tools.
	registry := tools.NewRegistry()
	policy := tools.NewShellPolicy(cfg.Safety.BinaryAllowlistEnforced, cfg.Safety.AllowedBinaries)
	dispatcher := tools.NewDispatcher(registry, pipeline, orchestrator, st, cfg.Sandbox.Enabled)

	// Agent core.
	sessions := agent.NewSessionManager(st)
	gate := agent.NewApprovalGate()
	scheduler := agent.NewScheduler(cfg.Agent.MaxParallelJobs, 5*time.Second)
	monitor := agent.NewContextMonitor(st, provider, cfg.Agent.ContextLimitTokens,
		cfg.Agent.CompactionThreshold, cfg.Agent.CompactionKeepRecent)

	manager := channels.NewManager()
	worker := agent.NewWorker(st, provider, provider.PricingFor, dispatcher, ws,
		pipeline, gate, sessions, monitor, cfg.Agent.MaxIterations)
	core := agent.New(st, sessions, gate, scheduler, worker, manager)

	tools.RegisterPhases(registry, policy, ws, st, core)

	// Channels.
	if err := manager.Register(channels.NewTerminalChannel(defaultUser)); err != nil {
		return err
	}
	if addr := os.Getenv("IRONCLAW_WEBHOOK_ADDR"); addr != "" {
		if err := manager.Register(channels.NewWebhookChannel(defaultUser, addr)); err != nil {
			return err
		}
	}
	if addr := os.Getenv("IRONCLAW_WS_ADDR"); addr != "" {
		if err := manager.Register(channels.NewWebSocketChannel(defaultUser, addr)); err != nil {
			return err
		}
	}

	watcher := config.NewWatcher(cfg)
	runner := background.NewRunner(cfg, st, core, ws, watcher, defaultUser)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { scheduler.Run(gctx); return nil })
	g.Go(func() error { return ignoreCancel(runner.Run(gctx)) })
	if cfg.Sandbox.Enabled {
		g.Go(func() error { return ignoreCancel(orchestrator.Start(gctx)) })
	}
	if cfg.Gateway.Enabled {
		gw := gateway.New(core, st, ws, defaultUser, cfg.Gateway.AuthToken, cfg.Gateway.Port)
		gw.SetInject(func(ctx context.Context, msg *types.IncomingMessage) {
			core.HandleMessage(ctx, msg)
		})
		g.Go(func() error { return ignoreCancel(gw.Start(gctx)) })
		if err := manager.Register(newGatewayChannel(gw)); err != nil {
			return err
		}
	}

	stream, err := manager.Start(gctx)
	if err != nil {
		return err
	}
	g.Go(func() error {
		for msg := range stream {
			msg := msg
			runner.MatchMessage(gctx, &msg)
			core.HandleMessage(gctx, &msg)
		}
		return nil
	})

	logging.Boot("ironclaw up: %d tools, sandbox=%v, gateway=%v",
		registry.Count(), cfg.Sandbox.Enabled, cfg.Gateway.Enabled)
	err = g.Wait()
	manager.Shutdown(context.Background())
	return ignoreCancel(err)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func isConfigError(err error) bool {
	return errors.Is(err, types.ErrConfig)
}

func isAuthError(err error) bool {
	return errors.Is(err, types.ErrNotAuthorized) || errors.Is(err, types.ErrLlmAuth)
}
