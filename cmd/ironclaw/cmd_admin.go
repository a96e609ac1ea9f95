package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/danielsimonjr/ironclaw/internal/config"
	"github.com/danielsimonjr/ironclaw/internal/embedding"
	"github.com/danielsimonjr/ironclaw/internal/store"
	"github.com/danielsimonjr/ironclaw/internal/types"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
)

// openStore loads config and connects the persistence backend for
// CLI-only subcommands. With --no-db the store is nil; doctor tolerates
// that, everything else goes through requireStore.
func openStore(ctx context.Context) (*config.Config, store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if noDB {
		return cfg, nil, nil
	}
	st, err := store.Open(ctx, store.Config{Backend: cfg.Database.Backend, URL: cfg.Database.URL})
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

// requireStore is openStore for subcommands that cannot run without
// persistence.
func requireStore(ctx context.Context) (*config.Config, store.Store, error) {
	cfg, st, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if st == nil {
		return nil, nil, fmt.Errorf("%w: this subcommand requires a database (drop --no-db)", types.ErrConfig)
	}
	return cfg, st, nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Credentials never print.
			cfg.LLM.APIKey = redactIfSet(cfg.LLM.APIKey)
			cfg.Embedding.APIKey = redactIfSet(cfg.Embedding.APIKey)
			cfg.Gateway.AuthToken = redactIfSet(cfg.Gateway.AuthToken)
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	return cmd
}

func redactIfSet(s string) string {
	if s == "" {
		return ""
	}
	return "[set]"
}

func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "memory", Short: "Inspect and edit the memory workspace"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list [prefix]",
		Short: "List workspace documents",
		RunE: func(c *cobra.Command, args []string) error {
			_, st, err := requireStore(c.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			prefix := ""
			if len(args) > 0 {
				prefix = args[0]
			}
			docs, err := st.ListDocuments(c.Context(), defaultUser, prefix, 500)
			if err != nil {
				return err
			}
			for _, d := range docs {
				fmt.Printf("%s\t%d bytes\t%s\n", d.Path, len(d.Content), d.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "write <path> <file>",
		Short: "Write a document from a local file (identity files allowed)",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			cfg, st, err := requireStore(c.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			content, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
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
			ws := workspace.New(st, nil, embedder)
			doc := &types.MemoryDocument{UserID: defaultUser, Path: args[0], Content: string(content), Importance: 0.5}
			if err := ws.WriteUnchecked(c.Context(), doc); err != nil {
				return err
			}
			ws.Drain()
			fmt.Printf("wrote %s\n", doc.Path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "search <query>",
		Short: "Hybrid search over the workspace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cfg, st, err := requireStore(c.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			embedder, _ := embedding.NewEngine(embedding.Config{
				Provider: cfg.Embedding.Provider, APIKey: cfg.Embedding.APIKey,
				Model: cfg.Embedding.Model, Endpoint: cfg.Embedding.Endpoint,
				Dimensions: cfg.Embedding.Dimensions,
			})
			ws := workspace.New(st, nil, embedder)
			results, err := ws.Search(c.Context(), defaultUser, args[0], 10, types.SearchFilters{})
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Printf("%.4f\t%s#%d\t%s\n", r.Score, r.Path, r.ChunkIndex, r.Snippet)
			}
			ws.Drain()
			return nil
		},
	})
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show runtime statistics from persistence",
		RunE: func(c *cobra.Command, _ []string) error {
			_, st, err := requireStore(c.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			usage, err := st.DailyUsage(c.Context(), defaultUser, 7)
			if err != nil {
				return err
			}
			fmt.Println("day\t\tmodel\tcalls\tprompt\tcompletion\tcost")
			for _, u := range usage {
				fmt.Printf("%s\t%s\t%d\t%d\t%d\t$%.4f\n",
					u.Day, u.Model, u.Calls, u.PromptTokens, u.CompletionTokens, u.CostUSD)
			}
			return nil
		},
	}
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and persistence health",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, st, err := openStore(c.Context())
			if err != nil {
				return err
			}
			fmt.Printf("config: ok (state dir %s)\n", cfg.StateDir)
			if st == nil {
				fmt.Println("database: skipped (--no-db)")
				return nil
			}
			defer st.Close()
			if err := st.Ping(c.Context()); err != nil {
				return fmt.Errorf("database: %w", err)
			}
			version, err := st.SchemaVersion(c.Context())
			if err != nil {
				return err
			}
			fmt.Printf("database: ok (%s, schema v%d)\n", cfg.Database.Backend, version)
			return nil
		},
	}
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List threads for the current user",
		RunE: func(c *cobra.Command, _ []string) error {
			_, st, err := requireStore(c.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			session, err := st.GetSessionByUser(c.Context(), defaultUser)
			if err != nil {
				return err
			}
			threads, err := st.ListThreads(c.Context(), session.ID)
			if err != nil {
				return err
			}
			for _, t := range threads {
				active := " "
				if t.ID == session.ActiveThreadID {
					active = "*"
				}
				fmt.Printf("%s %s\t%s\tturns=%d\t%s\n", active, t.ID, t.State, t.TurnCount, t.Title)
			}
			return nil
		},
	}
}

func newCronCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cron",
		Short: "List routines and their schedules",
		RunE: func(c *cobra.Command, _ []string) error {
			_, st, err := requireStore(c.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			routines, err := st.ListRoutines(c.Context(), defaultUser)
			if err != nil {
				return err
			}
			for _, r := range routines {
				trigger := r.CronExpr
				if r.Trigger == types.TriggerPattern {
					trigger = r.Pattern
				}
				fmt.Printf("%s\t%s\t%s\t%q\truns=%d\n", r.ID, r.Name, r.Trigger, trigger, r.RunCount)
			}
			return nil
		},
	}
}

func newLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs [category]",
		Short: "Show today's log file path for a category",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			category := "agent"
			if len(args) > 0 {
				category = args[0]
			}
			path := filepath.Join(cfg.StateDir, "logs",
				fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), category))
			fmt.Println(path)
			return nil
		},
	}
}

func newMessageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "message <text>",
		Short: "Send one message through the gateway API",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Gateway.Enabled {
				return fmt.Errorf("%w: gateway disabled", types.ErrConfig)
			}
			return postGatewayMessage(cfg, args[0])
		},
	}
}

func newChannelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List configured channels",
		RunE: func(c *cobra.Command, _ []string) error {
			fmt.Println("terminal\talways on")
			if addr := os.Getenv("IRONCLAW_WEBHOOK_ADDR"); addr != "" {
				fmt.Printf("webhook\t%s\n", addr)
			}
			if addr := os.Getenv("IRONCLAW_WS_ADDR"); addr != "" {
				fmt.Printf("websocket\t%s\n", addr)
			}
			return nil
		},
	}
}

func newToolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tool list",
		Short: "List the built-in tool names",
		RunE: func(c *cobra.Command, _ []string) error {
			for name := range builtinToolNames() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp <endpoint>",
		Short: "Probe an MCP tool server and list its tools",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return probeMCP(c.Context(), args[0])
		},
	}
}

func newOnboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Seed the state directory and identity documents",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, st, err := requireStore(c.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			ws := workspace.New(st, nil, embedding.NewLocalEngine(cfg.Embedding.Dimensions))
			for _, path := range workspace.IdentityFiles {
				if _, err := ws.ReadIdentity(c.Context(), defaultUser, path); err == nil {
					continue
				}
				doc := &types.MemoryDocument{
					ID:         uuid.New(),
					UserID:     defaultUser,
					Path:       path,
					Content:    fmt.Sprintf("# %s\n\n(Fill this in.)\n", path),
					Importance: 1,
				}
				if err := ws.WriteUnchecked(c.Context(), doc); err != nil {
					return err
				}
				fmt.Printf("seeded %s\n", path)
			}
			ws.Drain()
			return nil
		},
	}
}

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Print the gateway address and auth status",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("enabled=%v addr=127.0.0.1:%d auth=%s\n",
				cfg.Gateway.Enabled, cfg.Gateway.Port, redactIfSet(cfg.Gateway.AuthToken))
			return nil
		},
	}
}

func newServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "service",
		Short: "Print a systemd unit for running the agent",
		RunE: func(c *cobra.Command, _ []string) error {
			bin, _ := os.Executable()
			fmt.Printf(serviceUnit, bin)
			return nil
		},
	}
}

const serviceUnit = `[Unit]
Description=IronClaw assistant runtime
After=network-online.target

[Service]
ExecStart=%s run
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
