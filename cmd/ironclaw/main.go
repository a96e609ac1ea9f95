// Command ironclaw is the single-binary entry point for the IronClaw
// assistant runtime. The default subcommand starts the agent; `worker`
// is invoked inside sandbox containers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielsimonjr/ironclaw/internal/config"
	"github.com/danielsimonjr/ironclaw/internal/logging"
)

// Exit codes.
const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
	exitAuth   = 3
)

var (
	logger *zap.Logger
	noDB   bool
)

func main() {
	os.Exit(run())
}

func run() int {
	var err error
	logger, err = zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return exitError
	}
	defer logger.Sync()
	defer logging.CloseAll()

	root := &cobra.Command{
		Use:   "ironclaw",
		Short: "Self-hostable AI assistant runtime",
		Long: "IronClaw ingests messages from terminal, webhook and WebSocket channels,\n" +
			"routes them through a tool-calling agent with defense-in-depth safety, and\n" +
			"keeps a persistent memory workspace with hybrid search.",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Default subcommand starts the agent.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, args)
		},
	}
	root.PersistentFlags().BoolVar(&noDB, "no-db", false, "operate without a persistence connection")

	root.AddCommand(
		newRunCmd(),
		newWorkerCmd(),
		newOnboardCmd(),
		newConfigCmd(),
		newMemoryCmd(),
		newStatusCmd(),
		newDoctorCmd(),
		newGatewayCmd(),
		newSessionsCmd(),
		newCronCmd(),
		newLogsCmd(),
		newMessageCmd(),
		newChannelsCmd(),
		newToolCmd(),
		newMCPCmd(),
		newServiceCmd(),
	)
	root.AddCommand(newAuxCommands()...)

	if err := root.Execute(); err != nil {
		logger.Error("command failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return classifyExit(err)
	}
	return exitOK
}

// classifyExit maps error kinds onto the CLI contract.
func classifyExit(err error) int {
	switch {
	case isConfigError(err):
		return exitConfig
	case isAuthError(err):
		return exitAuth
	default:
		return exitError
	}
}

// loadConfig loads and validates configuration, initializing the file
// logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.StateDir, cfg.Logging.Level, cfg.Logging.Debug); err != nil {
		return nil, err
	}
	return cfg, nil
}
