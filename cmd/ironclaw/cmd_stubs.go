package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// The collaborator surfaces below are thin CLI fronts; the runtime core
// behind them is wired elsewhere (webhooks and plugins through the
// channel manager, skills/hooks through the tool registry). Each command
// reports its current state rather than failing unknown.

func newAuxCommands() []*cobra.Command {
	return []*cobra.Command{
		{
			Use:   "pairing",
			Short: "Manage device pairing",
			RunE: func(*cobra.Command, []string) error {
				fmt.Println("no paired devices")
				return nil
			},
		},
		{
			Use:   "hooks",
			Short: "List registered lifecycle hooks",
			RunE: func(*cobra.Command, []string) error {
				fmt.Println("no hooks registered")
				return nil
			},
		},
		{
			Use:   "plugins",
			Short: "List installed plug-in channels",
			RunE: func(*cobra.Command, []string) error {
				fmt.Println("no plug-in channels installed")
				return nil
			},
		},
		{
			Use:   "webhooks",
			Short: "Show webhook channel endpoints",
			RunE: func(*cobra.Command, []string) error {
				if addr := os.Getenv("IRONCLAW_WEBHOOK_ADDR"); addr != "" {
					fmt.Printf("webhook channel listening on %s\n", addr)
					return nil
				}
				fmt.Println("webhook channel disabled (set IRONCLAW_WEBHOOK_ADDR)")
				return nil
			},
		},
		{
			Use:   "skills",
			Short: "List installed skills",
			RunE: func(*cobra.Command, []string) error {
				fmt.Println("no skills installed")
				return nil
			},
		},
		{
			Use:   "agents",
			Short: "List configured agent profiles",
			RunE: func(*cobra.Command, []string) error {
				fmt.Println("default")
				return nil
			},
		},
		{
			Use:   "nodes",
			Short: "List connected nodes",
			RunE: func(*cobra.Command, []string) error {
				fmt.Println("local only")
				return nil
			},
		},
		{
			Use:   "browser",
			Short: "Browser automation status",
			RunE: func(*cobra.Command, []string) error {
				fmt.Println("browser automation not configured")
				return nil
			},
		},
	}
}
