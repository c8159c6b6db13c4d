// Package cmd provides the CLI commands for fleetctl.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rulefleet/rulefleet/pkg/core"
	"github.com/rulefleet/rulefleet/pkg/requests"
	"github.com/rulefleet/rulefleet/pkg/store"
)

var (
	databaseURL string
	parentType  string

	st    store.Store
	queue *requests.Queue
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Manage rulefleet rulebook processes",
	Long: `fleetctl is the command-line interface for the rulefleet orchestrator.

It creates and inspects rulebook process parents and files lifecycle
requests (start, stop, restart, delete) that the orchestrator picks up.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if databaseURL == "" {
			databaseURL = os.Getenv("RULEFLEET_DATABASE_URL")
		}
		if databaseURL == "" {
			return fmt.Errorf("no database configured: set --database-url or RULEFLEET_DATABASE_URL")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		pg, err := store.OpenPostgres(ctx, databaseURL, 2)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		st = pg
		queue = requests.New(st)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = "0.1.0"
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "",
		"postgres connection string (defaults to RULEFLEET_DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&parentType, "type",
		string(core.ParentTypeActivation), "parent type")
}

func parseRef(arg string) (core.ParentRef, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return core.ParentRef{}, fmt.Errorf("invalid parent id %q", arg)
	}
	return core.ParentRef{Type: core.ParentType(parentType), ID: id}, nil
}
