package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rulefleet/rulefleet/pkg/core"
)

func verbCommand(use, short string, verb core.RequestVerb) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			if _, err := st.GetParent(cmd.Context(), ref); err != nil {
				return fmt.Errorf("parent %s: %w", ref, err)
			}
			if err := queue.Push(cmd.Context(), ref, verb); err != nil {
				return err
			}
			fmt.Printf("%s requested for %s\n", verb, ref)
			return nil
		},
	}
}

var (
	startCmd   = verbCommand("start", "Start a rulebook process", core.VerbStart)
	stopCmd    = verbCommand("stop", "Stop a rulebook process", core.VerbStop)
	restartCmd = verbCommand("restart", "Restart a rulebook process", core.VerbRestart)
	deleteCmd  = verbCommand("delete", "Delete a rulebook process parent", core.VerbDelete)
)

var enableCmd = &cobra.Command{
	Use:   "enable ID",
	Short: "Enable a rulebook process parent",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd, args[0], true) },
}

var disableCmd = &cobra.Command{
	Use:   "disable ID",
	Short: "Disable a rulebook process parent and stop its workers",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd, args[0], false) },
}

func setEnabled(cmd *cobra.Command, arg string, enabled bool) error {
	ref, err := parseRef(arg)
	if err != nil {
		return err
	}
	if err := st.UpdateParent(cmd.Context(), ref,
		core.ParentPatch{Enabled: core.Ptr(enabled)}); err != nil {
		return err
	}
	if !enabled {
		// A queued stop tears the worker down promptly instead of
		// waiting for the next sweep.
		if err := queue.Push(cmd.Context(), ref, core.VerbStop); err != nil {
			return err
		}
	}
	fmt.Printf("%s enabled=%v\n", ref, enabled)
	return nil
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, deleteCmd, enableCmd, disableCmd)
}
