package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rulefleet/rulefleet/pkg/core"
)

var (
	createImage         string
	createRulebookFile  string
	createRulebookName  string
	createRestartPolicy string
	createMaxRestarts   int
	createDisabled      bool
	createTokenAttached bool
)

var createCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a rulebook process parent",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

func init() {
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().StringVar(&createImage, "image", "", "worker container image")
	createCmd.Flags().StringVar(&createRulebookFile, "rulebook-file", "",
		"file with the ruleset content to snapshot")
	createCmd.Flags().StringVar(&createRulebookName, "rulebook-name", "",
		"display name of the rulebook")
	createCmd.Flags().StringVar(&createRestartPolicy, "restart-policy",
		string(core.RestartOnFailure), "restart policy: never, on-failure or always")
	createCmd.Flags().IntVar(&createMaxRestarts, "max-restarts", 5,
		"restart ceiling after failures, negative for unlimited")
	createCmd.Flags().BoolVar(&createDisabled, "disabled", false,
		"create the parent disabled")
	createCmd.Flags().BoolVar(&createTokenAttached, "token-attached", false,
		"mark a controller token credential as attached")
	createCmd.MarkFlagRequired("image")
}

func runCreate(cmd *cobra.Command, args []string) error {
	switch core.RestartPolicy(createRestartPolicy) {
	case core.RestartNever, core.RestartOnFailure, core.RestartAlways:
	default:
		return fmt.Errorf("invalid restart policy %q", createRestartPolicy)
	}

	var rulebook string
	if createRulebookFile != "" {
		data, err := os.ReadFile(createRulebookFile)
		if err != nil {
			return fmt.Errorf("read rulebook: %w", err)
		}
		rulebook = string(data)
	}

	parent := &core.ProcessParent{
		Type:          core.ParentType(parentType),
		Name:          args[0],
		Enabled:       !createDisabled,
		RulebookName:  createRulebookName,
		Rulebook:      rulebook,
		ImageURL:      createImage,
		TokenAttached: createTokenAttached,
		RestartPolicy: core.RestartPolicy(createRestartPolicy),
		MaxRestarts:   createMaxRestarts,
		Status:        core.StatusPending,
	}
	if err := st.CreateParent(cmd.Context(), parent); err != nil {
		return err
	}
	fmt.Printf("created %s %q with id %d\n", parent.Type, parent.Name, parent.ID)
	return nil
}
