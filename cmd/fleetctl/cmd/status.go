package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rulefleet/rulefleet/pkg/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List rulebook process parents",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show a parent and its latest instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var logsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "Print the latest instance's worker log",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	rootCmd.AddCommand(listCmd, statusCmd, logsCmd)
}

func runList(cmd *cobra.Command, _ []string) error {
	parents, err := st.ListParents(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENABLED\tSTATUS\tRESTARTS\tFAILURES")
	for _, p := range parents {
		fmt.Fprintf(w, "%d\t%s\t%v\t%s\t%d\t%d\n",
			p.ID, p.Name, p.Enabled, p.Status, p.RestartCount, p.FailureCount)
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	ref, err := parseRef(args[0])
	if err != nil {
		return err
	}
	parent, err := st.GetParent(cmd.Context(), ref)
	if err != nil {
		return fmt.Errorf("parent %s: %w", ref, err)
	}

	fmt.Printf("Name:           %s\n", parent.Name)
	fmt.Printf("Type:           %s\n", parent.Type)
	fmt.Printf("Enabled:        %v\n", parent.Enabled)
	fmt.Printf("Image:          %s\n", parent.ImageURL)
	fmt.Printf("Restart policy: %s (max %d)\n", parent.RestartPolicy, parent.MaxRestarts)
	fmt.Printf("Status:         %s\n", parent.Status)
	if parent.StatusMessage != "" {
		fmt.Printf("Message:        %s\n", parent.StatusMessage)
	}
	fmt.Printf("Restarts:       %d\n", parent.RestartCount)
	fmt.Printf("Failures:       %d\n", parent.FailureCount)

	inst, err := st.LatestInstance(cmd.Context(), ref)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Println("Instance:       none")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Instance:       %s (id %d, %s)\n", inst.Name, inst.ID, inst.Status)
	if inst.RuntimeHandle != "" {
		fmt.Printf("Runtime:        %s\n", inst.RuntimeHandle)
	}
	if q, err := st.InstanceQueue(cmd.Context(), inst.ID); err == nil {
		fmt.Printf("Queue:          %s\n", q)
	}
	fmt.Printf("Started:        %s\n", inst.StartedAt.Format(time.RFC3339))
	if !inst.EndedAt.IsZero() {
		fmt.Printf("Ended:          %s\n", inst.EndedAt.Format(time.RFC3339))
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	ref, err := parseRef(args[0])
	if err != nil {
		return err
	}
	inst, err := st.LatestInstance(cmd.Context(), ref)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("parent %s has no instance", ref)
	}
	if err != nil {
		return err
	}
	lines, err := st.InstanceLogs(cmd.Context(), inst.ID)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}
