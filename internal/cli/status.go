package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/screenerlabs/research-pipeline/internal/run"
	"github.com/screenerlabs/research-pipeline/internal/stage"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "List runs, or show detailed status for one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 0 {
			statusFilter, _ := cmd.Flags().GetString("status")
			return listRuns(cmd, a, statusFilter)
		}
		return showRun(cmd, a, args[0])
	},
}

func listRuns(cmd *cobra.Command, a *app, statusFilter string) error {
	runs, err := a.store.List(statusFilter)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	w := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return nil
	}

	fmt.Fprintf(w, "%-45s %-10s %-20s %s\n", "RUN", "STATUS", "STAGE", "PROGRAM")
	fmt.Fprintf(w, "%-45s %-10s %-20s %s\n",
		strings.Repeat("-", 45),
		strings.Repeat("-", 10),
		strings.Repeat("-", 20),
		strings.Repeat("-", 7))
	for _, st := range runs {
		fmt.Fprintf(w, "%-45s %-10s %-20s %s\n", st.ID, st.Status, st.CurrentStage, st.Program.Name)
	}
	return nil
}

func showRun(cmd *cobra.Command, a *app, id string) error {
	st, err := a.store.Get(id)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run %s\n", st.ID)
	fmt.Fprintf(w, "  Program:       %s (%s, %s)\n", st.Program.Name, st.Program.StateCode, st.Program.WhiteLabel)
	fmt.Fprintf(w, "  Status:        %s\n", st.Status)
	fmt.Fprintf(w, "  Current Stage: %s\n", st.CurrentStage)
	fmt.Fprintf(w, "  Created:       %s\n", st.CreatedAt)
	fmt.Fprintf(w, "  Updated:       %s\n", st.UpdatedAt)
	if st.Error != "" {
		fmt.Fprintf(w, "  Error:         %s\n", st.Error)
	}

	if len(st.StageResults) > 0 {
		fmt.Fprintln(w, "  Stages:")
		for _, def := range stage.Registry(&a.cfg.Pipeline) {
			name := string(def.Name)
			res, ok := st.StageResults[name]
			if !ok {
				continue
			}
			line := fmt.Sprintf("    %s: %s", name, res.Resolution)
			if res.Iterations > 0 {
				line += fmt.Sprintf(" (%d attempts)", res.Iterations)
			}
			fmt.Fprintln(w, line)
			for _, issue := range res.OpenIssues {
				fmt.Fprintf(w, "      - %s\n", issue)
			}
		}
	}

	if st.Status == run.StatusRunning && len(st.StageResults) > 0 {
		fmt.Fprintf(w, "  Resume with:   research resume %s\n", st.ID)
	}
	return nil
}

func init() {
	statusCmd.Flags().String("status", "", "Filter by status (running, succeeded, failed)")
}
