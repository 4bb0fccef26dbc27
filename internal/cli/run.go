package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/screenerlabs/research-pipeline/internal/config"
	"github.com/screenerlabs/research-pipeline/internal/orchestrator"
	"github.com/screenerlabs/research-pipeline/internal/run"
)

var runCmd = &cobra.Command{
	Use:   "run <program-name>",
	Short: "Research a benefit program through the full pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stateCode, _ := cmd.Flags().GetString("state")
		whiteLabel, _ := cmd.Flags().GetString("white-label")
		sourceURLs, _ := cmd.Flags().GetStringArray("source-url")

		a, err := buildApp(runOverrides(cmd))
		if err != nil {
			return err
		}
		defer a.Close()

		p := run.Program{
			Name:       args[0],
			StateCode:  stateCode,
			WhiteLabel: whiteLabel,
			SourceURLs: sourceURLs,
		}
		st, err := a.orc.NewRun(p, a.cfg.Pipeline.MaxFixIterations, a.cfg.Pipeline.ErrorRetryCount())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created run %s\n", st.ID)

		return executeRun(cmd, a, st.ID)
	},
}

// runOverrides maps run-level flags onto the loaded config.
func runOverrides(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		if cmd.Flags().Changed("max-iterations") {
			n, _ := cmd.Flags().GetInt("max-iterations")
			cfg.Pipeline.MaxFixIterations = n
		}
		if cmd.Flags().Changed("error-retries") {
			n, _ := cmd.Flags().GetInt("error-retries")
			cfg.Pipeline.ErrorRetries = &n
		}
		if cmd.Flags().Changed("skip") {
			skip, _ := cmd.Flags().GetStringSlice("skip")
			cfg.Pipeline.Skip = skip
		}
		if cmd.Flags().Changed("output-dir") {
			dir, _ := cmd.Flags().GetString("output-dir")
			cfg.Pipeline.RunsDir = dir
		}
		if noTicket, _ := cmd.Flags().GetBool("no-ticket"); noTicket {
			cfg.Pipeline.Skip = appendUnique(cfg.Pipeline.Skip, "create_ticket")
		}
	}
}

func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}

// executeRun drives a run to a terminal state, translating Ctrl-C into a
// cooperative cancellation at the next stage boundary.
func executeRun(cmd *cobra.Command, a *app, runID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := a.orc.Execute(ctx, runID)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s interrupted; resume with: research resume %s\n", runID, runID)
		return nil
	}
	if err != nil {
		return err
	}

	return printResult(cmd, res)
}

func printResult(cmd *cobra.Command, res *orchestrator.Result) error {
	w := cmd.OutOrStdout()
	switch res.Status {
	case run.StatusSucceeded:
		fmt.Fprintf(w, "Run %s succeeded\n", res.RunID)
		if len(res.Unresolved) > 0 {
			fmt.Fprintf(w, "Needs manual review: %s\n", strings.Join(res.Unresolved, ", "))
		}
	case run.StatusFailed:
		fmt.Fprintf(w, "Run %s failed at stage %s: %s\n", res.RunID, res.FailedStage, res.Err)
	default:
		fmt.Fprintf(w, "Run %s is %s\n", res.RunID, res.Status)
	}
	if res.SummaryPath != "" {
		fmt.Fprintf(w, "Summary: %s\n", res.SummaryPath)
	}
	if res.Status == run.StatusFailed {
		return fmt.Errorf("run %s failed", res.RunID)
	}
	return nil
}

func init() {
	runCmd.Flags().String("state", "", "Two-letter state code (required)")
	runCmd.Flags().String("white-label", "", "White label the program belongs to (required)")
	runCmd.Flags().StringArray("source-url", nil, "Seed documentation URL (repeatable)")
	runCmd.Flags().Int("max-iterations", 0, "Override max fix iterations per QA-gated stage")
	runCmd.Flags().Int("error-retries", 0, "Override immediate retries after a collaborator error")
	runCmd.Flags().StringSlice("skip", nil, "Skippable stages to skip (generate_config, create_ticket)")
	runCmd.Flags().String("output-dir", "", "Directory for run state and artifacts (default: ~/.research-pipeline/runs)")
	runCmd.Flags().Bool("no-ticket", false, "Skip the ticket stage")
	runCmd.MarkFlagRequired("state")
	runCmd.MarkFlagRequired("white-label")
}
