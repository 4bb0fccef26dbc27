package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/screenerlabs/research-pipeline/internal/orchestrator"
	"github.com/screenerlabs/research-pipeline/internal/run"
)

// batchFile is the YAML shape of a batch program list.
type batchFile struct {
	Programs []batchProgram `yaml:"programs"`
}

type batchProgram struct {
	Name       string   `yaml:"name"`
	StateCode  string   `yaml:"state_code"`
	WhiteLabel string   `yaml:"white_label"`
	SourceURLs []string `yaml:"source_urls"`
}

var batchCmd = &cobra.Command{
	Use:   "batch <programs.yaml>",
	Short: "Research several programs concurrently",
	Long: `batch reads a YAML file listing programs and runs each through the
pipeline, bounded by the configured batch concurrency. One program failing
does not stop the others.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read batch file: %w", err)
		}
		var bf batchFile
		if err := yaml.Unmarshal(data, &bf); err != nil {
			return fmt.Errorf("parse batch file: %w", err)
		}
		if len(bf.Programs) == 0 {
			return fmt.Errorf("batch file lists no programs")
		}

		a, err := buildApp(runOverrides(cmd))
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var mu sync.Mutex
		var results []*orchestrator.Result
		var failed int

		g := new(errgroup.Group)
		g.SetLimit(a.cfg.Pipeline.BatchConcurrency)
		for _, bp := range bf.Programs {
			p := run.Program{
				Name:       bp.Name,
				StateCode:  bp.StateCode,
				WhiteLabel: bp.WhiteLabel,
				SourceURLs: bp.SourceURLs,
			}
			g.Go(func() error {
				st, err := a.orc.NewRun(p, a.cfg.Pipeline.MaxFixIterations, a.cfg.Pipeline.ErrorRetryCount())
				if err != nil {
					return fmt.Errorf("create run for %s: %w", p.Name, err)
				}
				res, err := a.orc.Execute(ctx, st.ID)
				if errors.Is(err, context.Canceled) {
					return err
				}
				if err != nil {
					return fmt.Errorf("run %s: %w", st.ID, err)
				}
				mu.Lock()
				results = append(results, res)
				if res.Status == run.StatusFailed {
					failed++
				}
				mu.Unlock()
				return nil
			})
		}
		gerr := g.Wait()

		w := cmd.OutOrStdout()
		for _, res := range results {
			fmt.Fprintf(w, "%s: %s\n", res.RunID, res.Status)
		}
		if errors.Is(gerr, context.Canceled) {
			fmt.Fprintln(w, "Batch interrupted; unfinished runs can be resumed with: research resume <run-id>")
			return nil
		}
		if gerr != nil {
			return gerr
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d runs failed", failed, len(bf.Programs))
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().Int("max-iterations", 0, "Override max fix iterations per QA-gated stage")
	batchCmd.Flags().Int("error-retries", 0, "Override immediate retries after a collaborator error")
	batchCmd.Flags().StringSlice("skip", nil, "Skippable stages to skip (generate_config, create_ticket)")
	batchCmd.Flags().String("output-dir", "", "Directory for run state and artifacts (default: ~/.research-pipeline/runs)")
	batchCmd.Flags().Bool("no-ticket", false, "Skip the ticket stage")
}
