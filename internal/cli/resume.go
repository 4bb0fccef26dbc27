package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/screenerlabs/research-pipeline/internal/config"
	"github.com/screenerlabs/research-pipeline/internal/run"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume an interrupted run from its last completed stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		st, err := store.Get(args[0])
		if err != nil {
			return err
		}
		if st.Status != run.StatusRunning {
			return fmt.Errorf("run %s is %s, nothing to resume", st.ID, st.Status)
		}

		a, err := buildApp(resumeBounds(st))
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "Resuming run %s at stage %s\n", st.ID, st.CurrentStage)
		return executeRun(cmd, a, st.ID)
	},
}

// resumeBounds pins the pipeline's retry bounds to the ones the run was
// created with, so a resumed run behaves like the original invocation even
// after the config has changed.
func resumeBounds(st *run.State) func(*config.Config) {
	return func(cfg *config.Config) {
		cfg.Pipeline.MaxFixIterations = st.MaxIterations
		retries := st.ErrorRetries
		cfg.Pipeline.ErrorRetries = &retries
	}
}
