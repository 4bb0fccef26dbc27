package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the run ledger",
}

var ledgerHistoryCmd = &cobra.Command{
	Use:   "history <run-id>",
	Short: "Print every ledger entry for a run in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.ldb.History(args[0])
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(w, "No ledger entries found.")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%s  %s\n", e.Timestamp, e.Format())
		}
		return nil
	},
}

var ledgerTailCmd = &cobra.Command{
	Use:   "tail <run-id>",
	Short: "Print the most recent ledger messages for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("n")

		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		msgs, err := a.ldb.LastMessages(args[0], n)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Fprintln(cmd.OutOrStdout(), m)
		}
		return nil
	},
}

var ledgerVerdictsCmd = &cobra.Command{
	Use:   "verdicts <run-id>",
	Short: "Print the QA verdict history for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		verdicts, err := a.ldb.Verdicts(args[0])
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(verdicts) == 0 {
			fmt.Fprintln(w, "No verdicts found.")
			return nil
		}
		for _, v := range verdicts {
			outcome := "rejected"
			if v.Passed {
				outcome = "passed"
			}
			fmt.Fprintf(w, "%s  %s attempt %d: %s\n", v.Timestamp, v.Stage, v.Iteration, outcome)
			for _, issue := range v.Issues {
				fmt.Fprintf(w, "    - %s\n", issue)
			}
		}
		return nil
	},
}

func init() {
	ledgerCmd.AddCommand(ledgerHistoryCmd)
	ledgerCmd.AddCommand(ledgerTailCmd)
	ledgerCmd.AddCommand(ledgerVerdictsCmd)

	ledgerTailCmd.Flags().Int("n", 15, "Number of messages to show")
}
