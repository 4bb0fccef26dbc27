package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Ledger database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply ledger schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ldb, err := openLedger(cfg)
		if err != nil {
			return err
		}
		defer ldb.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "Ledger schema is up to date.")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the ledger database (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirmed, _ := cmd.Flags().GetBool("yes")
		if !confirmed {
			return fmt.Errorf("refusing to reset without --yes")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ldb, err := openLedger(cfg)
		if err != nil {
			return err
		}
		defer ldb.Close()

		if err := ldb.Reset(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Ledger reset.")
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)

	dbResetCmd.Flags().Bool("yes", false, "Confirm the reset")
}
