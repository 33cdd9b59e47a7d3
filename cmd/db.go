package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "db migrate")
		}
		fmt.Println("Schema is up to date.")
		return nil
	},
}

var dbCleanupLocksCmd = &cobra.Command{
	Use:   "cleanup-locks",
	Short: "Delete expired run locks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		n, err := st.CleanupExpiredLocks(ctx)
		if err != nil {
			return eris.Wrap(err, "db cleanup-locks")
		}
		fmt.Printf("Removed %d expired locks.\n", n)
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbCleanupLocksCmd)
	rootCmd.AddCommand(dbCmd)
}
