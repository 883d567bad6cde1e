package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harborpipe/internal/db"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Create the harborpipe schema, tables, row-level security policies and the
tenant role. The schema is idempotent, so running it again is safe.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		printOnly, _ := cmd.Flags().GetBool("print")
		if printOnly {
			fmt.Fprint(cmd.OutOrStdout(), db.Schema())
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		pool, err := connectDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().Bool("print", false, "print the schema instead of applying it")
}
