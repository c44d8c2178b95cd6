package main

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/handoff/pkg/db"
	"github.com/jingkaihe/handoff/pkg/db/migrations"
	"github.com/jingkaihe/handoff/pkg/presenter"
	"github.com/jingkaihe/handoff/pkg/usage"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "SQLite usage store management commands",
	Long:  `Commands for managing the sqlite usage store (migrations, status, etc.)`,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database migration status",
	Long:  `Shows the current database migration status, including applied and pending migrations.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		path, err := databasePath()
		if err != nil {
			return err
		}

		applied, err := db.GetMigrationStatus(ctx, path)
		if err != nil {
			return errors.Wrap(err, "failed to get migration status")
		}

		printMigrationStatus(cmd.OutOrStdout(), path, applied, migrations.All())
		return nil
	},
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Rollback the last database migration",
	Long:  `Rolls back the most recently applied database migration. Useful for testing or downgrading handoff.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		path, err := databasePath()
		if err != nil {
			return err
		}

		applied, err := db.GetMigrationStatus(ctx, path)
		if err != nil {
			return errors.Wrap(err, "failed to get migration status")
		}

		if len(applied) == 0 {
			presenter.Warning("No migrations to rollback")
			return nil
		}

		lastVersion := applied[len(applied)-1]
		presenter.Info(fmt.Sprintf("Rolling back migration %d: %s", lastVersion, migrationDescription(lastVersion, migrations.All())))

		rolledBack, err := db.RollbackMigration(ctx, path, migrations.All())
		if err != nil {
			return errors.Wrap(err, "failed to rollback migration")
		}
		if rolledBack == nil {
			presenter.Warning("No migrations to rollback")
			return nil
		}

		presenter.Success(fmt.Sprintf("Successfully rolled back migration %d", rolledBack.Version))
		return nil
	},
}

// databasePath is the configured sqlite store path, or the default one
func databasePath() (string, error) {
	if appConfig != nil && appConfig.Store.Type == usage.StoreTypeSQLite && appConfig.Store.Path != "" {
		return appConfig.Store.Path, nil
	}
	return db.DefaultDBPath()
}

func migrationDescription(version int64, all []db.Migration) string {
	for _, m := range all {
		if m.Version == version {
			return m.Description
		}
	}
	return "unknown migration"
}

func printMigrationStatus(w io.Writer, path string, applied []int64, all []db.Migration) {
	appliedMap := make(map[int64]bool, len(applied))
	for _, v := range applied {
		appliedMap[v] = true
	}

	fmt.Fprintln(w, "Database Migration Status")
	fmt.Fprintln(w, "=========================")
	fmt.Fprintf(w, "Database: %s\n\n", path)

	appliedCount := 0
	for _, m := range all {
		status := "[ ]"
		if appliedMap[m.Version] {
			status = "[✓]"
			appliedCount++
		}
		fmt.Fprintf(w, "%s %d - %s\n", status, m.Version, m.Description)
	}

	fmt.Fprintf(w, "\nApplied: %d/%d migrations\n", appliedCount, len(all))
}

func init() {
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbRollbackCmd)
}
