package migrations

import (
	"database/sql"

	"github.com/jingkaihe/handoff/pkg/db"
	"github.com/pkg/errors"
)

// Migration20260301120001AddUsageIndexes adds the indexes used by window counts and error lookups.
func Migration20260301120001AddUsageIndexes() db.Migration {
	return db.Migration{
		Version:     20260301120001,
		Description: "Add usage_records window and failure indexes",
		Up: func(tx *sql.Tx) error {
			indexes := []string{
				"CREATE INDEX IF NOT EXISTS idx_usage_records_service_time ON usage_records(service_id, timestamp_ns)",
				"CREATE INDEX IF NOT EXISTS idx_usage_records_failures ON usage_records(service_id, success, timestamp_ns DESC)",
				"CREATE INDEX IF NOT EXISTS idx_usage_records_time ON usage_records(timestamp_ns)",
			}
			for _, stmt := range indexes {
				if _, err := tx.Exec(stmt); err != nil {
					return errors.Wrapf(err, "failed to create index: %s", stmt)
				}
			}
			return nil
		},
		Down: func(tx *sql.Tx) error {
			for _, name := range []string{"idx_usage_records_service_time", "idx_usage_records_failures", "idx_usage_records_time"} {
				if _, err := tx.Exec("DROP INDEX IF EXISTS " + name); err != nil {
					return errors.Wrapf(err, "failed to drop index %s", name)
				}
			}
			return nil
		},
	}
}
