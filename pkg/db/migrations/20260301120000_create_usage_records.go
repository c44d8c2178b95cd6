package migrations

import (
	"database/sql"

	"github.com/jingkaihe/handoff/pkg/db"
	"github.com/pkg/errors"
)

// Migration20260301120000CreateUsageRecords creates the append-only usage_records table.
func Migration20260301120000CreateUsageRecords() db.Migration {
	return db.Migration{
		Version:     20260301120000,
		Description: "Create usage_records table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS usage_records (
					id TEXT PRIMARY KEY,
					service_id TEXT NOT NULL,
					timestamp_ns INTEGER NOT NULL,
					estimated_tokens INTEGER NOT NULL DEFAULT 0,
					success INTEGER NOT NULL,
					duration_seconds REAL NOT NULL DEFAULT 0,
					error_message TEXT,
					exit_code INTEGER
				)
			`)
			return errors.Wrap(err, "failed to create usage_records table")
		},
		Down: func(tx *sql.Tx) error {
			_, err := tx.Exec("DROP TABLE IF EXISTS usage_records")
			return errors.Wrap(err, "failed to drop usage_records table")
		},
	}
}
