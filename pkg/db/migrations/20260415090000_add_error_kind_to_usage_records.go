package migrations

import (
	"database/sql"

	"github.com/jingkaihe/handoff/pkg/db"
	"github.com/pkg/errors"
)

// Migration20260415090000AddErrorKindToUsageRecords stores the error classification next to the message.
func Migration20260415090000AddErrorKindToUsageRecords() db.Migration {
	return db.Migration{
		Version:     20260415090000,
		Description: "Add error_kind column to usage_records table",
		Up: func(tx *sql.Tx) error {
			// Check if column already exists (for idempotency)
			var hasColumn bool
			err := tx.QueryRow(`
				SELECT COUNT(*) > 0 FROM pragma_table_info('usage_records') WHERE name = 'error_kind'
			`).Scan(&hasColumn)
			if err != nil {
				return errors.Wrap(err, "failed to check if error_kind column exists")
			}

			if !hasColumn {
				_, err = tx.Exec("ALTER TABLE usage_records ADD COLUMN error_kind TEXT")
				if err != nil {
					return errors.Wrap(err, "failed to add error_kind column")
				}
			}
			return nil
		},
		Down: func(tx *sql.Tx) error {
			_, err := tx.Exec("ALTER TABLE usage_records DROP COLUMN error_kind")
			return errors.Wrap(err, "failed to drop error_kind column")
		},
	}
}
