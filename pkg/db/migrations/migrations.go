// Package migrations contains the schema migrations of the sqlite usage store.
// Migrations use Rails-style timestamp versioning (YYYYMMDDHHmmss).
package migrations

import (
	"github.com/jingkaihe/handoff/pkg/db"
)

// All returns all registered migrations in the correct order.
// New migrations should be added to this list.
func All() []db.Migration {
	return []db.Migration{
		Migration20260301120000CreateUsageRecords(),
		Migration20260301120001AddUsageIndexes(),
		Migration20260415090000AddErrorKindToUsageRecords(),
	}
}
