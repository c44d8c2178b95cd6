package db

import (
	"cmp"
	"context"
	"database/sql"
	"slices"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/jingkaihe/handoff/pkg/logger"
)

// Migration is a schema change versioned by timestamp (YYYYMMDDHHmmss)
type Migration struct {
	Version     int64
	Description string
	Up          func(*sql.Tx) error
	Down        func(*sql.Tx) error // nil when the migration cannot be rolled back
}

// MigrationRunner applies and rolls back migrations. Several handoff processes
// may open the same database at once, so each migration re-checks inside its
// transaction whether another process applied it first.
type MigrationRunner struct {
	db *sqlx.DB
}

// NewMigrationRunner creates a new migration runner
func NewMigrationRunner(db *sqlx.DB) *MigrationRunner {
	return &MigrationRunner{db: db}
}

// Run applies every pending migration in version order
func (r *MigrationRunner) Run(ctx context.Context, migrations []Migration) error {
	if err := r.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := r.GetAppliedVersions(ctx)
	if err != nil {
		return err
	}

	sorted := slices.Clone(migrations)
	slices.SortFunc(sorted, func(a, b Migration) int {
		return cmp.Compare(a.Version, b.Version)
	})

	for _, m := range sorted {
		if slices.Contains(applied, m.Version) {
			continue
		}
		if err := r.withBusyRetry(ctx, func() error { return r.applyMigration(ctx, m) }); err != nil {
			return errors.Wrapf(err, "failed to apply migration %d: %s", m.Version, m.Description)
		}
	}

	return nil
}

// Rollback reverts the most recently applied migration and returns it. It
// returns nil when no migration is applied.
func (r *MigrationRunner) Rollback(ctx context.Context, migrations []Migration) (*Migration, error) {
	if err := r.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	var version int64
	if err := r.db.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"); err != nil {
		return nil, errors.Wrap(err, "failed to get latest migration version")
	}
	if version == 0 {
		return nil, nil
	}

	i := slices.IndexFunc(migrations, func(m Migration) bool { return m.Version == version })
	if i < 0 {
		return nil, errors.Errorf("migration %d not found in provided migrations", version)
	}
	m := migrations[i]
	if m.Down == nil {
		return nil, errors.Errorf("migration %d has no rollback function", version)
	}

	if err := r.withBusyRetry(ctx, func() error { return r.rollbackMigration(ctx, m) }); err != nil {
		return nil, errors.Wrapf(err, "failed to roll back migration %d", version)
	}
	return &m, nil
}

// GetAppliedVersions returns the applied migration versions in ascending order
func (r *MigrationRunner) GetAppliedVersions(ctx context.Context) ([]int64, error) {
	if err := r.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	var versions []int64
	if err := r.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, errors.Wrap(err, "failed to get applied versions")
	}
	return versions, nil
}

func (r *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	return r.withBusyRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				applied_at DATETIME NOT NULL,
				description TEXT
			)
		`)
		return errors.Wrap(err, "failed to create schema_migrations table")
	})
}

func (r *MigrationRunner) applyMigration(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var count int
	if err := tx.GetContext(ctx, &count, "SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version); err != nil {
		return errors.Wrap(err, "failed to check migration")
	}
	if count > 0 {
		return nil
	}

	if err := m.Up(tx.Tx); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		m.Version, time.Now(), m.Description); err != nil {
		return errors.Wrap(err, "failed to record migration")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit migration")
	}
	logger.G(ctx).WithField("version", m.Version).WithField("description", m.Description).Debug("applied migration")
	return nil
}

func (r *MigrationRunner) rollbackMigration(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := m.Down(tx.Tx); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version); err != nil {
		return errors.Wrap(err, "failed to remove migration record")
	}

	return tx.Commit()
}

func (r *MigrationRunner) withBusyRetry(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.RetryIf(IsBusy),
		retry.Attempts(5),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}
