package usage

import (
	"context"
	"database/sql"
	"iter"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/jingkaihe/handoff/pkg/db"
	"github.com/jingkaihe/handoff/pkg/db/migrations"
	"github.com/jingkaihe/handoff/pkg/logger"
	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

// SQLiteStore implements Store on a SQLite database in WAL mode. WAL lets
// readers in other processes proceed while one process appends.
type SQLiteStore struct {
	dbPath string
	db     *sqlx.DB
}

// sqliteRecord is the database model of a usage record
type sqliteRecord struct {
	ID              string         `db:"id"`
	ServiceID       string         `db:"service_id"`
	TimestampNs     int64          `db:"timestamp_ns"`
	EstimatedTokens int            `db:"estimated_tokens"`
	Success         bool           `db:"success"`
	DurationSeconds float64        `db:"duration_seconds"`
	ErrorMessage    sql.NullString `db:"error_message"`
	ErrorKind       sql.NullString `db:"error_kind"`
	ExitCode        sql.NullInt64  `db:"exit_code"`
}

func fromUsageRecord(r delegation.UsageRecord) sqliteRecord {
	m := sqliteRecord{
		ID:              r.ID,
		ServiceID:       r.ServiceID,
		TimestampNs:     r.Timestamp.UnixNano(),
		EstimatedTokens: r.EstimatedTokens,
		Success:         r.Success,
		DurationSeconds: r.DurationSeconds,
		ErrorMessage:    sql.NullString{String: r.ErrorMessage, Valid: r.ErrorMessage != ""},
		ErrorKind:       sql.NullString{String: string(r.ErrorKind), Valid: r.ErrorKind != ""},
	}
	if r.ExitCode != nil {
		m.ExitCode = sql.NullInt64{Int64: int64(*r.ExitCode), Valid: true}
	}
	return m
}

func (m sqliteRecord) toUsageRecord() delegation.UsageRecord {
	r := delegation.UsageRecord{
		ID:              m.ID,
		ServiceID:       m.ServiceID,
		Timestamp:       time.Unix(0, m.TimestampNs).UTC(),
		EstimatedTokens: m.EstimatedTokens,
		Success:         m.Success,
		DurationSeconds: m.DurationSeconds,
		ErrorMessage:    m.ErrorMessage.String,
		ErrorKind:       delegation.ErrorKind(m.ErrorKind.String),
	}
	if m.ExitCode.Valid {
		code := int(m.ExitCode.Int64)
		r.ExitCode = &code
	}
	return r
}

const selectColumns = `id, service_id, timestamp_ns, estimated_tokens, success,
	duration_seconds, error_message, error_kind, exit_code`

// NewSQLiteStore opens (or creates) the database at dbPath and applies pending migrations
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	sqlDB, err := db.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.NewMigrationRunner(sqlDB).Run(ctx, migrations.All()); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return &SQLiteStore{
		dbPath: dbPath,
		db:     sqlDB,
	}, nil
}

// Path returns the database file path
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Location implements Store
func (s *SQLiteStore) Location() string {
	return "sqlite://" + s.dbPath
}

// Append implements Store
func (s *SQLiteStore) Append(ctx context.Context, record delegation.UsageRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	model := fromUsageRecord(record)
	query := `
		INSERT INTO usage_records (
			id, service_id, timestamp_ns, estimated_tokens, success,
			duration_seconds, error_message, error_kind, exit_code
		) VALUES (
			:id, :service_id, :timestamp_ns, :estimated_tokens, :success,
			:duration_seconds, :error_message, :error_kind, :exit_code
		)
	`

	err := retry.Do(
		func() error {
			_, err := s.db.NamedExecContext(ctx, query, model)
			return err
		},
		retry.RetryIf(db.IsBusy),
		retry.Attempts(5),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Debug("usage database busy, retrying append")
		}),
	)
	if err != nil {
		return storageError("append", errors.Wrap(err, "failed to insert usage record"))
	}
	return nil
}

// WindowCount implements Store
func (s *SQLiteStore) WindowCount(ctx context.Context, serviceID string, since time.Time) (delegation.WindowCount, error) {
	var row struct {
		Requests int `db:"requests"`
		Tokens   int `db:"tokens"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS requests, COALESCE(SUM(estimated_tokens), 0) AS tokens
		FROM usage_records
		WHERE service_id = ? AND timestamp_ns >= ?
	`, serviceID, since.UnixNano())
	if err != nil {
		return delegation.WindowCount{}, storageError("window count", errors.Wrap(err, "failed to count usage records"))
	}
	return delegation.WindowCount{Requests: row.Requests, Tokens: row.Tokens}, nil
}

// RecentErrors implements Store. The query runs when the sequence is ranged over.
func (s *SQLiteStore) RecentErrors(ctx context.Context, serviceID string, limit int) iter.Seq2[delegation.UsageRecord, error] {
	return func(yield func(delegation.UsageRecord, error) bool) {
		if limit <= 0 {
			return
		}

		rows, err := s.db.QueryxContext(ctx, `
			SELECT `+selectColumns+`
			FROM usage_records
			WHERE service_id = ? AND success = 0
			ORDER BY timestamp_ns DESC
			LIMIT ?
		`, serviceID, limit)
		if err != nil {
			yield(delegation.UsageRecord{}, storageError("recent errors", errors.Wrap(err, "failed to query usage errors")))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var model sqliteRecord
			if err := rows.StructScan(&model); err != nil {
				yield(delegation.UsageRecord{}, storageError("recent errors", errors.Wrap(err, "failed to scan usage record")))
				return
			}
			if !yield(model.toUsageRecord(), nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(delegation.UsageRecord{}, storageError("recent errors", err))
		}
	}
}

// Query implements Store
func (s *SQLiteStore) Query(ctx context.Context, options QueryOptions) ([]delegation.UsageRecord, error) {
	var (
		conditions []string
		args       []any
	)
	if options.ServiceID != "" {
		conditions = append(conditions, "service_id = ?")
		args = append(args, options.ServiceID)
	}
	if !options.Since.IsZero() {
		conditions = append(conditions, "timestamp_ns >= ?")
		args = append(args, options.Since.UnixNano())
	}
	if !options.Until.IsZero() {
		conditions = append(conditions, "timestamp_ns <= ?")
		args = append(args, options.Until.UnixNano())
	}

	query := "SELECT " + selectColumns + " FROM usage_records"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp_ns ASC"

	var models []sqliteRecord
	if err := s.db.SelectContext(ctx, &models, query, args...); err != nil {
		return nil, storageError("query", errors.Wrap(err, "failed to query usage records"))
	}

	records := make([]delegation.UsageRecord, 0, len(models))
	for _, m := range models {
		records = append(records, m.toUsageRecord())
	}
	return records, nil
}

// Close implements Store
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
