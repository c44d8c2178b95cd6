// Package usage provides durable, append-only storage of delegation usage
// records together with rolling-window aggregates and report summaries.
package usage

import (
	"context"
	"iter"
	"time"

	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

// QueryOptions filters records returned by Store.Query
type QueryOptions struct {
	ServiceID string    // Empty matches every service
	Since     time.Time // Inclusive lower bound, zero means unbounded
	Until     time.Time // Inclusive upper bound, zero means unbounded
}

func (o QueryOptions) matches(r delegation.UsageRecord) bool {
	if o.ServiceID != "" && r.ServiceID != o.ServiceID {
		return false
	}
	if !o.Since.IsZero() && r.Timestamp.Before(o.Since) {
		return false
	}
	if !o.Until.IsZero() && r.Timestamp.After(o.Until) {
		return false
	}
	return true
}

// Store defines the interface for usage record persistence. Append is the
// only mutator; every implementation must keep a single append atomic with
// respect to concurrent appends from other processes.
type Store interface {
	// Append durably persists one record
	Append(ctx context.Context, record delegation.UsageRecord) error

	// WindowCount returns the number of records and the sum of their estimated
	// tokens for a service with timestamp >= since
	WindowCount(ctx context.Context, serviceID string, since time.Time) (delegation.WindowCount, error)

	// RecentErrors yields failed records of a service, most recent first, at
	// most limit of them. Every range over the sequence re-reads the store.
	RecentErrors(ctx context.Context, serviceID string, limit int) iter.Seq2[delegation.UsageRecord, error]

	// Query returns matching records in timestamp order
	Query(ctx context.Context, options QueryOptions) ([]delegation.UsageRecord, error)

	// Location describes where the records live, for status output
	Location() string

	Close() error
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &delegation.StorageError{Op: op, Err: err}
}

// Collect drains a record sequence into a slice, stopping at the first error
func Collect(seq iter.Seq2[delegation.UsageRecord, error]) ([]delegation.UsageRecord, error) {
	var records []delegation.UsageRecord
	for record, err := range seq {
		if err != nil {
			return records, err
		}
		records = append(records, record)
	}
	return records, nil
}
