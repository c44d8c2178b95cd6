// Package delegation holds the data types shared by the usage store, the quota
// policy, the service registry and the dispatcher. Its typed errors are
// matched with errors.As from github.com/pkg/errors, as everywhere in handoff.
package delegation

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one completed (or failed) delegation attempt. Records are
// append-only and never mutated once written.
type UsageRecord struct {
	ID              string    `json:"id" yaml:"id"`
	ServiceID       string    `json:"service_id" yaml:"service_id"`
	Timestamp       time.Time `json:"timestamp" yaml:"timestamp"`
	EstimatedTokens int       `json:"estimated_tokens" yaml:"estimated_tokens"`
	Success         bool      `json:"success" yaml:"success"`
	DurationSeconds float64   `json:"duration_seconds" yaml:"duration_seconds"`
	ErrorMessage    string    `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	ExitCode        *int      `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
}

// NewUsageRecord creates a record with a fresh ID and a UTC timestamp
func NewUsageRecord(serviceID string, at time.Time) UsageRecord {
	return UsageRecord{
		ID:        uuid.New().String(),
		ServiceID: serviceID,
		Timestamp: at.UTC(),
	}
}

// Validate checks the invariants a record must satisfy before it is persisted
func (r UsageRecord) Validate() error {
	if r.ServiceID == "" {
		return &InvalidRecordError{Reason: "service_id is empty"}
	}
	if r.Timestamp.IsZero() {
		return &InvalidRecordError{Reason: "timestamp is zero"}
	}
	if r.EstimatedTokens < 0 {
		return &InvalidRecordError{Reason: "estimated_tokens is negative"}
	}
	if r.DurationSeconds < 0 {
		return &InvalidRecordError{Reason: "duration_seconds is negative"}
	}
	return nil
}

// WindowCount is the aggregate of the records of one service inside a time window
type WindowCount struct {
	Requests int `json:"requests" yaml:"requests"`
	Tokens   int `json:"tokens" yaml:"tokens"`
}

// Add folds a record into the window aggregate
func (w *WindowCount) Add(r UsageRecord) {
	w.Requests++
	w.Tokens += r.EstimatedTokens
}
