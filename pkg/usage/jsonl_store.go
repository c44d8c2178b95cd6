package usage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/jingkaihe/handoff/pkg/logger"
	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

// JSONLStore implements Store as an append-only JSON-lines file. Every record
// is written with a single write call while holding an exclusive advisory
// lock, so concurrent processes never interleave partial lines.
type JSONLStore struct {
	path string
}

// NewJSONLStore creates a JSONL store at path, creating parent directories
func NewJSONLStore(path string) (*JSONLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create usage log directory")
	}
	return &JSONLStore{path: path}, nil
}

// Path returns the location of the usage log file
func (s *JSONLStore) Path() string {
	return s.path
}

// Location implements Store
func (s *JSONLStore) Location() string {
	return "jsonl://" + s.path
}

// Append implements Store
func (s *JSONLStore) Append(ctx context.Context, record delegation.UsageRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	line, err := json.Marshal(record)
	if err != nil {
		return storageError("append", errors.Wrap(err, "failed to marshal usage record"))
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return storageError("append", errors.Wrap(err, "failed to open usage log"))
	}
	defer f.Close()

	if err := lockFile(ctx, f, true); err != nil {
		return storageError("append", err)
	}
	defer unlockFile(f)

	n, err := f.Write(line)
	if err != nil {
		return storageError("append", errors.Wrap(err, "failed to write usage record"))
	}
	if n != len(line) {
		return storageError("append", io.ErrShortWrite)
	}

	if err := f.Sync(); err != nil {
		return storageError("append", errors.Wrap(err, "failed to sync usage log"))
	}

	return nil
}

// scan calls fn for every well-formed record in file order until fn returns false
func (s *JSONLStore) scan(ctx context.Context, fn func(delegation.UsageRecord) bool) error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "failed to open usage log")
	}
	defer f.Close()

	if err := lockFile(ctx, f, false); err != nil {
		return err
	}
	defer unlockFile(f)

	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			lineNo++
			var record delegation.UsageRecord
			if err := json.Unmarshal(line, &record); err != nil {
				logger.G(ctx).WithError(err).WithField("line", lineNo).Debug("skipping malformed usage record")
			} else if !fn(record) {
				return nil
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return errors.Wrap(readErr, "failed to read usage log")
		}
	}
}

// WindowCount implements Store
func (s *JSONLStore) WindowCount(ctx context.Context, serviceID string, since time.Time) (delegation.WindowCount, error) {
	var count delegation.WindowCount
	err := s.scan(ctx, func(r delegation.UsageRecord) bool {
		if r.ServiceID == serviceID && !r.Timestamp.Before(since) {
			count.Add(r)
		}
		return true
	})
	if err != nil {
		return delegation.WindowCount{}, storageError("window count", err)
	}
	return count, nil
}

// RecentErrors implements Store. The file is only read when the sequence is ranged over.
func (s *JSONLStore) RecentErrors(ctx context.Context, serviceID string, limit int) iter.Seq2[delegation.UsageRecord, error] {
	return func(yield func(delegation.UsageRecord, error) bool) {
		if limit <= 0 {
			return
		}

		// ring buffer of the last `limit` failures in file order
		ring := make([]delegation.UsageRecord, 0, limit)
		next := 0
		err := s.scan(ctx, func(r delegation.UsageRecord) bool {
			if r.ServiceID != serviceID || r.Success {
				return true
			}
			if len(ring) < limit {
				ring = append(ring, r)
			} else {
				ring[next] = r
				next = (next + 1) % limit
			}
			return true
		})
		if err != nil {
			yield(delegation.UsageRecord{}, storageError("recent errors", err))
			return
		}

		sortNewestFirst(ring)
		for _, r := range ring {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Query implements Store
func (s *JSONLStore) Query(ctx context.Context, options QueryOptions) ([]delegation.UsageRecord, error) {
	var records []delegation.UsageRecord
	err := s.scan(ctx, func(r delegation.UsageRecord) bool {
		if options.matches(r) {
			records = append(records, r)
		}
		return true
	})
	if err != nil {
		return nil, storageError("query", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}

// Close implements Store. The file is opened per operation so there is nothing to release.
func (s *JSONLStore) Close() error {
	return nil
}

func sortNewestFirst(records []delegation.UsageRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
}
