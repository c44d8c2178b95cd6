package usage

import (
	"context"
	"encoding/json"
	"iter"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/jingkaihe/handoff/pkg/logger"
	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

// DefaultRedisKeyPrefix namespaces every key the Redis store writes
const DefaultRedisKeyPrefix = "handoff:usage:"

// RedisStore implements Store on Redis sorted sets so that dispatchers on
// several hosts share one quota view. Each service has a set of all records
// and a set of failed records, both scored by timestamp in microseconds.
type RedisStore struct {
	client *redis.Client
	prefix string
	url    string
}

// NewRedisStore connects to the Redis server at url (redis://...)
func NewRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse Redis URL")
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	store := NewRedisStoreFromClient(client, prefix)
	store.url = opts.Addr
	return store, nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		url:    client.Options().Addr,
	}
}

func (s *RedisStore) recordsKey(serviceID string) string {
	return s.prefix + serviceID
}

func (s *RedisStore) errorsKey(serviceID string) string {
	return s.prefix + serviceID + ":errors"
}

func (s *RedisStore) servicesKey() string {
	return s.prefix + "services"
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// Location implements Store
func (s *RedisStore) Location() string {
	return "redis://" + s.url + "/" + s.prefix
}

// Append implements Store. The writes run in one MULTI/EXEC transaction.
func (s *RedisStore) Append(ctx context.Context, record delegation.UsageRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return storageError("append", errors.Wrap(err, "failed to marshal usage record"))
	}

	member := redis.Z{Score: score(record.Timestamp), Member: string(payload)}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.recordsKey(record.ServiceID), member)
		if !record.Success {
			pipe.ZAdd(ctx, s.errorsKey(record.ServiceID), member)
		}
		pipe.SAdd(ctx, s.servicesKey(), record.ServiceID)
		return nil
	})
	if err != nil {
		return storageError("append", errors.Wrap(err, "failed to write usage record"))
	}
	return nil
}

// rangeRecords decodes the members of key scored within [since, until]
func (s *RedisStore) rangeRecords(ctx context.Context, key string, since, until time.Time) ([]delegation.UsageRecord, error) {
	lo, hi := "-inf", "+inf"
	if !since.IsZero() {
		lo = strconv.FormatInt(since.UnixMicro(), 10)
	}
	if !until.IsZero() {
		hi = strconv.FormatInt(until.UnixMicro(), 10)
	}

	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", key)
	}

	records := make([]delegation.UsageRecord, 0, len(members))
	for _, m := range members {
		var r delegation.UsageRecord
		if err := json.Unmarshal([]byte(m), &r); err != nil {
			logger.G(ctx).WithError(err).WithField("key", key).Debug("skipping malformed usage record")
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// WindowCount implements Store
func (s *RedisStore) WindowCount(ctx context.Context, serviceID string, since time.Time) (delegation.WindowCount, error) {
	records, err := s.rangeRecords(ctx, s.recordsKey(serviceID), since, time.Time{})
	if err != nil {
		return delegation.WindowCount{}, storageError("window count", err)
	}

	var count delegation.WindowCount
	for _, r := range records {
		// scores are microsecond precision, the record timestamp is exact
		if !r.Timestamp.Before(since) {
			count.Add(r)
		}
	}
	return count, nil
}

// RecentErrors implements Store
func (s *RedisStore) RecentErrors(ctx context.Context, serviceID string, limit int) iter.Seq2[delegation.UsageRecord, error] {
	return func(yield func(delegation.UsageRecord, error) bool) {
		if limit <= 0 {
			return
		}

		members, err := s.client.ZRevRange(ctx, s.errorsKey(serviceID), 0, int64(limit-1)).Result()
		if err != nil {
			yield(delegation.UsageRecord{}, storageError("recent errors", errors.Wrap(err, "failed to read usage errors")))
			return
		}

		for _, m := range members {
			var r delegation.UsageRecord
			if err := json.Unmarshal([]byte(m), &r); err != nil {
				logger.G(ctx).WithError(err).Debug("skipping malformed usage record")
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Query implements Store
func (s *RedisStore) Query(ctx context.Context, options QueryOptions) ([]delegation.UsageRecord, error) {
	services := []string{options.ServiceID}
	if options.ServiceID == "" {
		var err error
		services, err = s.client.SMembers(ctx, s.servicesKey()).Result()
		if err != nil {
			return nil, storageError("query", errors.Wrap(err, "failed to list services"))
		}
	}

	var records []delegation.UsageRecord
	for _, serviceID := range services {
		found, err := s.rangeRecords(ctx, s.recordsKey(serviceID), options.Since, options.Until)
		if err != nil {
			return nil, storageError("query", err)
		}
		for _, r := range found {
			if options.matches(r) {
				records = append(records, r)
			}
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}

// Close implements Store
func (s *RedisStore) Close() error {
	return s.client.Close()
}
