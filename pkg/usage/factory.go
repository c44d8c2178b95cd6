package usage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/jingkaihe/handoff/pkg/db"
)

// Store backend types
const (
	StoreTypeJSONL  = "jsonl"
	StoreTypeSQLite = "sqlite"
	StoreTypeRedis  = "redis"
)

// Config selects and configures the usage store backend
type Config struct {
	Type      string `mapstructure:"type" json:"type,omitempty" yaml:"type,omitempty" jsonschema:"enum=jsonl,enum=sqlite,enum=redis"`
	Path      string `mapstructure:"path" json:"path,omitempty" yaml:"path,omitempty"`
	RedisURL  string `mapstructure:"redis_url" json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}

// FileBacked is implemented by stores that live in a single local file
type FileBacked interface {
	Path() string
}

// DefaultLogPath returns the default location of the JSONL usage log
func DefaultLogPath() (string, error) {
	if basePath := os.Getenv("HANDOFF_BASE_PATH"); basePath != "" {
		return filepath.Join(basePath, "usage.jsonl"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, ".handoff", "usage.jsonl"), nil
}

// NewStore creates the Store implementation selected by config
func NewStore(ctx context.Context, config Config) (Store, error) {
	switch config.Type {
	case StoreTypeJSONL, "":
		path := config.Path
		if path == "" {
			var err error
			if path, err = DefaultLogPath(); err != nil {
				return nil, err
			}
		}
		return NewJSONLStore(path)
	case StoreTypeSQLite:
		path := config.Path
		if path == "" {
			var err error
			if path, err = db.DefaultDBPath(); err != nil {
				return nil, err
			}
		}
		return NewSQLiteStore(ctx, path)
	case StoreTypeRedis:
		if config.RedisURL == "" {
			return nil, errors.New("redis store requires store.redis_url")
		}
		return NewRedisStore(ctx, config.RedisURL, config.KeyPrefix)
	default:
		return nil, errors.Errorf("unknown usage store type: %s", config.Type)
	}
}
