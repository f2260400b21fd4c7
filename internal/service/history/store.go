// Package history persists session snapshots so a rehearsal can be resumed.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zhouzirui/tavern-stage/internal/model/chat"
	"gorm.io/gorm"
)

var (
	// ErrSessionNotFound 没有该会话的快照。
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidConfig 驱动缺少必要的依赖。
	ErrInvalidConfig = errors.New("invalid history store config")
	// ErrInvalidDriver 未知的存储驱动。
	ErrInvalidDriver = errors.New("invalid history store driver")
)

// Store saves and restores deep copies of sessions. Snapshot replaces any
// previous snapshot with the same id; Restore is idempotent.
type Store interface {
	Snapshot(ctx context.Context, session chat.Session) error
	Restore(ctx context.Context, id string) (chat.Session, error)
	Remove(ctx context.Context, id string) error
	Close() error
}

// Driver names a backend.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverRedis  Driver = "redis"
	DriverSQLite Driver = "sqlite"
)

// Option configures NewStore.
type Option func(*storeConfig)

type storeConfig struct {
	redisClient *redis.Client
	redisTTL    time.Duration
	db          *gorm.DB
	ownsDB      bool
}

// WithRedisClient sets the Redis client for the redis driver.
func WithRedisClient(client *redis.Client) Option {
	return func(c *storeConfig) { c.redisClient = client }
}

// WithRedisTTL sets the key expiry for the redis driver.
func WithRedisTTL(ttl time.Duration) Option {
	return func(c *storeConfig) { c.redisTTL = ttl }
}

// WithGormDB sets the database for the sqlite driver. The store closes it
// on Close only when owned is true.
func WithGormDB(db *gorm.DB, owned bool) Option {
	return func(c *storeConfig) {
		c.db = db
		c.ownsDB = owned
	}
}

// NewStore creates a Store for driver.
func NewStore(driver Driver, opts ...Option) (Store, error) {
	cfg := &storeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch driver {
	case DriverMemory, "":
		return NewMemoryStore(), nil
	case DriverRedis:
		if cfg.redisClient == nil {
			return nil, fmt.Errorf("%w: redis client is required", ErrInvalidConfig)
		}
		return NewRedisStore(cfg.redisClient, cfg.redisTTL), nil
	case DriverSQLite:
		if cfg.db == nil {
			return nil, fmt.Errorf("%w: gorm db is required", ErrInvalidConfig)
		}
		return NewSQLStore(cfg.db, cfg.ownsDB)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidDriver, driver)
	}
}
