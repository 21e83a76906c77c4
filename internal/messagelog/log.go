// Package messagelog stores room-scoped chat messages and answers
// recency-bounded history queries.
//
// Four backends are provided: an in-process memory log, SQLite through gorm,
// a Redis list per room, and a NATS JetStream stream with one subject per room.
package messagelog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("messagelog: unknown driver")

// Message is an immutable chat message owned by the log.
type Message struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Log is the append and query contract the session layer depends on.
type Log interface {
	// Append stamps, persists and returns a new message.
	Append(ctx context.Context, room, author, text string) (Message, error)
	// Recent returns at most limit of the newest messages in room, oldest
	// first. Order follows append order, not CreatedAt, since messages
	// appended in the same millisecond share a timestamp.
	Recent(ctx context.Context, room string, limit int) ([]Message, error)
	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverNATS   = "nats"
)

// Config selects and parameterizes a backend.
type Config struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisKey   string `yaml:"redis_prefix"`
	NATSURL    string `yaml:"nats_url"`
	NATSStream string `yaml:"nats_stream"`
	// Retention bounds how many messages a room keeps in the memory, redis
	// and nats backends.
	Retention int `yaml:"retention"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Driver:     DriverMemory,
		SQLitePath: "roomchat.db",
		RedisAddr:  "localhost:6379",
		RedisKey:   "roomchat:",
		NATSURL:    "nats://localhost:4222",
		NATSStream: "ROOMCHAT",
		Retention:  1000,
	}
}

// Open connects the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Log, error) {
	logger = logger.With().Str("component", "messagelog").Str("driver", cfg.Driver).Logger()

	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryLog(cfg.Retention), nil
	case DriverSQLite:
		return OpenSQLite(cfg.SQLitePath, logger)
	case DriverRedis:
		return OpenRedis(ctx, cfg.RedisAddr, cfg.RedisKey, cfg.Retention, logger)
	case DriverNATS:
		return OpenNATS(ctx, cfg.NATSURL, cfg.NATSStream, cfg.Retention, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// clock hands out non-decreasing creation timestamps.
type clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newClock() *clock {
	return &clock{now: time.Now}
}

func (c *clock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

func clampLimit(limit, size int) int {
	if limit <= 0 || limit > size {
		return size
	}
	return limit
}
