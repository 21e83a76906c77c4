package messagelog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisLog keeps each room's messages in a capped Redis list, oldest at the
// head.
type RedisLog struct {
	client    *redis.Client
	prefix    string
	retention int
	clock     *clock
	logger    zerolog.Logger
}

// OpenRedis connects to addr and verifies the server answers PING.
func OpenRedis(ctx context.Context, addr, prefix string, retention int, logger zerolog.Logger) (*RedisLog, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	logger.Info().Str("addr", addr).Msg("Redis message log ready")
	return NewRedisLog(client, prefix, retention, logger), nil
}

// NewRedisLog wraps an existing client.
func NewRedisLog(client *redis.Client, prefix string, retention int, logger zerolog.Logger) *RedisLog {
	return &RedisLog{
		client:    client,
		prefix:    prefix,
		retention: retention,
		clock:     newClock(),
		logger:    logger,
	}
}

func (l *RedisLog) key(room string) string {
	return l.prefix + "room:" + room + ":messages"
}

// Append pushes the message to the tail of the room list and trims the head
// beyond the retention bound.
func (l *RedisLog) Append(ctx context.Context, room, author, text string) (Message, error) {
	msg := Message{
		ID:        uuid.NewString(),
		Room:      room,
		Author:    author,
		Text:      text,
		CreatedAt: l.clock.next(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	key := l.key(room)
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		if l.retention > 0 {
			pipe.LTrim(ctx, key, int64(-l.retention), -1)
		}
		return nil
	})
	if err != nil {
		return Message{}, fmt.Errorf("failed to append message to %s: %w", key, err)
	}
	return msg, nil
}

// Recent reads the last limit entries of the room list.
func (l *RedisLog) Recent(ctx context.Context, room string, limit int) ([]Message, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}

	key := l.key(room)
	raw, err := l.client.LRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, entry := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("Skipping undecodable history entry")
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Close closes the client.
func (l *RedisLog) Close() error {
	return l.client.Close()
}
