// Package bus mirrors turn events into Redis Streams so that other
// connections can follow or replay a turn, and shares the credential
// rotation counter across replicas.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qzbxwv/EGO/internal/agent"
	"github.com/qzbxwv/EGO/internal/llm"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamPrefix  = "ego:turn:"
	counterPrefix = "ego:rotation:"
	streamMaxLen  = 5000
	streamTTL     = time.Hour
	blockInterval = 2 * time.Second
)

// Message is one event read back from a turn stream.
type Message struct {
	ID   string          `json:"-"`
	Type agent.EventType `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Terminal reports whether the turn ended with this message.
func (m *Message) Terminal() bool {
	return m.Type == agent.EventDone || m.Type == agent.EventError
}

// Bus publishes and follows turn events.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

var _ agent.Publisher = (*Bus)(nil)

// New connects to Redis at url.
func New(ctx context.Context, url string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis connected", zap.String("addr", opts.Addr))
	return &Bus{rdb: rdb, logger: logger}, nil
}

func streamKey(turnID string) string { return streamPrefix + turnID }

// Publish appends ev to the turn's stream. Streams are capped and expire
// an hour after the last event.
func (b *Bus) Publish(ctx context.Context, turnID string, ev agent.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}

	key := streamKey(turnID)
	pipe := b.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"type": string(ev.Type),
			"data": string(data),
		},
	})
	pipe.Expire(ctx, key, streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", key, err)
	}
	return nil
}

// Subscribe follows a turn's stream from its first event. The channel
// closes after a terminal event, when ctx is done, or on a Redis error.
func (b *Bus) Subscribe(ctx context.Context, turnID string) <-chan *Message {
	ch := make(chan *Message)
	key := streamKey(turnID)

	go func() {
		defer close(ch)
		lastID := "0"

		for {
			if ctx.Err() != nil {
				return
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   64,
				Block:   blockInterval,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Warn("read turn stream", zap.String("stream", key), zap.Error(err))
				}
				return
			}

			for _, r := range results {
				for _, xm := range r.Messages {
					lastID = xm.ID
					msg, ok := decode(xm)
					if !ok {
						continue
					}
					select {
					case ch <- msg:
					case <-ctx.Done():
						return
					}
					if msg.Terminal() {
						return
					}
				}
			}
		}
	}()

	return ch
}

// Exists reports whether any events were recorded for the turn.
func (b *Bus) Exists(ctx context.Context, turnID string) (bool, error) {
	n, err := b.rdb.Exists(ctx, streamKey(turnID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func decode(xm redis.XMessage) (*Message, bool) {
	typ, ok := xm.Values["type"].(string)
	if !ok {
		return nil, false
	}
	data, _ := xm.Values["data"].(string)
	if data == "" {
		data = "null"
	}
	return &Message{ID: xm.ID, Type: agent.EventType(typ), Data: json.RawMessage(data)}, true
}

// Counter returns a rotation counter shared by every replica using the
// same Redis and name.
func (b *Bus) Counter(name string) *Counter {
	return &Counter{rdb: b.rdb, key: counterPrefix + name}
}

// Ping checks connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

var _ llm.Rotator = (*Counter)(nil)

// Counter hands out consecutive values from a Redis key.
type Counter struct {
	rdb *redis.Client
	key string
}

// Next returns the next zero-based counter value.
func (c *Counter) Next(ctx context.Context) (uint64, error) {
	n, err := c.rdb.Incr(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", c.key, err)
	}
	return uint64(n - 1), nil
}
