package export

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// listPusher is the part of *redis.Client the sink uses.
type listPusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Close() error
}

// RedisSink appends each data row, as a JSON object keyed by header, to a
// Redis list.
type RedisSink struct {
	client listPusher
	key    string
}

func NewRedisSink(addr, key string) *RedisSink {
	return &RedisSink{client: redis.NewClient(&redis.Options{Addr: addr}), key: key}
}

func (s *RedisSink) Append(ctx context.Context, rows [][]string) error {
	header, data := split(rows)
	if len(data) == 0 {
		return nil
	}
	values := make([]interface{}, len(data))
	for i, r := range data {
		b, err := json.Marshal(record(header, r))
		if err != nil {
			return fmt.Errorf("marshal row: %w", err)
		}
		values[i] = b
	}
	if err := s.client.RPush(ctx, s.key, values...).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisSink) Close() error { return s.client.Close() }
