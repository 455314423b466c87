package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore appends chat records to per-conversation lists and tracks read
// markers in per-reader sets.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, rec ChatRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal chat record: %w", err)
	}
	return s.rdb.RPush(ctx, "conversation:"+rec.ConversationID+":messages", data).Err()
}

func (s *RedisStore) MarkRead(ctx context.Context, readerID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	members := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		members[i] = id
	}
	return s.rdb.SAdd(ctx, "reader:"+readerID+":read", members...).Err()
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
