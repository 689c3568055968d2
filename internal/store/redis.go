// ABOUTME: Redis implementation of the Store interface using go-redis
// ABOUTME: Transcripts are JSON values with a TTL, indexed by a sorted set of update times

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/carblau-chat/internal/conversation"
)

const (
	redisKeyPrefix = "carblau:transcript:"
	redisIndexKey  = "carblau:transcripts"
)

type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func newRedisStore(client *redis.Client, ttl time.Duration, now func() time.Time, logger *slog.Logger) *redisStore {
	return &redisStore{
		client: client,
		ttl:    ttl,
		now:    now,
		logger: logger,
	}
}

func transcriptKey(threadID string) string {
	return redisKeyPrefix + threadID
}

// Save implements Store. The existing value is watched so CreatedAt survives
// concurrent saves of the same thread.
func (s *redisStore) Save(ctx context.Context, threadID string, messages []conversation.Message) error {
	if threadID == "" {
		return ErrEmptyThreadID
	}
	key := transcriptKey(threadID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		now := s.now()
		t := Transcript{
			ThreadID:  threadID,
			Messages:  messages,
			CreatedAt: now,
			UpdatedAt: now,
		}

		val, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var stored Transcript
			if err := json.Unmarshal(val, &stored); err == nil {
				t.CreatedAt = stored.CreatedAt
			}
		}

		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encoding transcript: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(now.UnixNano()), Member: threadID})
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("saving transcript: %w", err)
	}
	return nil
}

// Load implements Store. Reading refreshes the TTL.
func (s *redisStore) Load(ctx context.Context, threadID string) (*Transcript, error) {
	key := transcriptKey(threadID)
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading transcript: %w", err)
	}

	var t Transcript
	if err := json.Unmarshal(val, &t); err != nil {
		return nil, fmt.Errorf("decoding transcript: %w", err)
	}

	_ = s.client.Expire(ctx, key, s.ttl).Err()
	return &t, nil
}

// ListThreads implements Store. Index entries whose transcript has expired
// are removed on the way.
func (s *redisStore) ListThreads(ctx context.Context, limit int) ([]ThreadSummary, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, redisIndexKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("listing transcripts: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Get(ctx, transcriptKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("loading transcripts: %w", err)
	}

	var (
		summaries []ThreadSummary
		expired   []any
	)
	for i, cmd := range cmds {
		val, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			expired = append(expired, ids[i])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading transcript %s: %w", ids[i], err)
		}
		var t Transcript
		if err := json.Unmarshal(val, &t); err != nil {
			s.logger.Warn("skipping undecodable transcript", "thread_id", ids[i], "error", err)
			continue
		}
		summaries = append(summaries, summarize(&t))
	}

	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, redisIndexKey, expired...).Err(); err != nil {
			s.logger.Warn("pruning transcript index failed", "error", err)
		}
	}
	return summaries, nil
}

// Delete implements Store.
func (s *redisStore) Delete(ctx context.Context, threadID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, transcriptKey(threadID))
		pipe.ZRem(ctx, redisIndexKey, threadID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting transcript: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *redisStore) Close() error {
	return s.client.Close()
}
