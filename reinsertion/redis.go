package reinsertion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	watchPrefix = "reinsertion:watch:"
	seenPrefix  = "reinsertion:seen:"
	indexPrefix = "crossentity:"
)

// RedisStore shares monitor state across replicas. Watches live in one hash
// per tradeline, dedupe markers are SET NX keys with the window as TTL and
// the contradiction index is a set per (cycle, tradeline, contradiction).
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) PutWatch(ctx context.Context, w Watch, ttl time.Duration) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode watch: %w", err)
	}
	key := watchPrefix + w.Tradeline
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, w.EntityName+"|"+w.DisputeID, raw)
		// The hash lives as long as its newest watch.
		p.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

func (s *RedisStore) Watches(ctx context.Context, tradeline string) ([]Watch, error) {
	data, err := s.client.HGetAll(ctx, watchPrefix+tradeline).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Watch, 0, len(data))
	for field, raw := range data {
		var w Watch
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("decode watch %s: %w", field, err)
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityName != out[j].EntityName {
			return out[i].EntityName < out[j].EntityName
		}
		return out[i].DisputeID < out[j].DisputeID
	})
	return out, nil
}

func (s *RedisStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, seenPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, seenPrefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return ok, nil
}

func (s *RedisStore) AddObservation(ctx context.Context, indexKey, entityName string) error {
	return s.client.SAdd(ctx, indexPrefix+indexKey, entityName).Err()
}

func (s *RedisStore) RemoveObservation(ctx context.Context, indexKey, entityName string) error {
	return s.client.SRem(ctx, indexPrefix+indexKey, entityName).Err()
}

func (s *RedisStore) Observers(ctx context.Context, indexKey string) ([]string, error) {
	names, err := s.client.SMembers(ctx, indexPrefix+indexKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
