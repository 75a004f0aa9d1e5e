package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisOptions accepts a redis:// URL or a bare host:port.
func RedisOptions(raw string) (*redis.Options, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("config: empty redis address")
	}
	if strings.Contains(raw, "://") {
		opt, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("config: parse redis url: %w", err)
		}
		return opt, nil
	}
	return &redis.Options{Addr: raw}, nil
}

// ConnectRedis dials and pings Redis, returning the client and a lock
// client on top of it.
func ConnectRedis(ctx context.Context, raw string) (*redis.Client, *redislock.Client, error) {
	opt, err := RedisOptions(raw)
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("config: redis ping: %w", err)
	}
	return rdb, redislock.New(rdb), nil
}
