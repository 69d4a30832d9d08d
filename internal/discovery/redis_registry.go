package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding one field per endpoint.
const DefaultRedisKey = "wotscan:endpoints"

// RedisRegistry stores endpoints as JSON values in a Redis hash so several
// instances share one view.
type RedisRegistry struct {
	rdb *redis.Client
	key string
	now func() time.Time
}

func NewRedisRegistry(rdb *redis.Client, key string) *RedisRegistry {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisRegistry{rdb: rdb, key: key, now: time.Now}
}

// OpenRedisRegistry parses url, pings the server and returns a registry.
func OpenRedisRegistry(ctx context.Context, url, key string) (*RedisRegistry, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisRegistry(rdb, key), nil
}

func (r *RedisRegistry) AddEndpoint(ctx context.Context, baseURL string, thingsFound int) error {
	b, err := json.Marshal(Endpoint{URL: baseURL, ThingsFound: thingsFound, LastSeen: r.now().UTC()})
	if err != nil {
		return err
	}
	if err := r.rdb.HSet(ctx, r.key, baseURL, b).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]Endpoint, error) {
	vals, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", r.key, err)
	}
	out := make([]Endpoint, 0, len(vals))
	for field, v := range vals {
		var e Endpoint
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("decode endpoint %s: %w", field, err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (r *RedisRegistry) Close() error { return r.rdb.Close() }
