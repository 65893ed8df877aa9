package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v7"
)

const (
	redisPrefix   = "fieldsync:cache:"
	redisNamesKey = "fieldsync:caches"
)

// Redis stores each partition as a hash keyed by url. Useful when several
// coordinators on one machine share a read cache.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to a redis server.
func NewRedis(address, password string, db int) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
	}
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.WithContext(ctx).Ping().Err()
}

// Close closes the connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, name, url string) (*Response, error) {
	data, err := r.client.WithContext(ctx).HGet(redisPrefix+name, url).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache %s %s: %w", name, url, err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode cached response for %s: %w", url, err)
	}
	return &resp, nil
}

// Put implements Cache.
func (r *Redis) Put(ctx context.Context, name string, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response for %s: %w", resp.URL, err)
	}
	c := r.client.WithContext(ctx)
	pipe := c.TxPipeline()
	pipe.HSet(redisPrefix+name, resp.URL, data)
	pipe.SAdd(redisNamesKey, name)
	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("failed to write cache %s %s: %w", name, resp.URL, err)
	}
	return nil
}

// Delete implements Cache.
func (r *Redis) Delete(ctx context.Context, name string) (bool, error) {
	c := r.client.WithContext(ctx)
	n, err := c.Del(redisPrefix + name).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete cache %s: %w", name, err)
	}
	if err := c.SRem(redisNamesKey, name).Err(); err != nil {
		return false, fmt.Errorf("failed to unregister cache %s: %w", name, err)
	}
	return n > 0, nil
}

// Names implements Cache.
func (r *Redis) Names(ctx context.Context) ([]string, error) {
	names, err := r.client.WithContext(ctx).SMembers(redisNamesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	return names, nil
}

// Size implements Cache.
func (r *Redis) Size(ctx context.Context) (int64, error) {
	names, err := r.Names(ctx)
	if err != nil {
		return 0, err
	}
	c := r.client.WithContext(ctx)
	var total int64
	for _, name := range names {
		values, err := c.HVals(redisPrefix + name).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to read cache %s: %w", name, err)
		}
		for _, v := range values {
			var resp Response
			if err := json.Unmarshal([]byte(v), &resp); err != nil {
				continue
			}
			total += resp.Size()
		}
	}
	return total, nil
}
