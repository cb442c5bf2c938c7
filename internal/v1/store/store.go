// Package store wraps the Redis client behind the primitives the
// coordination core needs: TTL strings, hashes, sets, key scans, and
// server-side Lua transactions. All cross-connection state lives here so
// the server stays horizontally scalable.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/blockshare/backend/internal/v1/metrics"
)

// Store handles all interaction with the Redis cluster.
type Store struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// New creates a robust Redis connection from a redis:// URL.
func New(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	opts.DialTimeout = 10 * time.Second
	opts.ReadTimeout = 30 * time.Second
	opts.WriteTimeout = 30 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2

	rdb := redis.NewClient(opts)

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}

	slog.Info("Connected to Redis state store", "addr", opts.Addr)
	return &Store{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// ErrUnavailable is returned when the circuit breaker rejects a call.
var ErrUnavailable = errors.New("store unavailable")

// execute routes a Redis call through the circuit breaker.
func (s *Store) execute(op string, fn func() (any, error)) (any, error) {
	res, err := s.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues("store").Inc()
			slog.Warn("Store circuit breaker open", "op", op)
			return nil, fmt.Errorf("%s: %w", op, ErrUnavailable)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// SetIfAbsent sets key to value with a TTL only if the key does not exist.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := s.execute("setnx", func() (any, error) {
		return s.client.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Set writes key to value without expiry.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.execute("set", func() (any, error) {
		return nil, s.client.Set(ctx, key, value, 0).Err()
	})
	return err
}

// Get reads a string key. The second return reports whether the key existed.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := s.execute("get", func() (any, error) {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// Delete removes a key, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.execute("del", func() (any, error) {
		return s.client.Del(ctx, key).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(int64) > 0, nil
}

// PExpire resets a key's TTL, reporting whether the key existed.
func (s *Store) PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := s.execute("pexpire", func() (any, error) {
		return s.client.PExpire(ctx, key, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// PTTL returns the remaining TTL of a key, or 0 when the key is missing or unbounded.
func (s *Store) PTTL(ctx context.Context, key string) (time.Duration, error) {
	res, err := s.execute("pttl", func() (any, error) {
		return s.client.PTTL(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	ttl := res.(time.Duration)
	if ttl < 0 {
		// -1 (no expiry) and -2 (missing key) both read as "unknown" to callers.
		return 0, nil
	}
	return ttl, nil
}

// HSet writes a hash field.
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	_, err := s.execute("hset", func() (any, error) {
		return nil, s.client.HSet(ctx, key, field, value).Err()
	})
	return err
}

// HSetNX writes a hash field only if it does not exist yet.
func (s *Store) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	res, err := s.execute("hsetnx", func() (any, error) {
		return s.client.HSetNX(ctx, key, field, value).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// HGet reads a hash field. The second return reports whether the field existed.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	res, err := s.execute("hget", func() (any, error) {
		v, err := s.client.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// HGetAll reads every field of a hash.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.execute("hgetall", func() (any, error) {
		return s.client.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

// HDel removes hash fields. A no-op when fields is empty.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := s.execute("hdel", func() (any, error) {
		return nil, s.client.HDel(ctx, key, fields...).Err()
	})
	return err
}

// HLen returns the number of fields in a hash.
func (s *Store) HLen(ctx context.Context, key string) (int64, error) {
	res, err := s.execute("hlen", func() (any, error) {
		return s.client.HLen(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// SAdd adds a member to a set.
func (s *Store) SAdd(ctx context.Context, key, member string) error {
	_, err := s.execute("sadd", func() (any, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})
	return err
}

// SRem removes a member from a set.
func (s *Store) SRem(ctx context.Context, key, member string) error {
	_, err := s.execute("srem", func() (any, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})
	return err
}

// SMembers retrieves all members of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.execute("smembers", func() (any, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// ScanKeys collects every key matching prefix*. The result is a best-effort
// snapshot: keys may expire while the cursor advances.
func (s *Store) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	res, err := s.execute("scan", func() (any, error) {
		var keys []string
		iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.([]string), nil
}

// Eval runs a Lua script as an atomic multi-key transaction, preferring the
// cached EVALSHA path.
func (s *Store) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	return s.execute("eval", func() (any, error) {
		return script.Run(ctx, s.client, keys, args...).Result()
	})
}

// Ping checks Redis connectivity. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute("ping", func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close gracefully shuts down the Redis connection.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
