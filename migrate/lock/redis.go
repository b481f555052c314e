package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces lock keys.
const DefaultRedisPrefix = "schemaguard:lock:"

// The value is "<token> <json record>"; the script deletes the key only
// when the token prefix matches.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. " " then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript rewrites the value and resets the expiry under the same
// token check.
var renewScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. " " then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

// RedisStore keeps the lock table in Redis so several processes share it.
// Keys expire with the lock TTL on the server.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store on client. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) value(l *Lock) (string, error) {
	rec := l.Record()
	rec.State = StateHeld
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("redis lock: marshal: %w", err)
	}
	return l.Token() + " " + string(data), nil
}

// TryRegister claims l's key with SET NX.
func (s *RedisStore) TryRegister(ctx context.Context, l *Lock) (bool, error) {
	v, err := s.value(l)
	if err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, s.prefix+l.Key(), v, l.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock: register %s: %w", l.Key(), err)
	}
	return ok, nil
}

// Renew resets the server-side expiry of l's key to the full TTL.
func (s *RedisStore) Renew(ctx context.Context, l *Lock) (bool, error) {
	if l.TTL <= 0 {
		return true, nil
	}
	v, err := s.value(l)
	if err != nil {
		return false, err
	}
	n, err := renewScript.Run(ctx, s.client, []string{s.prefix + l.Key()}, l.Token(), v, l.TTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis lock: renew %s: %w", l.Key(), err)
	}
	return n == 1, nil
}

// Unregister deletes l's key if the token still matches.
func (s *RedisStore) Unregister(ctx context.Context, l *Lock) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{s.prefix + l.Key()}, l.Token()).Int()
	if err != nil {
		return false, fmt.Errorf("redis lock: unregister %s: %w", l.Key(), err)
	}
	return n == 1, nil
}

// List scans the prefix. Keys that vanish between SCAN and GET are skipped.
func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	var out []Record
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		v, err := s.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis lock: get %s: %w", iter.Val(), err)
		}
		_, payload, ok := strings.Cut(v, " ")
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis lock: scan: %w", err)
	}
	sortRecords(out)
	return out, nil
}

// Close closes the client.
func (s *RedisStore) Close() error { return s.client.Close() }
