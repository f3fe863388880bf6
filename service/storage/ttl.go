package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// TTLStore is the narrow key-value surface the presence and voice trackers
// need from the cache substrate. Failures here are soft: callers log and
// carry on, they never fail the triggering client action.
type TTLStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

type redisTTLStore struct {
	rdb *redis.Client
}

// NewRedisTTLStore wraps the shared redis client as a TTLStore.
func NewRedisTTLStore(rdb *redis.Client) TTLStore {
	return &redisTTLStore{rdb: rdb}
}

func (s *redisTTLStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *redisTTLStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *redisTTLStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *redisTTLStore) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// presence key: rt:presence:<user>, value is the owning gateway id. The TTL
// bounds staleness if this process dies without cleaning up.
func PresenceKey(user string) string { return "rt:presence:" + user }

// voice key: rt:voice:<channel>:<user>
func VoiceKey(channel, user string) string { return "rt:voice:" + channel + ":" + user }
