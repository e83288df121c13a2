package artifact

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a minimal artifact.Service backed by Redis: each Put
// assigns the next version number via INCR and stores the blob under a
// version-qualified key. The gateway's real blob store is out of scope
// (spec §1); this default implementation exists so the executor has a
// concrete Service to run against in cmd/executor. Grounded
// on the teacher's RedisCASClient (common/clients/redis_cas.go),
// generalized from a content-addressed single blob to the versioned,
// session-scoped artifact of spec §6.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func keyPrefix(appName, userID, sessionID, filename string) string {
	return fmt.Sprintf("artifact:%s:%s:%s:%s", appName, userID, sessionID, filename)
}

func (s *RedisStore) Put(ctx context.Context, appName, userID, sessionID, filename string, data []byte, mediaType string) (int, error) {
	prefix := keyPrefix(appName, userID, sessionID, filename)
	version, err := s.rdb.Incr(ctx, prefix+":version").Result()
	if err != nil {
		return 0, fmt.Errorf("assign artifact version: %w", err)
	}
	key := fmt.Sprintf("%s:v%d", prefix, version)
	if err := s.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return 0, fmt.Errorf("store artifact %s: %w", key, err)
	}
	return int(version), nil
}

func (s *RedisStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	prefix := keyPrefix(ref.AppName, ref.UserID, ref.SessionID, ref.Filename)
	version := ref.Version
	if version == 0 {
		v, err := s.rdb.Get(ctx, prefix+":version").Int()
		if err != nil {
			return nil, fmt.Errorf("resolve latest artifact version for %s: %w", ref.URI(), err)
		}
		version = v
	}
	key := fmt.Sprintf("%s:v%d", prefix, version)
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", key, err)
	}
	return b, nil
}
