package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Locker hands out exclusive, expiring leases on a key
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, bool, error)
}

type Lease interface {
	Release(ctx context.Context) error
}

// release only deletes the key while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker uses SET NX PX leases so that refreshes running in different
// processes exclude each other
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLocker(addr string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "feedhub:lock:",
		ttl:    ttl,
	}
}

func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("error acquiring lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{client: l.client, key: l.prefix + key, token: token}, true, nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (r *redisLease) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int()
	if err != nil {
		return fmt.Errorf("error releasing lease %s: %w", r.key, err)
	}
	if deleted == 0 {
		log.WithField("key", r.key).Warn("Lease expired before release")
	}
	return nil
}

// Nop grants every lease. Used when no external lock service is configured.
type Nop struct{}

func (Nop) Acquire(context.Context, string) (Lease, bool, error) {
	return nopLease{}, true, nil
}

type nopLease struct{}

func (nopLease) Release(context.Context) error { return nil }

var _ Locker = (*RedisLocker)(nil)
var _ Locker = Nop{}
