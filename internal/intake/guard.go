package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

// ErrSubmitInProgress is returned when another submission for the same
// record holds the guard
var ErrSubmitInProgress = errors.New("another submission for this record is in progress")

// Guard serializes the check-then-enqueue of one record key
type Guard interface {
	Lock(ctx context.Context, key domain.RecordKey) (unlock func(), err error)
}

// LocalGuard is a per-process Guard
type LocalGuard struct {
	mu   sync.Mutex
	held map[domain.RecordKey]struct{}
}

// NewLocalGuard creates a LocalGuard
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[domain.RecordKey]struct{})}
}

func (g *LocalGuard) Lock(_ context.Context, key domain.RecordKey) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.held[key]; ok {
		return nil, ErrSubmitInProgress
	}
	g.held[key] = struct{}{}

	return func() {
		g.mu.Lock()
		delete(g.held, key)
		g.mu.Unlock()
	}, nil
}

// releaseScript deletes the lock only if this holder still owns it
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard shares the guard between API replicas. The TTL bounds how long
// a crashed replica can block a record.
type RedisGuard struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisGuard creates a RedisGuard
func NewRedisGuard(rdb *goredis.Client, prefix string, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisGuard{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (g *RedisGuard) lockKey(key domain.RecordKey) string {
	return fmt.Sprintf("%s:submit:%s", g.prefix, key)
}

func (g *RedisGuard) Lock(ctx context.Context, key domain.RecordKey) (func(), error) {
	k := g.lockKey(key)
	token := uuid.NewString()

	ok, err := g.rdb.SetNX(ctx, k, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire submit guard: %w", err)
	}
	if !ok {
		return nil, ErrSubmitInProgress
	}

	return func() {
		// the request context may already be gone
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, g.rdb, []string{k}, token).Err()
	}, nil
}
