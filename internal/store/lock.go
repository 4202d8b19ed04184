package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nostrmood/market-engine/internal/model"
)

// Locker serializes settlement of one market across engine instances.
// Acquire returns model.ErrSettlementInProgress when another holder has
// the key. The returned unlock func is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// unlockLua deletes the lock key only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker implements Locker with SET NX plus a TTL and a token-checked
// Lua unlock.
type RedisLocker struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewRedisLocker creates a RedisLocker on rdb.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
	}
}

func lockKey(key string) string {
	return "mood:lock:" + key
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", key, model.ErrSettlementInProgress)
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// Background context: the caller's may already be cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}

// LocalLocker implements Locker for a single process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time)}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, fmt.Errorf("lock %s: %w", key, model.ErrSettlementInProgress)
	}
	expiry := now.Add(ttl)
	l.held[key] = expiry

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.held[key].Equal(expiry) {
				delete(l.held, key)
			}
			l.mu.Unlock()
		})
	}, nil
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*LocalLocker)(nil)
)
