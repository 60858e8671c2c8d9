package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Only the holder's token may release the lock.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements policy.Locker across replicas with SET NX PX. The TTL
// bounds how long a crashed compiler can hold a tenant.
type Locker struct {
	cache *Cache
}

func NewLocker(cache *Cache) *Locker {
	return &Locker{cache: cache}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	k := l.cache.key("lock:" + key)
	token := uuid.NewString()

	ok, err := l.cache.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may be gone by now.
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = unlockScript.Run(ctx, l.cache.client, []string{k}, token).Err()
		})
	}, true, nil
}
