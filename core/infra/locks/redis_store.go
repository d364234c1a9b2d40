package locks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "jobrelay:lock:"

// extend the lease only while the caller still owns it
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLocker keeps leases as expiring keys holding the owner id.
type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func lockKey(resource string) string {
	return keyPrefix + resource
}

func (l *RedisLocker) TryAcquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		return false, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return false, fmt.Errorf("resource and owner required")
	}
	ttl = normalizeTTL(ttl)

	ok, err := l.client.SetNX(ctx, lockKey(resource), owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	renewed, err := l.client.Eval(ctx, renewScript, []string{lockKey(resource)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return renewed == 1, nil
}

func (l *RedisLocker) Release(ctx context.Context, resource, owner string) error {
	if l == nil || l.client == nil {
		return fmt.Errorf("lock store unavailable")
	}
	return l.client.Eval(ctx, releaseScript, []string{lockKey(strings.TrimSpace(resource))}, strings.TrimSpace(owner)).Err()
}
