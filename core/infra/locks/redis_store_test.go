package locks

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client), mr
}

func TestRedisLockerExclusive(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx, "sweep", "replica-a", 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first acquire, ok=%v err=%v", ok, err)
	}
	if ok, err := l.TryAcquire(ctx, "sweep", "replica-b", 2*time.Second); err != nil || ok {
		t.Fatalf("expected second owner to be refused, ok=%v err=%v", ok, err)
	}
	if ok, err := l.TryAcquire(ctx, "sweep", "replica-a", 2*time.Second); err != nil || !ok {
		t.Fatalf("expected holder to renew, ok=%v err=%v", ok, err)
	}

	// a non-holder release leaves the lease in place
	if err := l.Release(ctx, "sweep", "replica-b"); err != nil {
		t.Fatalf("release by non-holder: %v", err)
	}
	if ok, _ := l.TryAcquire(ctx, "sweep", "replica-b", 2*time.Second); ok {
		t.Fatalf("lease should still belong to replica-a")
	}

	if err := l.Release(ctx, "sweep", "replica-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, err := l.TryAcquire(ctx, "sweep", "replica-b", 2*time.Second); err != nil || !ok {
		t.Fatalf("expected acquire after release, ok=%v err=%v", ok, err)
	}
}

func TestRedisLockerExpires(t *testing.T) {
	l, mr := newLocker(t)
	ctx := context.Background()

	if ok, _ := l.TryAcquire(ctx, "sweep", "replica-a", time.Second); !ok {
		t.Fatalf("expected acquire")
	}
	mr.FastForward(2 * time.Second)
	if ok, err := l.TryAcquire(ctx, "sweep", "replica-b", time.Second); err != nil || !ok {
		t.Fatalf("expected acquire after expiry, ok=%v err=%v", ok, err)
	}
}

func TestRedisLockerValidates(t *testing.T) {
	l, _ := newLocker(t)
	if _, err := l.TryAcquire(context.Background(), " ", "owner", 0); err == nil {
		t.Fatalf("expected error for empty resource")
	}
	var nilLocker *RedisLocker
	if _, err := nilLocker.TryAcquire(context.Background(), "r", "o", 0); err == nil {
		t.Fatalf("expected error for nil locker")
	}
	if ok, err := (Local{}).TryAcquire(context.Background(), "r", "o", 0); !ok || err != nil {
		t.Fatalf("local locker should always grant")
	}
}
