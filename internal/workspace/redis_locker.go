package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only if this holder still owns the key.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker guards tokens across processes with SET NX PX. A held lock is
// renewed every ttl/3 until released, so the TTL only bounds how long a crashed
// holder can block a token.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
	renew  time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	renew := ttl / 3
	if renew <= 0 {
		renew = time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, poll: 50 * time.Millisecond, renew: renew}
}

func lockKey(token string) string { return "docworkshop:session-lock:" + token }

// hold keeps the lease alive in the background and returns the release func.
func (l *RedisLocker) hold(key, owner string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, owner, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{key}, owner).Err(); err != nil {
				slog.Warn("Failed to release session lock.", "key", key, "error", err)
			}
		})
	}
}

func (l *RedisLocker) keepAlive(key, owner string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.renew)
		n, err := renewScript.Run(ctx, l.client, []string{key}, owner, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			slog.Warn("Failed to renew session lock.", "key", key, "error", err)
			continue
		}
		if n == 0 {
			slog.Error("Session lock lost before release.", "key", key)
			return
		}
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, token string) (func(), bool, error) {
	key := lockKey(token)
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return l.hold(key, owner), true, nil
}

func (l *RedisLocker) Lock(ctx context.Context, token string) (func(), error) {
	for {
		unlock, ok, err := l.TryLock(ctx, token)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-time.After(l.poll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// NewRedisClient connects and checks the server answers a ping.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return client, nil
}
