package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker guards one owner's replay. TryLock returns ErrReplayInProgress
// without waiting if the owner is already locked.
type Locker interface {
	TryLock(ctx context.Context, ownerID int64) (unlock func(), err error)
}

// LocalLocker locks owners within a single process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[int64]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, ownerID int64) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[ownerID]; busy {
		return nil, fmt.Errorf("owner %d: %w", ownerID, ErrReplayInProgress)
	}
	l.held[ownerID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, ownerID)
			l.mu.Unlock()
		})
	}, nil
}

// releaseScript deletes the lock key only if it still holds our token, so an
// expired lock re-acquired by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker locks owners across server instances with SET NX PX. The TTL
// bounds how long a crashed holder can block an owner.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker returns a locker storing keys as "<prefix>:<owner>".
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "syncqueue:replay"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLocker) key(ownerID int64) string {
	return fmt.Sprintf("%s:%d", l.prefix, ownerID)
}

func (l *RedisLocker) TryLock(ctx context.Context, ownerID int64) (func(), error) {
	key := l.key(ownerID)
	token := uuid.NewString()

	err := l.client.SetArgs(ctx, key, token, redis.SetArgs{Mode: "NX", TTL: l.ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("owner %d: %w", ownerID, ErrReplayInProgress)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire replay lock for owner %d: %w", ownerID, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The request context may already be done; release on a fresh one.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				logf("release replay lock for owner %d: %v", ownerID, err)
			}
		})
	}, nil
}
