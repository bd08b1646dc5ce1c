package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// Locker serializes work on one content hash.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process keyed mutex. Entries are dropped once no
// goroutine holds or waits on them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker returns an empty keyed mutex.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx ends.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	k, ok := l.locks[key]
	if !ok {
		k = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = k
	}
	k.refs++
	l.mu.Unlock()

	select {
	case k.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, k)
		return nil, eris.Wrapf(ctx.Err(), "ledger: lock %s", key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.ch
			l.release(key, k)
		})
	}, nil
}

func (l *LocalLocker) release(key string, k *keyLock) {
	l.mu.Lock()
	k.refs--
	if k.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// unlockScript deletes the key only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a best-effort lock shared by several ingest processes. It
// narrows races; the store's unique constraints still decide the winner.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	poll   time.Duration
	prefix string
}

// NewRedisLocker connects to url. ttl bounds how long a crashed holder can
// block others.
func NewRedisLocker(ctx context.Context, url string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "ledger: redis ping")
	}
	return NewRedisLockerWithClient(client, ttl), nil
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, poll: 25 * time.Millisecond, prefix: "kenshin:lock:"}
}

// Lock polls SET NX PX until it wins or ctx ends.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	rk := r.prefix + key

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, rk, token, r.ttl).Result()
		if err != nil {
			return nil, eris.Wrapf(err, "ledger: redis lock %s", key)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "ledger: redis lock %s", key)
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The lock expires on its own if this fails.
			_ = unlockScript.Run(context.WithoutCancel(ctx), r.client, []string{rk}, token).Err()
		})
	}, nil
}

// Close releases the redis client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}
