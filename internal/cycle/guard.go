package cycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard lets at most one cycle of a kind run at a time. Acquire returns
// ok=false when another run holds the guard; release must be called once
// when ok is true.
type Guard interface {
	Acquire(ctx context.Context, k Kind) (release func(), ok bool, err error)
}

// LocalGuard is an in-process busy flag per kind.
type LocalGuard struct {
	mu   sync.Mutex
	busy map[Kind]bool
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{busy: make(map[Kind]bool)}
}

func (g *LocalGuard) Acquire(_ context.Context, k Kind) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy[k] {
		return nil, false, nil
	}
	g.busy[k] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.busy[k] = false
			g.mu.Unlock()
		})
	}, true, nil
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisGuard is a SET NX PX lock shared by every replica. TTL bounds how long
// a crashed holder can block other replicas.
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisGuard {
	if prefix == "" {
		prefix = "panelsync:cycle:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}
}

func (g *RedisGuard) key(k Kind) string { return g.prefix + string(k) }

func (g *RedisGuard) Acquire(ctx context.Context, k Kind) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.key(k), token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", k, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, g.client, []string{g.key(k)}, token).Err()
	}, true, nil
}

// Guards acquires every guard in order and releases them in reverse. The
// local guard goes first so a busy replica never touches Redis.
type Guards []Guard

func (gs Guards) Acquire(ctx context.Context, k Kind) (func(), bool, error) {
	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, g := range gs {
		release, ok, err := g.Acquire(ctx, k)
		if err != nil || !ok {
			releaseAll()
			return nil, false, err
		}
		releases = append(releases, release)
	}
	return releaseAll, true, nil
}
