package runlock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Release and refresh only touch the key while it still carries our token.
const (
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`
	refreshScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) end return 0`
)

// RedisClient is the subset of go-redis the lock uses.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Redis is a Locker backed by SET NX PX. The key is refreshed at a third of
// its TTL while held, so a crashed worker frees the run after one TTL.
type Redis struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedis returns a Redis locker. ttl defaults to 30s.
func NewRedis(client RedisClient, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if prefix == "" {
		prefix = "catalog:runlock:"
	}
	return &Redis{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		log:    zap.L().With(zap.String("component", "runlock")),
	}
}

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "runlock: connect to redis %s", addr)
	}
	return client, nil
}

// Acquire takes the run key or fails with ErrHeld.
func (r *Redis) Acquire(ctx context.Context, runID string) (func(), error) {
	key := r.prefix + runID
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "runlock: acquire %s", runID)
	}
	if !ok {
		return nil, eris.Wrapf(ErrHeld, "runlock: %s", runID)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepAlive(key, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
				r.log.Warn("runlock: release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

func (r *Redis) keepAlive(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := r.client.Eval(ctx, refreshScript, []string{key}, token, r.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				r.log.Warn("runlock: refresh failed", zap.String("key", key), zap.Error(err))
				continue
			}
			if n == 0 {
				r.log.Warn("runlock: lock lost", zap.String("key", key))
				return
			}
		}
	}
}
