package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 只有持有相同 token 的一方才能续期或释放。
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Redis 是基于 SET NX PX 的单写者锁，适合输出目录在多台机器间共享（例如同一个 Postgres sink）。
type Redis struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration

	token string
}

const defaultRedisTTL = 10 * time.Minute

func NewRedis(client *redis.Client, key string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &Redis{Client: client, Key: key, TTL: ttl, token: uuid.NewString()}
}

func (r *Redis) Acquire(ctx context.Context) error {
	if r.token == "" {
		r.token = uuid.NewString()
	}
	ok, err := r.Client.SetNX(ctx, r.Key, r.token, r.TTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

func (r *Redis) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, r.Client, []string{r.Key}, r.token, r.TTL.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLocked
	}
	return nil
}

func (r *Redis) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, r.Client, []string{r.Key}, r.token).Err()
}
