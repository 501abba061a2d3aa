package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func NewWithClient(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error { return s.rdb.Close() }

func rateKey(key string, window time.Duration, now time.Time) string {
	slot := now.UnixNano() / int64(window)
	return fmt.Sprintf("ratelimit:%s:%d", key, slot)
}

// Hit counts one request against key in the current fixed window and
// returns the count so far.
func (s *Store) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := rateKey(key, window, time.Now())

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	// the key outlives its window slightly so late hits still expire
	pipe.Expire(ctx, k, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
