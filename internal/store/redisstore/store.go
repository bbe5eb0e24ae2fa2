package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store keeps short-lived reservations in Redis. The database stays the
// source of truth; a reservation only closes the window between two
// concurrent intake requests of the same user.
type Store struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(ctx context.Context, addr, password string, db int, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Store{rdb: rdb, log: log.Named("redisstore")}, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

// dailyKey is story:daily:{user}:{yyyymmdd} for the UTC day of now.
func dailyKey(userID string, now time.Time) string {
	return fmt.Sprintf("story:daily:%s:%s", userID, now.UTC().Format("20060102"))
}

// untilEndOfDay is the time left in now's UTC day, never less than a second.
func untilEndOfDay(now time.Time) time.Duration {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return max(end.Sub(now), time.Second)
}

// ReserveDaily takes one of limit daily slots for the user. It reports
// false when the slots of the current UTC day are used up.
func (s *Store) ReserveDaily(ctx context.Context, userID string, now time.Time, limit int) (bool, error) {
	key := dailyKey(userID, now)

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, untilEndOfDay(now))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("reserve %s: %w", key, err)
	}

	if incr.Val() > int64(limit) {
		if err := s.rdb.Decr(ctx, key).Err(); err != nil {
			s.log.Warn("roll back daily reservation failed", zap.String("key", key), zap.Error(err))
		}
		return false, nil
	}
	return true, nil
}

// ReleaseDaily gives a reserved slot back, e.g. when the insert that
// followed the reservation failed.
func (s *Store) ReleaseDaily(ctx context.Context, userID string, now time.Time) error {
	key := dailyKey(userID, now)
	n, err := s.rdb.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	if n <= 0 {
		return s.rdb.Del(ctx, key).Err()
	}
	return nil
}
