package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Close() error { return s.rdb.Close() }

func captchaKey(email string) string { return "captcha:" + email }

func (s *Store) SetCaptcha(ctx context.Context, email, code string, ttl time.Duration) error {
	return s.rdb.Set(ctx, captchaKey(email), code, ttl).Err()
}

// GetCaptcha returns redis.Nil when the captcha expired or was never sent.
func (s *Store) GetCaptcha(ctx context.Context, email string) (string, error) {
	return s.rdb.Get(ctx, captchaKey(email)).Result()
}

func (s *Store) DeleteCaptcha(ctx context.Context, email string) error {
	return s.rdb.Del(ctx, captchaKey(email)).Err()
}
