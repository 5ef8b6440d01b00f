package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Options struct {
	Addr     string
	Password string
	DB       int
}

// New creates the redis client shared by the offer cache, the job queue and
// the notification outbox. An unreachable server is logged, not fatal.
func New(ctx context.Context, opts Options, log *zap.Logger) *redis.Client {
	if log == nil {
		log = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := Ping(ctx, client); err != nil {
		log.Warn("cache server not reachable", zap.String("addr", opts.Addr), zap.Error(err))
	} else {
		log.Info("connected to cache server", zap.String("addr", opts.Addr))
	}
	return client
}

func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping cache: %w", err)
	}
	return nil
}
