package jobqueue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

const isolatedJobQueueTestRedisDB = 14

// newIsolatedRedisClient connects to REDIS_ADDR (or localhost) on a scratch
// database and skips the test when no Redis is reachable.
func newIsolatedRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addrs := []string{os.Getenv("REDIS_ADDR"), "localhost:6379", "cache:6379"}
	var lastErr error
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       isolatedJobQueueTestRedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			lastErr = err
			_ = client.Close()
			continue
		}
		if err := client.FlushDB(context.Background()).Err(); err != nil {
			_ = client.Close()
			t.Fatalf("failed to flush isolated redis db: %v", err)
		}
		t.Cleanup(func() {
			_ = client.FlushDB(context.Background()).Err()
			_ = client.Close()
		})
		return client
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return nil
}

func waitForCondition(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
