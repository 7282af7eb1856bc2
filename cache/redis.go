package cache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	clientOnce sync.Once
	client     *redis.Client
	clientErr  error
)

// NewClientFromEnv builds a Redis client from REDIS_ADDR, REDIS_PASSWORD and
// REDIS_DB and verifies connectivity with a short ping.
func NewClientFromEnv() (*redis.Client, error) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		addr = "localhost:6379"
	}

	db := 0
	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("cache: invalid REDIS_DB value %q", raw)
		}
		db = parsed
	}

	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("cache: ping redis %s: %w", addr, err)
	}

	return c, nil
}

// Client returns the shared Redis client, initialising it on first use.
// Callers that can operate without Redis should treat an error as "disabled".
func Client() (*redis.Client, error) {
	clientOnce.Do(func() {
		client, clientErr = NewClientFromEnv()
	})
	return client, clientErr
}

// Close releases the shared client. Mainly useful for tests.
func Close() error {
	if client == nil {
		return nil
	}
	return client.Close()
}
