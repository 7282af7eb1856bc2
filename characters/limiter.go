package characters

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"elizatown_back/cache"
)

const downloadWindow = 15 * time.Minute

// downloadLimiter counts each viewer's download of an entry once per
// window. Without Redis every request counts, which matches the reference
// behavior.
type downloadLimiter struct {
	client *redis.Client
	window time.Duration
}

func newDownloadLimiterFromEnv() *downloadLimiter {
	client, err := cache.Client()
	if err != nil {
		log.Printf("characters: download de-dup disabled: %v", err)
		return &downloadLimiter{window: downloadWindow}
	}
	return &downloadLimiter{client: client, window: downloadWindow}
}

// ShouldCount reports whether this viewer's download of the character
// should increment the stored counter.
func (l *downloadLimiter) ShouldCount(ctx context.Context, characterID uint64, viewer string) bool {
	if l == nil || l.client == nil || viewer == "" {
		return true
	}

	key := fmt.Sprintf("downloads:%d:%s", characterID, viewer)
	ok, err := l.client.SetNX(ctx, key, 1, l.window).Result()
	if err != nil {
		log.Printf("characters: download de-dup check failed: %v", err)
		return true
	}
	return ok
}
