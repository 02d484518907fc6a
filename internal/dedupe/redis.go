package dedupe

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis dedupes across instances with SET NX + TTL
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(addr, password string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	return &Redis{client: client, prefix: "whatsflow:evt:"}
}

func (r *Redis) FirstSeen(key string, ttl time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := r.client.SetNX(ctx, r.prefix+key, 1, ttl).Result()
	if err != nil {
		// Failing open risks a duplicate pass; the session CAS absorbs it.
		log.Printf("Redis dedupe error for %s: %v", key, err)
		return true
	}
	return ok
}

func (r *Redis) Forget(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		log.Printf("Redis dedupe release error for %s: %v", key, err)
	}
}
