package chatstate

import (
	"context"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
)

// isWrongType reports whether the store rejected an operation because the
// key holds a value of another type. This happens when deploys with
// different schemas share one store; the recovery policy is to drop the
// malformed key and reinitialize rather than propagate the type error.
func isWrongType(err error) bool {
	return err != nil && strings.Contains(err.Error(), "WRONGTYPE")
}

// resetKey deletes a key that holds an unexpected type so the caller can
// reinitialize it.
func resetKey(ctx context.Context, rdb *redis.Client, key string) {
	log.Printf("chatstate: key %s holds unexpected type, reinitializing", key)
	if err := rdb.Del(ctx, key).Err(); err != nil {
		log.Printf("chatstate: failed to reset key %s: %v", key, err)
	}
}
