package port

import (
	"context"
	"time"
)

type IdempotencyStore interface {
	// Acquire claims key for ttl, returns false if it is already held
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// Release frees key only if it is still held with token
	Release(ctx context.Context, key, token string) error
}
