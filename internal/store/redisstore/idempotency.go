package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyPrefix = "provision:idem:"
	pendingMarker     = "pending"
)

// Idempotency records provisioning outcomes by client supplied key.
type Idempotency struct {
	rdb *redis.Client
}

// Claim reserves key with SET NX. When the key is taken, claimed is false and
// outcome holds the completed result, or nil while the first run is in flight.
func (i *Idempotency) Claim(ctx context.Context, key string, ttl time.Duration) (claimed bool, outcome []byte, err error) {
	ok, err := i.rdb.SetNX(ctx, idempotencyPrefix+key, pendingMarker, ttl).Result()
	if err != nil {
		return false, nil, err
	}
	if ok {
		return true, nil, nil
	}
	val, err := i.rdb.Get(ctx, idempotencyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if string(val) == pendingMarker {
		return false, nil, nil
	}
	return false, val, nil
}

// Complete stores the outcome of a claimed key.
func (i *Idempotency) Complete(ctx context.Context, key string, outcome []byte, ttl time.Duration) error {
	return i.rdb.Set(ctx, idempotencyPrefix+key, outcome, ttl).Err()
}

// Release drops a claim after a failed run so the client may retry.
func (i *Idempotency) Release(ctx context.Context, key string) error {
	return i.rdb.Del(ctx, idempotencyPrefix+key).Err()
}
