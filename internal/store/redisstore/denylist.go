package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"meshgate.org/internal/auth"
)

const (
	deniedTokenPrefix = "deny:jwt:"
	deniedUserPrefix  = "deny:user:"
)

var _ auth.DenyList = (*DenyList)(nil)

// DenyList stores revoked tokens and users as keys expiring with the token.
type DenyList struct {
	rdb *redis.Client
}

func (d *DenyList) DenyToken(ctx context.Context, token string, ttl time.Duration) error {
	return d.set(ctx, deniedTokenPrefix+token, ttl)
}

func (d *DenyList) IsTokenDenied(ctx context.Context, token string) (bool, error) {
	return d.exists(ctx, deniedTokenPrefix+token)
}

func (d *DenyList) DenyUser(ctx context.Context, userID string, ttl time.Duration) error {
	return d.set(ctx, deniedUserPrefix+userID, ttl)
}

func (d *DenyList) IsUserDenied(ctx context.Context, userID string) (bool, error) {
	return d.exists(ctx, deniedUserPrefix+userID)
}

func (d *DenyList) set(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("redisstore: non-positive ttl %s for %s", ttl, key)
	}
	return d.rdb.Set(ctx, key, "1", ttl).Err()
}

func (d *DenyList) exists(ctx context.Context, key string) (bool, error) {
	err := d.rdb.Get(ctx, key).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, err
	}
}
