// Package redisstore keeps the gateway's shared state in Redis: the
// revocation deny list, the organization mapping table and provisioning
// idempotency records.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store owns the Redis client. Callers Open it once and Close it at shutdown.
type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// Open parses a redis:// URL, connects and pings.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("redisstore: url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	return New(rdb, logger), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{rdb: rdb, logger: logger.With(zap.String("component", "redisstore"))}
}

func (s *Store) Close() error { return s.rdb.Close() }

// Ping is used by readiness checks.
func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

// DenyList returns the revocation store view.
func (s *Store) DenyList() *DenyList { return &DenyList{rdb: s.rdb} }

// Mappings returns the mapping store view.
func (s *Store) Mappings() *Mappings { return &Mappings{rdb: s.rdb, logger: s.logger} }

// Idempotency returns the provisioning idempotency view.
func (s *Store) Idempotency() *Idempotency { return &Idempotency{rdb: s.rdb} }
