package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meshgate.org/internal/mapping"
)

var _ mapping.Store = (*Mappings)(nil)

// Mappings stores one key per organization and family: org:<orgID>:<family>.
type Mappings struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func mappingKey(orgID string, family mapping.Family) string {
	return fmt.Sprintf("org:%s:%s", orgID, family)
}

func (m *Mappings) Get(ctx context.Context, orgID string, family mapping.Family) (string, error) {
	id, err := m.rdb.Get(ctx, mappingKey(orgID, family)).Result()
	if errors.Is(err, redis.Nil) {
		return "", mapping.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// PutIfAbsent writes every family with a single MSETNX, so either all keys
// are created or none.
func (m *Mappings) PutIfAbsent(ctx context.Context, mp mapping.Mapping) error {
	if err := mp.Validate(); err != nil {
		return err
	}
	ok, err := m.rdb.MSetNX(ctx, pairs(mp)...).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: organization %s", mapping.ErrExists, mp.OrgID)
	}
	m.logger.Info("mapping written", zap.String("org_id", mp.OrgID), zap.Int("families", len(mp.Backends)))
	return nil
}

// Put replaces all families of the organization inside MULTI/EXEC.
func (m *Mappings) Put(ctx context.Context, mp mapping.Mapping) error {
	if err := mp.Validate(); err != nil {
		return err
	}
	keys := make([]string, 0, len(mapping.Families))
	for _, f := range mapping.Families {
		keys = append(keys, mappingKey(mp.OrgID, f))
	}
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.MSet(ctx, pairs(mp)...)
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("mapping replaced", zap.String("org_id", mp.OrgID))
	return nil
}

func pairs(mp mapping.Mapping) []any {
	out := make([]any, 0, 2*len(mp.Backends))
	for _, f := range mapping.Families {
		if id, ok := mp.Backends[f]; ok {
			out = append(out, mappingKey(mp.OrgID, f), id)
		}
	}
	return out
}
