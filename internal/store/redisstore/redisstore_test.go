package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshgate.org/internal/mapping"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Open(context.Background(), "redis://"+mr.Addr()+"/0", nil)
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())

	_, err = Open(context.Background(), "", nil)
	assert.Error(t, err)
	_, err = Open(context.Background(), "http://nope", nil)
	assert.Error(t, err)
}

func TestDenyListTokenExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	deny := s.DenyList()

	denied, err := deny.IsTokenDenied(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, denied)

	require.NoError(t, deny.DenyToken(ctx, "tok", 15*time.Minute))
	assert.Equal(t, 15*time.Minute, mr.TTL("deny:jwt:tok"))

	denied, err = deny.IsTokenDenied(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, denied)

	mr.FastForward(15*time.Minute + time.Second)
	denied, err = deny.IsTokenDenied(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, denied)
}

func TestDenyListUsers(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	deny := s.DenyList()

	require.NoError(t, deny.DenyUser(ctx, "u1", time.Hour))
	assert.True(t, mr.Exists("deny:user:u1"))

	denied, err := deny.IsUserDenied(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, denied)
	denied, err = deny.IsUserDenied(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, denied)

	assert.Error(t, deny.DenyUser(ctx, "u3", 0))
}

func TestDenyListStoreFailure(t *testing.T) {
	s := New(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	}), nil)
	defer s.Close()

	_, err := s.DenyList().IsTokenDenied(context.Background(), "tok")
	assert.Error(t, err)
}

func TestMappingsPutIfAbsent(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	m := s.Mappings()

	_, err := m.Get(ctx, "abc123", mapping.FamilyDeviceMgmt)
	assert.ErrorIs(t, err, mapping.ErrNotFound)

	mp := mapping.Mapping{OrgID: "abc123", Backends: map[mapping.Family]string{
		mapping.FamilyDeviceMgmt: "42",
		mapping.FamilyTSDB:       "0a1b2c",
	}}
	require.NoError(t, m.PutIfAbsent(ctx, mp))

	got, err := m.Get(ctx, "abc123", mapping.FamilyDeviceMgmt)
	require.NoError(t, err)
	assert.Equal(t, "42", got)
	got, err = m.Get(ctx, "abc123", mapping.FamilyTSDB)
	require.NoError(t, err)
	assert.Equal(t, "0a1b2c", got)

	again := mapping.Mapping{OrgID: "abc123", Backends: map[mapping.Family]string{
		mapping.FamilyDeviceMgmt: "99",
		mapping.FamilyTSDB:       "ffff",
	}}
	assert.ErrorIs(t, m.PutIfAbsent(ctx, again), mapping.ErrExists)
	v, err := mr.Get("org:abc123:devmgmt")
	require.NoError(t, err)
	assert.Equal(t, "42", v)
}

func TestMappingsPutIfAbsentIsAllOrNothing(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("org:abc123:tsdb", "existing"))

	mp := mapping.Mapping{OrgID: "abc123", Backends: map[mapping.Family]string{
		mapping.FamilyDeviceMgmt: "42",
		mapping.FamilyTSDB:       "new",
	}}
	assert.ErrorIs(t, s.Mappings().PutIfAbsent(ctx, mp), mapping.ErrExists)
	assert.False(t, mr.Exists("org:abc123:devmgmt"))
}

func TestMappingsPutReplaces(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	m := s.Mappings()

	require.NoError(t, m.PutIfAbsent(ctx, mapping.Mapping{OrgID: "abc", Backends: map[mapping.Family]string{
		mapping.FamilyDeviceMgmt: "1",
		mapping.FamilyTSDB:       "t1",
	}}))
	require.NoError(t, m.Put(ctx, mapping.Mapping{OrgID: "abc", Backends: map[mapping.Family]string{
		mapping.FamilyDeviceMgmt: "2",
	}}))

	got, err := m.Get(ctx, "abc", mapping.FamilyDeviceMgmt)
	require.NoError(t, err)
	assert.Equal(t, "2", got)
	assert.False(t, mr.Exists("org:abc:tsdb"))

	assert.ErrorIs(t, m.Put(ctx, mapping.Mapping{OrgID: "a/b", Backends: map[mapping.Family]string{mapping.FamilyTSDB: "x"}}), mapping.ErrInvalidInput)
}

func TestIdempotency(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	idem := s.Idempotency()

	claimed, outcome, err := idem.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Nil(t, outcome)

	claimed, outcome, err = idem.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Nil(t, outcome)

	require.NoError(t, idem.Complete(ctx, "k1", []byte(`{"org_id":"abc"}`), time.Hour))
	claimed, outcome, err = idem.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.JSONEq(t, `{"org_id":"abc"}`, string(outcome))
	assert.Equal(t, time.Hour, mr.TTL("provision:idem:k1"))

	claimed, _, err = idem.Claim(ctx, "k2", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, idem.Release(ctx, "k2"))
	claimed, _, err = idem.Claim(ctx, "k2", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}
