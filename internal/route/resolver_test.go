package route

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshgate.org/internal/errs"
	"meshgate.org/internal/mapping"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
	gets int
	err  error
}

func newMemStore() *memStore { return &memStore{data: map[string]string{}} }

func (m *memStore) Get(_ context.Context, orgID string, family mapping.Family) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.err != nil {
		return "", m.err
	}
	id, ok := m.data[cacheKey(orgID, family)]
	if !ok {
		return "", mapping.ErrNotFound
	}
	return id, nil
}

func (m *memStore) PutIfAbsent(_ context.Context, mp mapping.Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for f := range mp.Backends {
		if _, ok := m.data[cacheKey(mp.OrgID, f)]; ok {
			return mapping.ErrExists
		}
	}
	for f, id := range mp.Backends {
		m.data[cacheKey(mp.OrgID, f)] = id
	}
	return nil
}

func (m *memStore) Put(_ context.Context, mp mapping.Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range mapping.Families {
		delete(m.data, cacheKey(mp.OrgID, f))
	}
	for f, id := range mp.Backends {
		m.data[cacheKey(mp.OrgID, f)] = id
	}
	return nil
}

func seeded(t *testing.T) *memStore {
	t.Helper()
	s := newMemStore()
	require.NoError(t, s.PutIfAbsent(context.Background(), mapping.Mapping{OrgID: "abc123", Backends: map[mapping.Family]string{
		mapping.FamilyDeviceMgmt: "42",
		mapping.FamilyTSDB:       "0a1b2c",
	}}))
	return s
}

func TestResolveBackendPathRewritesOrganizationSegment(t *testing.T) {
	r := NewResolver(seeded(t))
	ctx := context.Background()

	cases := []struct {
		path   string
		family mapping.Family
		want   string
	}{
		{"/api/organizations/abc123/applications", mapping.FamilyDeviceMgmt, "/organizations/42/applications"},
		{"/api/organizations/abc123/applications/abc123/devices", mapping.FamilyDeviceMgmt, "/organizations/42/applications/abc123/devices"},
		{"/api/organizations/abc123/export-sensor-data", mapping.FamilyTSDB, "/organizations/0a1b2c/export-sensor-data"},
		{"/organizations/abc123/device-profiles/", mapping.FamilyDeviceMgmt, "/organizations/42/device-profiles/"},
		{"/api/organizations/abc123/applications/a%2Fb", mapping.FamilyDeviceMgmt, "/organizations/42/applications/a%2Fb"},
	}
	for _, tc := range cases {
		got, err := r.ResolveBackendPath(ctx, tc.path, "abc123", tc.family)
		require.NoError(t, err, tc.path)
		assert.Equal(t, tc.want, got, tc.path)
	}
}

func TestResolveBackendPathIsIdempotent(t *testing.T) {
	store := seeded(t)
	r := NewResolver(store)
	ctx := context.Background()

	first, err := r.ResolveBackendPath(ctx, "/api/organizations/abc123/lora-profiles", "abc123", mapping.FamilyDeviceMgmt)
	require.NoError(t, err)
	second, err := r.ResolveBackendPath(ctx, "/api/organizations/abc123/lora-profiles", "abc123", mapping.FamilyDeviceMgmt)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.gets, "second lookup must hit the cache")
}

func TestResolveBeforeAndAfterProvisioning(t *testing.T) {
	store := newMemStore()
	r := NewResolver(store)
	ctx := context.Background()

	_, err := r.ResolveBackendPath(ctx, "/api/organizations/neworg/applications", "neworg", mapping.FamilyDeviceMgmt)
	require.Error(t, err)
	assert.Equal(t, errs.KindMappingNotFound, errs.KindOf(err))

	require.NoError(t, store.PutIfAbsent(ctx, mapping.Mapping{OrgID: "neworg", Backends: map[mapping.Family]string{
		mapping.FamilyDeviceMgmt: "7",
		mapping.FamilyTSDB:       "t7",
	}}))

	got, err := r.ResolveBackendPath(ctx, "/api/organizations/neworg/applications", "neworg", mapping.FamilyDeviceMgmt)
	require.NoError(t, err)
	assert.Equal(t, "/organizations/7/applications", got)
}

func TestInvalidateDropsCachedFamilies(t *testing.T) {
	store := seeded(t)
	r := NewResolver(store)
	ctx := context.Background()

	_, err := r.Lookup(ctx, "abc123", mapping.FamilyDeviceMgmt)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, mapping.Mapping{OrgID: "abc123", Backends: map[mapping.Family]string{
		mapping.FamilyDeviceMgmt: "43",
	}}))

	got, err := r.Lookup(ctx, "abc123", mapping.FamilyDeviceMgmt)
	require.NoError(t, err)
	assert.Equal(t, "42", got, "cached value until invalidated")

	r.Invalidate("abc123")
	got, err = r.Lookup(ctx, "abc123", mapping.FamilyDeviceMgmt)
	require.NoError(t, err)
	assert.Equal(t, "43", got)
}

func TestResolveRejectsBadOrgIDs(t *testing.T) {
	store := seeded(t)
	r := NewResolver(store)
	ctx := context.Background()

	for _, id := range []string{"", "..", "a/b", "abc123?x=1", "x y"} {
		_, err := r.ResolveBackendPath(ctx, "/api/organizations/"+id+"/applications", id, mapping.FamilyDeviceMgmt)
		assert.Equal(t, errs.KindInvalidInput, errs.KindOf(err), id)
	}
	_, err := r.Lookup(ctx, "abc123", "kafka")
	assert.Equal(t, errs.KindInvalidInput, errs.KindOf(err))

	_, err = r.ResolveBackendPath(ctx, "/api/users/abc123", "abc123", mapping.FamilyDeviceMgmt)
	assert.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
	assert.Equal(t, 1, store.gets)
}

func TestResolveStoreFailure(t *testing.T) {
	store := seeded(t)
	store.err = errors.New("dial tcp: connection refused")
	r := NewResolver(store, WithCache(0, 0))

	_, err := r.Lookup(context.Background(), "abc123", mapping.FamilyTSDB)
	assert.Equal(t, errs.KindStoreUnavailable, errs.KindOf(err))
}

func TestCacheDisabled(t *testing.T) {
	store := seeded(t)
	r := NewResolver(store, WithCache(0, 0))
	for i := 0; i < 3; i++ {
		_, err := r.Lookup(context.Background(), "abc123", mapping.FamilyTSDB)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, store.gets)
	r.Invalidate("abc123")
}

func TestStripPrefix(t *testing.T) {
	r := NewResolver(newMemStore(), WithPrefix("/api/"))
	assert.Equal(t, "/users", r.StripPrefix("/api/users"))
	assert.Equal(t, "/", r.StripPrefix("/api"))
	assert.Equal(t, "/apiary", r.StripPrefix("/apiary"))

	bare := NewResolver(newMemStore(), WithPrefix(""))
	assert.Equal(t, "/api/users", bare.StripPrefix("/api/users"))
}
