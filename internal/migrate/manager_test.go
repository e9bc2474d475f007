package migrate

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseURL(t *testing.T) {
	got, err := DatabaseURL("postgres://gw:secret@db:5432/meshgate?sslmode=disable", "")
	require.NoError(t, err)
	assert.Equal(t, "pgx5://gw:secret@db:5432/meshgate?sslmode=disable", got)

	got, err = DatabaseURL("postgresql://db/meshgate", "gw_migrations")
	require.NoError(t, err)
	assert.Equal(t, "pgx5://db/meshgate?x-migrations-table=gw_migrations", got)

	_, err = DatabaseURL("host=db user=gw", "")
	assert.Error(t, err)
	_, err = DatabaseURL("mysql://db/x", "")
	assert.Error(t, err)
}

func TestEmbeddedMigrations(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	up, ident, err := src.ReadUp(first)
	require.NoError(t, err)
	defer up.Close()
	assert.Equal(t, "org_mappings", ident)
	body, err := io.ReadAll(up)
	require.NoError(t, err)
	assert.Contains(t, string(body), "create table if not exists org_mappings")

	down, _, err := src.ReadDown(first)
	require.NoError(t, err)
	_ = down.Close()
}
