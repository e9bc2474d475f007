package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "meshgate dev")
}

func TestDenyUserCommand(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("MESHGATE_REDIS_URL", "redis://"+mr.Addr()+"/0")
	t.Setenv("MESHGATE_TOKEN_ALGORITHM", "HS256")
	t.Setenv("MESHGATE_ACCESS_TOKEN_KEY", "access-secret")
	t.Setenv("MESHGATE_REFRESH_TOKEN_KEY", "refresh-secret")

	out, err := run(t, "deny-user", "u42", "--ttl", "2h")
	require.NoError(t, err)
	assert.Contains(t, out, "user u42 denied")

	require.True(t, mr.Exists("deny:user:u42"))
	assert.Equal(t, 2*time.Hour, mr.TTL("deny:user:u42"))
}

func TestDenyUserCommandValidation(t *testing.T) {
	_, err := run(t, "deny-user")
	assert.Error(t, err)

	_, err = run(t, "deny-user", "u1")
	assert.ErrorContains(t, err, "redis_url")

	mr := miniredis.RunT(t)
	t.Setenv("MESHGATE_REDIS_URL", "redis://"+mr.Addr()+"/0")
	t.Setenv("MESHGATE_TOKEN_ALGORITHM", "HS256")
	t.Setenv("MESHGATE_ACCESS_TOKEN_KEY", "access-secret")
	t.Setenv("MESHGATE_REFRESH_TOKEN_KEY", "refresh-secret")
	_, err = run(t, "deny-user", "u1", "--ttl", "0s")
	assert.Error(t, err)
	assert.False(t, mr.Exists("deny:user:u1"))
}

func TestServeRejectsIncompleteConfig(t *testing.T) {
	_, err := run(t, "serve")
	assert.ErrorContains(t, err, "identity_url is required")
}
