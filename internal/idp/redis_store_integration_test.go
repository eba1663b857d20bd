//go:build integration

package idp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	cont, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cont.Terminate(context.Background()) })

	host, err := cont.Host(ctx)
	require.NoError(t, err)
	port, err := cont.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestRedisTokenStore(t *testing.T) {
	store := NewRedisTokenStore(RedisConfig{Addr: startRedis(t)})
	defer store.Close()
	ctx := context.Background()

	got, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	exp := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	require.NoError(t, store.Set(ctx, CachedToken{AccessToken: "abc", ExpiresAt: exp}))

	got, err = store.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abc", got.AccessToken)
	assert.True(t, exp.Equal(got.ExpiresAt))

	require.NoError(t, store.Set(ctx, CachedToken{AccessToken: "stale", ExpiresAt: time.Now().Add(-time.Second)}))
	got, err = store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.AccessToken, "expired tokens are not written")
}
