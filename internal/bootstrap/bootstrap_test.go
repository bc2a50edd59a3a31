package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestConnectRedis(t *testing.T) {
	srv := miniredis.RunT(t)

	client, err := ConnectRedis(context.Background(), "redis://"+srv.Addr())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestConnectRedisRejectsBadURL(t *testing.T) {
	_, err := ConnectRedis(context.Background(), "not-a-url\x7f")
	require.Error(t, err)
}
