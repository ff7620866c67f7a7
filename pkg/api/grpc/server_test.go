package grpc

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/dagflow/internal/application/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthService(t *testing.T) {
	logger := zaptest.NewLogger(t)

	pool := workers.NewPool(2, nil, logger, 0)
	require.NoError(t, pool.Start())
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	srv, err := NewServer(&Config{Port: 0, Pool: pool, CheckInterval: 20 * time.Millisecond, Logger: logger})
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.Start() }()

	conn, err := grpc.NewClient(srv.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, service := range []string{"", ServiceName} {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus(), "service %q", service)
	}

	t.Run("stopped pool is not serving", func(t *testing.T) {
		require.NoError(t, pool.Shutdown(context.Background()))
		assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, srv.UpdateStatus())

		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
	})

	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-served)
}
