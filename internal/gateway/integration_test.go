package gateway_test

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/driftwire/driftwire/internal/acl"
	"github.com/driftwire/driftwire/internal/gateway"
	"github.com/driftwire/driftwire/internal/publish"
	"github.com/driftwire/driftwire/internal/store"
)

// startRedisContainer provisions a real Redis for cross-replica scenarios.
// Skipped in short mode and when starting the container returns an error.
func startRedisContainer(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := goredis.ParseURL(uri)
	require.NoError(t, err)
	return opts.Addr
}

func startReplica(t *testing.T, addr string) *gateway.Gateway {
	t.Helper()
	cfg := testConfig()
	cfg.Store.Addr = addr

	commands := store.New(store.Config{Addr: addr, CommandTimeout: 2 * time.Second})
	gw, err := gateway.NewWithStore(cfg, acl.AllowAll(), commands, commands.Duplicate())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	gw.Start(ctx)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = gw.Shutdown(shutdownCtx)
	})
	return gw
}

func TestCrossReplicaFanout(t *testing.T) {
	addr := startRedisContainer(t)

	producer := startReplica(t, addr)
	consumer := startReplica(t, addr)
	ctx := context.Background()

	stream, err := consumer.Subscribe(ctx, principal("u2", "t1"), "doc:xr", 0)
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	// The consumer replica's distributor may still be connecting; publish
	// until a delivery lands. Duplicates are allowed, gaps are not.
	var lastSeq int64
	require.Eventually(t, func() bool {
		env, err := producer.Publish(ctx, principal("u1", "t1"), publish.Input{
			TopicID: "doc:xr", Type: "op", Data: json.RawMessage(`{"hop":1}`)})
		if err != nil {
			return false
		}
		lastSeq = env.Seq
		select {
		case got := <-stream.Events():
			require.Equal(t, "t1", got.TenantID)
			require.Equal(t, "u1", got.SenderID)
			require.Greater(t, got.Seq, int64(0))
			require.LessOrEqual(t, got.Seq, lastSeq, "delivered seq matches a stream entry")
			return true
		case <-time.After(500 * time.Millisecond):
			return false
		}
	}, 20*time.Second, 100*time.Millisecond, "cross-replica delivery never arrived")
}

func TestDurableReplayAgainstRealStore(t *testing.T) {
	addr := startRedisContainer(t)
	gw := startReplica(t, addr)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := gw.Publish(ctx, principal("u1", "t1"), publish.Input{
			TopicID: "doc:durable", Type: "op", Data: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}

	stream, err := gw.Subscribe(ctx, principal("u2", "t1"), "doc:durable", 2)
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	require.Equal(t, int64(2), receive(t, stream).Seq)
	require.Equal(t, int64(3), receive(t, stream).Seq)
}
