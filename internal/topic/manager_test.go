package topic_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/driftwire/driftwire/internal/schema"
	"github.com/driftwire/driftwire/internal/store"
	"github.com/driftwire/driftwire/internal/topic"
)

func newManager(t *testing.T, cfg topic.Config) (*miniredis.Miniredis, *store.Adapter, *topic.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	adapter := store.NewWithClient(client, time.Second)
	t.Cleanup(func() { _ = adapter.Close() })
	manager := topic.NewManager(adapter, schema.Keys{Prefix: "rt"}, "replica-1", cfg)
	return mr, adapter, manager
}

func envelope(tenant, topicID, sender string, typ schema.EventType, data string) *schema.Envelope {
	return &schema.Envelope{
		ID:       fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		TenantID: tenant,
		TopicID:  topicID,
		SenderID: sender,
		Type:     typ,
		Data:     json.RawMessage(data),
		TS:       time.Now().UTC(),
	}
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	_, _, manager := newManager(t, topic.Config{})
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env := envelope("t1", "doc:1", "u1", schema.EventTypeOp, `{"n":1}`)
			if err := manager.Append(ctx, env); err == nil {
				seqs <- env.Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		require.False(t, seen[seq], "seq %d assigned twice", seq)
		require.Greater(t, seq, int64(0), "seq 0 is never a valid publish output")
		seen[seq] = true
	}
	require.Len(t, seen, n)
	for want := int64(1); want <= n; want++ {
		require.True(t, seen[want], "seq %d missing", want)
	}

	// retained stream entries ascend
	backlog, err := manager.ReadFromSeq(ctx, "t1", "doc:1", 1, 0)
	require.NoError(t, err)
	require.Len(t, backlog, n)
	for i := 1; i < len(backlog); i++ {
		require.Greater(t, backlog[i].Seq, backlog[i-1].Seq)
	}
}

func TestReadFromSeqFiltersAndBounds(t *testing.T) {
	_, _, manager := newManager(t, topic.Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, manager.Append(ctx, envelope("t1", "doc:1", "u1", schema.EventTypeOp, `{"n":1}`)))
	}

	tail, err := manager.ReadFromSeq(ctx, "t1", "doc:1", 3, 0)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	require.Equal(t, int64(3), tail[0].Seq)
	require.Equal(t, int64(5), tail[2].Seq)

	// fromSeq beyond the tail yields nothing, not an error
	empty, err := manager.ReadFromSeq(ctx, "t1", "doc:1", 99, 0)
	require.NoError(t, err)
	require.Empty(t, empty)

	// fromSeq older than the retained minimum returns what remains
	all, err := manager.ReadFromSeq(ctx, "t1", "doc:1", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
}

func TestEnqueueCapsQueueDroppingOldest(t *testing.T) {
	_, _, manager := newManager(t, topic.Config{QueueCap: 100})
	ctx := context.Background()

	require.NoError(t, manager.AddSubscriber(ctx, "t1", "doc:1", "sub-1", "u2"))

	for i := 1; i <= 150; i++ {
		env := envelope("t1", "doc:1", "u1", schema.EventTypeOp, `{"n":1}`)
		env.Seq = int64(i)
		require.NoError(t, manager.Enqueue(ctx, "t1", "doc:1", "sub-1", env))

		depth, err := manager.QueueLen(ctx, "t1", "doc:1", "sub-1")
		require.NoError(t, err)
		require.LessOrEqual(t, depth, int64(100))
	}

	queued, err := manager.DrainQueue(ctx, "t1", "doc:1", "sub-1")
	require.NoError(t, err)
	require.Len(t, queued, 100)
	require.Equal(t, int64(51), queued[0].Seq, "oldest entries are the ones dropped")
	require.Equal(t, int64(150), queued[99].Seq)
}

func TestCursorCoalescingNearFullQueue(t *testing.T) {
	_, _, manager := newManager(t, topic.Config{QueueCap: 100})
	ctx := context.Background()

	require.NoError(t, manager.AddSubscriber(ctx, "t1", "doc:1", "sub-1", "u2"))

	// fill to 80: above the 75% threshold
	for i := 1; i <= 80; i++ {
		env := envelope("t1", "doc:1", "u3", schema.EventTypeOp, `{"n":1}`)
		env.Seq = int64(i)
		require.NoError(t, manager.Enqueue(ctx, "t1", "doc:1", "sub-1", env))
	}

	var lastCursor *schema.Envelope
	for i := 0; i < 20; i++ {
		lastCursor = envelope("t1", "doc:1", "u1", schema.EventTypeCursor, fmt.Sprintf(`{"x":%d}`, i))
		lastCursor.Seq = int64(81 + i)
		require.NoError(t, manager.Enqueue(ctx, "t1", "doc:1", "sub-1", lastCursor))
	}
	for i := 0; i < 5; i++ {
		env := envelope("t1", "doc:1", "u1", schema.EventTypeOp, `{"op":true}`)
		env.Seq = int64(101 + i)
		require.NoError(t, manager.Enqueue(ctx, "t1", "doc:1", "sub-1", env))
	}

	queued, err := manager.DrainQueue(ctx, "t1", "doc:1", "sub-1")
	require.NoError(t, err)

	cursors := 0
	ops := 0
	for _, env := range queued {
		switch {
		case env.Type == schema.EventTypeCursor && env.SenderID == "u1":
			cursors++
			require.Equal(t, lastCursor.ID, env.ID, "only the newest cursor survives")
		case env.Type == schema.EventTypeOp && env.SenderID == "u1":
			ops++
		}
	}
	require.Equal(t, 1, cursors)
	require.Equal(t, 5, ops, "non-coalescable types are never coalesced")
	require.Len(t, queued, 80+1+5)
}

func TestCoalescingSkippedBelowThreshold(t *testing.T) {
	_, _, manager := newManager(t, topic.Config{QueueCap: 100})
	ctx := context.Background()

	require.NoError(t, manager.AddSubscriber(ctx, "t1", "doc:1", "sub-1", "u2"))

	for i := 0; i < 10; i++ {
		env := envelope("t1", "doc:1", "u1", schema.EventTypeCursor, fmt.Sprintf(`{"x":%d}`, i))
		require.NoError(t, manager.Enqueue(ctx, "t1", "doc:1", "sub-1", env))
	}

	depth, err := manager.QueueLen(ctx, "t1", "doc:1", "sub-1")
	require.NoError(t, err)
	require.Equal(t, int64(10), depth, "a quiet queue keeps every cursor")
}

func TestSubscriberRegistry(t *testing.T) {
	_, adapter, manager := newManager(t, topic.Config{})
	ctx := context.Background()

	require.NoError(t, manager.AddSubscriber(ctx, "t1", "doc:1", "sub-1", "u1"))
	require.NoError(t, manager.AddSubscriber(ctx, "t1", "doc:1", "sub-2", "u2"))

	members, err := manager.Subscribers(ctx, "t1", "doc:1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"sub-1", "sub-2"}, members)

	require.NoError(t, manager.RemoveSubscriber(ctx, "t1", "doc:1", "sub-1"))
	members, err = manager.Subscribers(ctx, "t1", "doc:1")
	require.NoError(t, err)
	require.Equal(t, []string{"sub-2"}, members)

	meta, err := adapter.HashGetAll(ctx, schema.Keys{Prefix: "rt"}.SubscriberMeta("t1", "sub-1"))
	require.NoError(t, err)
	require.Empty(t, meta, "metadata deleted with the subscriber")
}

func TestStatsReportsSubscribersAndBuffer(t *testing.T) {
	_, _, manager := newManager(t, topic.Config{})
	ctx := context.Background()

	require.NoError(t, manager.AddSubscriber(ctx, "t1", "doc:1", "sub-1", "u1"))
	for i := 0; i < 3; i++ {
		require.NoError(t, manager.Append(ctx, envelope("t1", "doc:1", "u1", schema.EventTypeOp, `{}`)))
	}

	subscribers, buffered, err := manager.Stats(ctx, "t1", "doc:1")
	require.NoError(t, err)
	require.Equal(t, int64(1), subscribers)
	require.Equal(t, int64(3), buffered)
}

func TestReaperRemovesStaleSubscribers(t *testing.T) {
	_, adapter, manager := newManager(t, topic.Config{SlowClientThreshold: 50 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, manager.AddSubscriber(ctx, "t1", "doc:1", "stale", "u1"))
	require.NoError(t, manager.AddSubscriber(ctx, "t1", "doc:1", "inactive", "u2"))
	require.NoError(t, manager.AddSubscriber(ctx, "t1", "doc:1", "live", "u3"))

	require.NoError(t, manager.MarkInactive(ctx, "t1", "inactive"))
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, manager.Touch(ctx, "t1", "live"))

	reaper := topic.NewReaper(manager, topic.DefaultReapInterval)
	reaper.Sweep(ctx)

	members, err := manager.Subscribers(ctx, "t1", "doc:1")
	require.NoError(t, err)
	require.Equal(t, []string{"live"}, members)

	_, err = adapter.HashGetAll(ctx, schema.Keys{Prefix: "rt"}.SubscriberMeta("t1", "stale"))
	require.NoError(t, err)
}

func TestTenantStateIsolation(t *testing.T) {
	_, _, manager := newManager(t, topic.Config{})
	ctx := context.Background()

	require.NoError(t, manager.Append(ctx, envelope("t1", "doc:1", "u1", schema.EventTypeOp, `{"t":1}`)))
	require.NoError(t, manager.Append(ctx, envelope("t2", "doc:1", "u1", schema.EventTypeOp, `{"t":2}`)))

	t1, err := manager.ReadFromSeq(ctx, "t1", "doc:1", 1, 0)
	require.NoError(t, err)
	require.Len(t, t1, 1)
	require.Equal(t, "t1", t1[0].TenantID)
	require.Equal(t, int64(1), t1[0].Seq, "per-tenant counters are independent")

	t2, err := manager.ReadFromSeq(ctx, "t2", "doc:1", 1, 0)
	require.NoError(t, err)
	require.Len(t, t2, 1)
	require.JSONEq(t, `{"t":2}`, string(t2[0].Data))
}
