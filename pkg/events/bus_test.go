package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/maestro/pkg/config"
)

func newLocalBus(t *testing.T) *Bus {
	t.Helper()
	timing := config.DefaultTiming()
	timing.HeartbeatInterval = time.Hour
	b := NewBus(nil, timing)
	t.Cleanup(b.Close)
	return b
}

// drain reads every event currently buffered on the subscription.
func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishRequiresTenant(t *testing.T) {
	b := newLocalBus(t)
	err := b.Publish(context.Background(), Event{Type: TypeQueued})
	assert.Error(t, err)
}

func TestSubscribeStartsWithConnected(t *testing.T) {
	b := newLocalBus(t)
	sub, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	defer sub.Close()

	evs := drain(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, TypeConnected, evs[0].Type)
	assert.Zero(t, evs[0].ID)
}

func TestPublishAssignsMonotonicIDs(t *testing.T) {
	b := newLocalBus(t)
	sub, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	defer sub.Close()
	drain(sub)

	for _, typ := range []string{TypeQueued, TypeRunning, TypeCompleted} {
		require.NoError(t, b.Publish(context.Background(), Event{TenantID: "t1", Type: typ}))
	}

	evs := drain(sub)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(1), evs[0].ID)
	assert.Equal(t, uint64(2), evs[1].ID)
	assert.Equal(t, uint64(3), evs[2].ID)
	assert.Equal(t, TypeQueued, evs[0].Type)
	assert.Equal(t, TypeCompleted, evs[2].Type)
}

func TestResumeReplaysMissedEvents(t *testing.T) {
	b := newLocalBus(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(context.Background(), Event{TenantID: "t1", Type: TypeRunning}))
	}

	sub, err := b.Subscribe(context.Background(), "t1", 2)
	require.NoError(t, err)
	defer sub.Close()

	evs := drain(sub)
	require.Len(t, evs, 3)
	assert.Equal(t, TypeConnected, evs[0].Type)
	assert.Equal(t, uint64(3), evs[1].ID)
	assert.Equal(t, uint64(4), evs[2].ID)
}

func TestReplaySkipsEventsPastRetention(t *testing.T) {
	b := newLocalBus(t)
	base := time.Now()
	b.now = func() time.Time { return base }

	require.NoError(t, b.Publish(context.Background(), Event{TenantID: "t1", Type: TypeQueued}))
	require.NoError(t, b.Publish(context.Background(), Event{TenantID: "t1", Type: TypeRunning}))

	// The stream keeps being written, but events older than the retention
	// window must no longer be replayable.
	b.now = func() time.Time { return base.Add(b.timing.EventTTL + time.Minute) }
	require.NoError(t, b.Publish(context.Background(), Event{TenantID: "t1", Type: TypeCompleted}))

	sub, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	defer sub.Close()

	evs := drain(sub)
	require.Len(t, evs, 2)
	assert.Equal(t, TypeConnected, evs[0].Type)
	assert.Equal(t, uint64(3), evs[1].ID)
	assert.Equal(t, TypeCompleted, evs[1].Type)
}

func TestReplayThenLiveStaysOrdered(t *testing.T) {
	b := newLocalBus(t)
	require.NoError(t, b.Publish(context.Background(), Event{TenantID: "t1", Type: TypeQueued}))

	sub, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(context.Background(), Event{TenantID: "t1", Type: TypeCompleted}))

	evs := drain(sub)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(1), evs[1].ID)
	assert.Equal(t, uint64(2), evs[2].ID)
}

func TestDuplicateDeliveryIsSuppressed(t *testing.T) {
	b := newLocalBus(t)
	sub, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	defer sub.Close()
	drain(sub)

	require.NoError(t, b.Publish(context.Background(), Event{TenantID: "t1", Type: TypeRunning}))
	// Re-delivering the same persisted ID must be a no-op.
	sub.deliver(Event{ID: 1, TenantID: "t1", Type: TypeRunning})

	evs := drain(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(1), evs[0].ID)
}

func TestTenantIsolation(t *testing.T) {
	b := newLocalBus(t)
	subA, err := b.Subscribe(context.Background(), "tenant-a", 0)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := b.Subscribe(context.Background(), "tenant-b", 0)
	require.NoError(t, err)
	defer subB.Close()
	drain(subA)
	drain(subB)

	require.NoError(t, b.Publish(context.Background(), Event{TenantID: "tenant-a", Type: TypeQueued}))

	assert.Len(t, drain(subA), 1)
	assert.Empty(t, drain(subB))
}

func TestSubscriptionCloseLeavesOthersAlive(t *testing.T) {
	b := newLocalBus(t)
	sub1, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	sub2, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	defer sub2.Close()
	drain(sub1)
	drain(sub2)

	sub1.Close()
	require.NoError(t, b.Publish(context.Background(), Event{TenantID: "t1", Type: TypeRunning}))

	assert.Len(t, drain(sub2), 1)
	_, open := <-sub1.C
	assert.False(t, open)
}

func TestBusCloseBroadcastsShutdown(t *testing.T) {
	timing := config.DefaultTiming()
	timing.HeartbeatInterval = time.Hour
	b := NewBus(nil, timing)

	sub, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	drain(sub)

	b.Close()

	var last Event
	for ev := range sub.C {
		last = ev
	}
	assert.Equal(t, TypeShutdown, last.Type)

	_, err = b.Subscribe(context.Background(), "t1", 0)
	assert.Error(t, err)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := newLocalBus(t)
	sub, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	defer sub.Close()

	// Never drained: once the buffer fills, publishes must not block.
	for i := 0; i < subscriberBuffer*2; i++ {
		require.NoError(t, b.Publish(context.Background(), Event{TenantID: "t1", Type: TypeRunning}))
	}
	assert.Greater(t, sub.Dropped(), 0)
}

func TestRingReplayIsBounded(t *testing.T) {
	b := newLocalBus(t)
	for i := 0; i < localRingSize+10; i++ {
		require.NoError(t, b.Publish(context.Background(), Event{TenantID: "t1", Type: TypeRunning}))
	}

	sub, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	defer sub.Close()

	evs := drain(sub)
	// connected + at most one full buffer of replayed events.
	require.NotEmpty(t, evs)
	assert.Equal(t, TypeConnected, evs[0].Type)
	first := evs[1]
	assert.Greater(t, first.ID, uint64(10))
}

func TestTerminal(t *testing.T) {
	assert.True(t, Event{Type: TypeCompleted}.Terminal())
	assert.True(t, Event{Type: TypeFailed}.Terminal())
	assert.True(t, Event{Type: TypeCancelled}.Terminal())
	assert.False(t, Event{Type: TypeRunning}.Terminal())
	assert.False(t, Event{Type: TypeHeartbeat}.Terminal())
}
