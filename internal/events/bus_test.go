// SPDX-License-Identifier: MIT

package events

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/forgeops/forged/internal/storage"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBus(db)
}

func TestBusPublishAndReplayOrder(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	types := []string{TypeRunStarted, TypeStepStarted, TypeStepSucceeded, TypeRunSucceeded}
	for _, typ := range types {
		require.NoError(t, bus.Publish(ctx, "run-1", typ, map[string]any{"step_id": "noop"}))
	}
	require.NoError(t, bus.Publish(ctx, "run-2", TypeRunStarted, nil))

	got, err := bus.Replay(ctx, "run-1", 50)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, ev := range got {
		assert.Equal(t, types[i], ev.Type)
		assert.Equal(t, "run-1", ev.RunID)
		assert.NotEmpty(t, ev.TS)
	}
	// Ids strictly increase within a run's replay.
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].ID, got[i-1].ID)
	}
}

func TestBusPage(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(ctx, "run-1", TypeStepStarted, nil))
	}

	first, cursor, err := bus.Page(ctx, "run-1", nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NotNil(t, cursor)

	seen := map[int64]bool{first[0].ID: true, first[1].ID: true}
	for cursor != nil {
		var page []Event
		page, cursor, err = bus.Page(ctx, "run-1", cursor, 2)
		require.NoError(t, err)
		for _, ev := range page {
			assert.False(t, seen[ev.ID], "event %d returned twice", ev.ID)
			seen[ev.ID] = true
		}
	}
	assert.Len(t, seen, 5)
}

func TestBusCountAll(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	n, err := bus.CountAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	require.NoError(t, bus.Publish(ctx, "run-1", TypeRunStarted, nil))
	require.NoError(t, bus.Publish(ctx, "run-2", TypeRunStarted, nil))

	n, err = bus.CountAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestBusSubscribeDelivery(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	bus := newTestBus(t)
	ctx := context.Background()

	ch, cancel := bus.Subscribe("run-1")
	defer cancel()

	require.NoError(t, bus.Publish(ctx, "run-1", TypeRunStarted, map[string]any{"env": "staging"}))
	require.NoError(t, bus.Publish(ctx, "run-2", TypeRunStarted, nil))

	select {
	case ev := <-ch:
		assert.Equal(t, TypeRunStarted, ev.Type)
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, "staging", ev.Payload["env"])
	default:
		t.Fatal("expected a live event for run-1")
	}

	// Nothing from other runs leaks in.
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for run %s", ev.RunID)
	default:
	}
}

func TestBusSlowSubscriberNeverBlocksPublish(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	_, cancel := bus.Subscribe("run-1")
	defer cancel()

	// Overfill the subscriber queue; publishes must all succeed.
	for i := 0; i < subscriberQueueSize+10; i++ {
		require.NoError(t, bus.Publish(ctx, "run-1", TypeStepStarted, nil))
	}

	got, err := bus.Replay(ctx, "run-1", 1000)
	require.NoError(t, err)
	assert.Len(t, got, subscriberQueueSize+10)
}

func TestBusCancelIsIdempotent(t *testing.T) {
	bus := newTestBus(t)

	_, cancel := bus.Subscribe("run-1")
	cancel()
	cancel()
}
