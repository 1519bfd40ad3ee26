package manager

import (
	"context"
	"testing"
	"time"

	"livefabric/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testManager(cfg Config) *Manager {
	return New(nil, cfg, nil, zap.NewNop().Sugar())
}

func TestStreamCreateDeleteRoundTrip(t *testing.T) {
	m := testManager(Config{})
	defer m.Close()

	// create; delete; create succeeds each time.
	require.NoError(t, m.StreamCreate("demo"))
	require.NoError(t, m.StreamDelete("demo"))
	require.NoError(t, m.StreamCreate("demo"))

	assert.ErrorIs(t, m.StreamCreate("demo"), domain.ErrStreamAlreadyExists)
	assert.ErrorIs(t, m.StreamDelete("missing"), domain.ErrStreamNotFound)
}

func TestInfoSnapshots(t *testing.T) {
	m := testManager(Config{})
	defer m.Close()

	require.NoError(t, m.StreamCreate("b"))
	require.NoError(t, m.StreamCreate("a"))

	all := m.Info(nil)
	require.Len(t, all, 2)
	assert.Equal(t, domain.StreamID("a"), all[0].ID)
	assert.Equal(t, domain.StreamID("b"), all[1].ID)
	// No publisher yet: both leave clocks are running.
	assert.NotZero(t, all[0].PublishLeaveTime)
	assert.NotZero(t, all[0].SubscribeLeaveTime)

	some := m.Info([]domain.StreamID{"a", "missing"})
	require.Len(t, some, 1)
	assert.Equal(t, domain.StreamID("a"), some[0].ID)
}

func TestEventEmissionOnLifecycle(t *testing.T) {
	m := testManager(Config{})
	defer m.Close()

	events, cancel := m.SubscribeEvents(nil)
	defer cancel()

	require.NoError(t, m.StreamCreate("demo"))
	require.NoError(t, m.StreamDelete("demo"))

	waitEvent := func(want domain.EventType) {
		t.Helper()
		select {
		case e := <-events:
			assert.Equal(t, want, e.Type)
			assert.Equal(t, domain.StreamID("demo"), e.StreamID)
		case <-time.After(time.Second):
			t.Fatalf("no %s event", want)
		}
	}
	waitEvent(domain.EventStreamUp)
	waitEvent(domain.EventStreamDown)
}

func TestEventFilterByStream(t *testing.T) {
	m := testManager(Config{})
	defer m.Close()

	events, cancel := m.SubscribeEvents([]domain.StreamID{"a"})
	defer cancel()

	require.NoError(t, m.StreamCreate("b"))
	require.NoError(t, m.StreamCreate("a"))

	select {
	case e := <-events:
		assert.Equal(t, domain.StreamID("a"), e.StreamID)
	case <-time.After(time.Second):
		t.Fatal("no event for filtered stream")
	}
	select {
	case e := <-events:
		t.Fatalf("unexpected event %v for stream %s", e.Type, e.StreamID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusCancelIsRaceFree(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	events, cancel := bus.Subscribe(nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			bus.Publish(domain.Event{Type: domain.EventStreamUp, StreamID: "x"})
		}
	}()
	// Cancel mid-publish; must not panic or deadlock.
	time.Sleep(time.Millisecond)
	cancel()
	cancel() // idempotent
	<-done

	// The channel is closed after cancel.
	for range events {
	}
}

func TestReaperDestroysIdleStreams(t *testing.T) {
	m := testManager(Config{
		IdlePolicy: domain.IdlePolicy{
			PublishLeaveTimeout:   20 * time.Millisecond,
			SubscribeLeaveTimeout: 20 * time.Millisecond,
		},
	})
	defer m.Close()

	require.NoError(t, m.StreamCreate("idle"))
	time.Sleep(30 * time.Millisecond)
	m.reapIdle()

	assert.Empty(t, m.Info(nil))
}

func TestReaperSparesPreRegisteredWithAutoCreate(t *testing.T) {
	m := testManager(Config{
		AutoCreateWhip: true,
		IdlePolicy: domain.IdlePolicy{
			PublishLeaveTimeout:   20 * time.Millisecond,
			SubscribeLeaveTimeout: 20 * time.Millisecond,
		},
	})
	defer m.Close()

	require.NoError(t, m.StreamCreate("pinned"))
	time.Sleep(30 * time.Millisecond)
	m.reapIdle()

	require.Len(t, m.Info(nil), 1)
}

func TestSessionOpsOnMissingStream(t *testing.T) {
	m := testManager(Config{})
	defer m.Close()

	assert.ErrorIs(t, m.SelectLayer("x", "s", "q"), domain.ErrStreamNotFound)
	assert.ErrorIs(t, m.AddICECandidate("x", "s", ""), domain.ErrStreamNotFound)
	assert.ErrorIs(t, m.RemoveSession("x", "s"), domain.ErrStreamNotFound)

	_, err := m.Layers("x")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func TestSubscribeWithoutPublisherOrCascade(t *testing.T) {
	m := testManager(Config{})
	defer m.Close()

	_, _, err := m.Subscribe(context.Background(), "demo", "offer")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	require.NoError(t, m.StreamCreate("demo"))
	_, _, err = m.Subscribe(context.Background(), "demo", "offer")
	assert.ErrorIs(t, err, domain.ErrNoPublisher)
}
