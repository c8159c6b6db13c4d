package events

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulefleet/rulefleet/pkg/core"
	"github.com/rulefleet/rulefleet/pkg/store"
)

func runBus(t *testing.T) *Bus {
	t.Helper()
	srv, err := server.NewServer(&server.Options{Port: -1})
	require.NoError(t, err)
	go srv.Start()
	t.Cleanup(srv.Shutdown)
	require.True(t, srv.ReadyForConnections(5*time.Second))

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return NewBus(conn)
}

func TestPublishSubscribeTransitions(t *testing.T) {
	ctx := context.Background()
	bus := runBus(t)

	received := make(chan core.TransitionEvent, 1)
	sub, err := bus.SubscribeTransitions(func(e core.TransitionEvent) {
		received <- e
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	event := core.TransitionEvent{
		ParentType: core.ParentTypeActivation,
		ParentID:   7,
		OldStatus:  core.StatusStarting,
		NewStatus:  core.StatusRunning,
		Message:    "container is up",
	}
	require.NoError(t, bus.PublishTransition(ctx, event))

	select {
	case got := <-received:
		assert.Equal(t, event.ParentID, got.ParentID)
		assert.Equal(t, core.StatusRunning, got.NewStatus)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("transition event never arrived")
	}
}

func TestHeartbeatTouchesInstance(t *testing.T) {
	ctx := context.Background()
	bus := runBus(t)

	s := store.NewMemoryStore()
	p := &core.ProcessParent{Type: core.ParentTypeActivation, Name: "hb"}
	require.NoError(t, s.CreateParent(ctx, p))
	inst := &core.ProcessInstance{ParentType: p.Type, ParentID: p.ID, Status: core.StatusRunning}
	require.NoError(t, s.CreateInstance(ctx, inst))

	sub, err := bus.SubscribeHeartbeats(ctx, s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	beat := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, bus.PublishHeartbeat(ctx, core.HeartbeatReport{
		InstanceID: inst.ID,
		Timestamp:  beat,
		Stats:      map[string]int64{"rules_fired": 3},
	}))

	require.Eventually(t, func() bool {
		got, err := s.GetInstance(ctx, inst.ID)
		return err == nil && got.UpdatedAt.Equal(beat)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMalformedHeartbeatIgnored(t *testing.T) {
	ctx := context.Background()
	bus := runBus(t)

	s := store.NewMemoryStore()
	sub, err := bus.SubscribeHeartbeats(ctx, s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	require.NoError(t, bus.conn.Publish("rulefleet.heartbeats", []byte("not json")))
	require.NoError(t, bus.conn.Flush())
	// Nothing to assert beyond the subscriber not panicking.
	time.Sleep(50 * time.Millisecond)
}
