package journal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/voxel-relay/internal/config"
	"github.com/cory-johannsen/voxel-relay/internal/relay/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return s.err
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func testConfig(queue int) config.JournalConfig {
	return config.JournalConfig{QueueSize: queue, WriteTimeout: time.Second}
}

func runJournal(t *testing.T, j *Journal) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- j.Run(context.Background()) }()
	return done
}

func TestJournalDeliversInOrderAndStampsInstance(t *testing.T) {
	sink := &recordingSink{}
	j := New(testConfig(16), "inst-1", zaptest.NewLogger(t), sink)

	j.Record(Event{Kind: KindJoined, SessionID: "a"})
	j.Record(Event{Kind: KindMoved, SessionID: "a", Position: &protocol.Vec3{X: 1}})
	j.Record(Event{Kind: KindLeft, SessionID: "a"})

	done := runJournal(t, j)
	j.Stop()
	require.NoError(t, <-done)

	events := sink.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, []Kind{KindJoined, KindMoved, KindLeft}, []Kind{events[0].Kind, events[1].Kind, events[2].Kind})
	for _, evt := range events {
		assert.Equal(t, "inst-1", evt.Instance)
	}
}

func TestJournalDropsWhenQueueFull(t *testing.T) {
	sink := &recordingSink{}
	j := New(testConfig(2), "inst-1", zaptest.NewLogger(t), sink)

	for i := 0; i < 5; i++ {
		j.Record(Event{Kind: KindMoved, SessionID: "a"})
	}
	assert.Equal(t, uint64(3), j.Dropped())

	done := runJournal(t, j)
	j.Stop()
	require.NoError(t, <-done)
	assert.Len(t, sink.snapshot(), 2)
}

func TestJournalWithoutSinksIsNoop(t *testing.T) {
	j := New(testConfig(1), "inst-1", zaptest.NewLogger(t))
	for i := 0; i < 10; i++ {
		j.Record(Event{Kind: KindJoined})
	}
	assert.Zero(t, j.Dropped())
}

func TestJournalSinkErrorDoesNotStopDelivery(t *testing.T) {
	failing := &recordingSink{err: errors.New("boom")}
	healthy := &recordingSink{}
	j := New(testConfig(8), "inst-1", zaptest.NewLogger(t), failing, healthy)

	j.Record(Event{Kind: KindJoined, SessionID: "a"})
	j.Record(Event{Kind: KindLeft, SessionID: "a"})

	done := runJournal(t, j)
	j.Stop()
	require.NoError(t, <-done)

	assert.Len(t, failing.snapshot(), 2)
	assert.Len(t, healthy.snapshot(), 2)
}

func TestJournalStopsOnContextCancel(t *testing.T) {
	j := New(testConfig(8), "inst-1", zaptest.NewLogger(t), &recordingSink{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("journal did not stop on cancel")
	}
	j.Stop()
	j.Stop()
}

type fakePublisher struct {
	channel string
	message interface{}
	err     error
}

func (p *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	p.channel = channel
	p.message = message
	return redis.NewIntResult(1, p.err)
}

func TestRedisSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewRedisSink(pub, "relay.events")

	evt := Event{
		Kind:      KindBlockUpdate,
		Instance:  "inst-1",
		SessionID: "a",
		Payload:   json.RawMessage(`{"type":"blockUpdate","position":{"x":1,"y":2,"z":3},"blockType":"STONE","action":"place"}`),
		At:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, sink.Write(context.Background(), evt))
	assert.Equal(t, "relay.events", pub.channel)

	data, ok := pub.message.([]byte)
	require.True(t, ok)
	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, KindBlockUpdate, decoded.Kind)
	assert.Equal(t, "a", decoded.SessionID)
	assert.JSONEq(t, string(evt.Payload), string(decoded.Payload))
	assert.True(t, evt.At.Equal(decoded.At))
}

func TestRedisSinkPublishError(t *testing.T) {
	sink := NewRedisSink(&fakePublisher{err: errors.New("connection refused")}, "relay.events")
	err := sink.Write(context.Background(), Event{Kind: KindJoined})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay.events")
	assert.Equal(t, "redis", sink.Name())
}
