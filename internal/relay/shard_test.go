package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/internal/busproto"
)

// fakeBus is a minimal shardBus double: every call succeeds and
// Subscribe hands back a per-channel-name chan the test can push
// envelopes into directly, so ingress can be exercised through the
// shard's real subscribeAll/pumpIngress path rather than by poking
// unexported methods from another goroutine.
type fakeBus struct {
	mu        sync.Mutex
	published []busproto.Envelope
	channels  map[string]chan busproto.Envelope
	healthy   bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{healthy: true, channels: make(map[string]chan busproto.Envelope)}
}

func (f *fakeBus) Publish(ctx context.Context, channel string, env busproto.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, env)
	return nil
}

func (f *fakeBus) PublishWithFallback(ctx context.Context, primary, secondary string, env busproto.Envelope) error {
	return f.Publish(ctx, primary, env)
}

func (f *fakeBus) Subscribe(ctx context.Context, channel string) <-chan busproto.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channel]
	if !ok {
		ch = make(chan busproto.Envelope, 16)
		f.channels[channel] = ch
	}
	return ch
}

// push delivers env as though it arrived over channel, for tests that
// exercise ingress handling.
func (f *fakeBus) push(channel string, env busproto.Envelope) {
	f.mu.Lock()
	ch, ok := f.channels[channel]
	if !ok {
		ch = make(chan busproto.Envelope, 16)
		f.channels[channel] = ch
	}
	f.mu.Unlock()
	ch <- env
}

func (f *fakeBus) SetUserLocation(ctx context.Context, username, podID string, shardID uint32, ttl time.Duration) error {
	return nil
}

func (f *fakeBus) RemoveUserLocation(ctx context.Context, username string) error { return nil }

func (f *fakeBus) HealthCheck(ctx context.Context) bool { return f.healthy }

// fakeSession records every event delivered to it.
type fakeSession struct {
	mu     sync.Mutex
	events []OutboundEvent
}

func (f *fakeSession) Deliver(ev OutboundEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeSession) received() []OutboundEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OutboundEvent, len(f.events))
	copy(out, f.events)
	return out
}

func newTestShard(t *testing.T) (*Shard, *fakeBus) {
	t.Helper()
	fb := newFakeBus()
	s := NewShard(1, "pod-test", fb, ShardConfig{
		PumpInterval:  time.Hour, // disable the automatic pump tick: these tests only exercise local register/unregister/message commands
		PumpBatchSize: 10,
	}, zerolog.Nop(), nil)
	s.Start()
	t.Cleanup(s.Stop)
	return s, fb
}

func newTestShardWithIngress(t *testing.T) (*Shard, *fakeBus) {
	t.Helper()
	fb := newFakeBus()
	s := NewShard(1, "pod-test", fb, ShardConfig{
		PumpInterval:  5 * time.Millisecond,
		PumpBatchSize: 10,
	}, zerolog.Nop(), nil)
	s.Start()
	t.Cleanup(s.Stop)
	return s, fb
}

func TestRegisterIsNoOpIfUsernameAlreadyPresent(t *testing.T) {
	s, _ := newTestShard(t)

	first := &fakeSession{}
	second := &fakeSession{}

	s.Register("alice", first)
	time.Sleep(20 * time.Millisecond)
	s.Register("alice", second) // should be ignored: alice already present
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, 1, s.Snapshot().ActiveConnections)
}

func TestJoinEventNotifiesExistingConnectionsOnly(t *testing.T) {
	s, _ := newTestShard(t)

	alice := &fakeSession{}
	s.Register("alice", alice)
	time.Sleep(20 * time.Millisecond)

	bob := &fakeSession{}
	s.Register("bob", bob)
	time.Sleep(20 * time.Millisecond)

	events := alice.received()
	require.Len(t, events, 1)
	require.Equal(t, OutboundJoinEvent, events[0].Kind)
	require.Equal(t, "bob", events[0].Username)

	// bob joined after alice, so bob should not receive a join event for himself
	require.Empty(t, bob.received())
}

func TestUserMessageExcludesSender(t *testing.T) {
	s, _ := newTestShard(t)

	alice := &fakeSession{}
	bob := &fakeSession{}
	s.Register("alice", alice)
	time.Sleep(10 * time.Millisecond)
	s.Register("bob", bob)
	time.Sleep(10 * time.Millisecond)

	s.UserMessage("alice", "hi bob")
	time.Sleep(20 * time.Millisecond)

	bobEvents := bob.received()
	require.NotEmpty(t, bobEvents)
	found := false
	for _, ev := range bobEvents {
		if ev.Kind == OutboundUserMessage && ev.Username == "alice" && ev.Content == "hi bob" {
			found = true
		}
	}
	require.True(t, found)

	for _, ev := range alice.received() {
		require.NotEqual(t, OutboundUserMessage, ev.Kind)
	}
}

func TestUnregisterNotifiesRemainingConnections(t *testing.T) {
	s, _ := newTestShard(t)

	alice := &fakeSession{}
	bob := &fakeSession{}
	s.Register("alice", alice)
	time.Sleep(10 * time.Millisecond)
	s.Register("bob", bob)
	time.Sleep(10 * time.Millisecond)

	s.Unregister("alice")
	time.Sleep(20 * time.Millisecond)

	found := false
	for _, ev := range bob.received() {
		if ev.Kind == OutboundUnRegisterConnection && ev.Username == "alice" {
			found = true
		}
	}
	require.True(t, found)
}

func TestIngressUserMessageExcludesOriginalSenderByUsername(t *testing.T) {
	s, fb := newTestShardWithIngress(t)

	alice := &fakeSession{}
	bob := &fakeSession{}
	s.Register("alice", alice)
	time.Sleep(10 * time.Millisecond)
	s.Register("bob", bob)
	time.Sleep(10 * time.Millisecond)

	env, err := busproto.NewUserMessage("pod-other", 1, time.Now().Unix(), "alice", "from another pod")
	require.NoError(t, err)
	fb.push("relay_messages_1", env)

	require.Eventually(t, func() bool {
		for _, ev := range bob.received() {
			if ev.Content == "from another pod" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	for _, ev := range alice.received() {
		require.NotEqual(t, "from another pod", ev.Content)
	}
}
