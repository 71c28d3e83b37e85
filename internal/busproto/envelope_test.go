package busproto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUserMessageRoundTrip(t *testing.T) {
	env, err := NewUserMessage("pod-a", 3, 1000, "alice", "hello")
	require.NoError(t, err)
	require.Equal(t, TypeUserMessage, env.Type)
	require.Equal(t, "pod-a", env.FromPodID)
	require.Equal(t, uint32(3), env.FromRelayID)

	data, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := Unmarshal(data)
	require.NoError(t, err)

	payload, err := parsed.UserMessage()
	require.NoError(t, err)
	require.Equal(t, "alice", payload.Username)
	require.Equal(t, "hello", payload.Content)
}

func TestJoinEventRoundTrip(t *testing.T) {
	env, err := NewJoinEvent("pod-a", 1, 1000, "bob")
	require.NoError(t, err)

	data, err := env.Marshal()
	require.NoError(t, err)
	parsed, err := Unmarshal(data)
	require.NoError(t, err)

	payload, err := parsed.JoinEvent()
	require.NoError(t, err)
	require.Equal(t, "bob", payload.Username)
}

func TestRelayHeartbeatRoundTrip(t *testing.T) {
	env, err := NewRelayHeartbeat("pod-a", 2, 1000, 42)
	require.NoError(t, err)

	payload, err := env.RelayHeartbeat()
	require.NoError(t, err)
	require.Equal(t, uint32(2), payload.RelayID)
	require.Equal(t, 42, payload.ActiveConnections)
}

func TestPodMetricsRoundTrip(t *testing.T) {
	env, err := NewPodMetrics("pod-a", 1000, PodMetricsPayload{
		PodID: "pod-a", Addr: "10.0.0.1:9002", ActiveConnections: 5,
	})
	require.NoError(t, err)

	data, err := env.Marshal()
	require.NoError(t, err)
	parsed, err := Unmarshal(data)
	require.NoError(t, err)

	payload, err := parsed.PodMetrics()
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:9002", payload.Addr)
	require.Equal(t, 5, payload.ActiveConnections)
}

func TestUnmarshalGarbageReturnsSerializationError(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSerialization))
}

func TestWrongPayloadAccessorDecodesSharedFields(t *testing.T) {
	env, err := NewJoinEvent("pod-a", 1, 1000, "bob")
	require.NoError(t, err)

	// JoinEventPayload only has "username", which also unmarshals cleanly
	// into UserMessagePayload (Content left zero-valued); the real
	// cross-type failure mode is malformed JSON, covered above.
	payload, err := env.UserMessage()
	require.NoError(t, err)
	require.Equal(t, "bob", payload.Username)
	require.Equal(t, "", payload.Content)
}
