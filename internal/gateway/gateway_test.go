package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/internal/podbalance"
)

func TestForwardIfNeededNoOpWhenNoPodsKnown(t *testing.T) {
	pb := podbalance.New()
	gw := New("pod-self", pb, zerolog.Nop())

	r := httptest.NewRequest("GET", "/ws/alice", nil)
	w := httptest.NewRecorder()

	require.False(t, gw.ForwardIfNeeded(w, r))
}

func TestForwardIfNeededNoOpWhenSelfSelected(t *testing.T) {
	pb := podbalance.New()
	pb.Update(podbalance.PodMetrics{PodID: "pod-self", Addr: "10.0.0.1:9001", ActiveConnections: 0})
	gw := New("pod-self", pb, zerolog.Nop())

	r := httptest.NewRequest("GET", "/ws/alice", nil)
	w := httptest.NewRecorder()

	require.False(t, gw.ForwardIfNeeded(w, r))
}

func TestForwardIfNeededNoOpWhenPeerAddrUnknown(t *testing.T) {
	pb := podbalance.New()
	// Only a peer is known, but it has never gossiped an address.
	pb.Update(podbalance.PodMetrics{PodID: "pod-peer", ActiveConnections: 0})
	gw := New("pod-self", pb, zerolog.Nop())

	r := httptest.NewRequest("GET", "/ws/alice", nil)
	w := httptest.NewRecorder()

	require.False(t, gw.ForwardIfNeeded(w, r))
}

func TestProxyForCachesHandlerPerPod(t *testing.T) {
	pb := podbalance.New()
	gw := New("pod-self", pb, zerolog.Nop())

	first, err := gw.proxyFor("pod-peer", "10.0.0.2:9001")
	require.NoError(t, err)

	second, err := gw.proxyFor("pod-peer", "10.0.0.2:9001")
	require.NoError(t, err)

	require.Same(t, first, second)
}

func TestForwardIfNeededForwardsWhenPeerKnownAndAddressed(t *testing.T) {
	pb := podbalance.New()
	// pod-self is deliberately absent from the balancer's pod set, so
	// the single known pod (the peer) is always selected.
	pb.Update(podbalance.PodMetrics{PodID: "pod-peer", Addr: "127.0.0.1:1", ActiveConnections: 0})
	gw := New("pod-self", pb, zerolog.Nop())

	r := httptest.NewRequest("GET", "/ws/alice", nil)
	w := httptest.NewRecorder()

	// The proxy will attempt (and fail) to dial 127.0.0.1:1, but
	// ForwardIfNeeded's own contract is "did it decide to forward",
	// which is true regardless of the downstream dial outcome.
	require.True(t, gw.ForwardIfNeeded(w, r))
}
