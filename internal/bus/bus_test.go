package bus

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newUnconnectedEndpoints builds n *redis.Client handles that are never
// dialed; endpointFor only ever needs their count and identity, not an
// actual connection, so construction-time PING is irrelevant here.
func newUnconnectedEndpoints(n int) []*redis.Client {
	out := make([]*redis.Client, n)
	for i := range out {
		out[i] = redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	}
	return out
}

func TestEndpointForSingleEndpointAlwaysReturnsIt(t *testing.T) {
	ep := newUnconnectedEndpoints(1)
	c := &Client{clusterMode: false, endpoints: ep}

	require.Same(t, ep[0], c.endpointFor("relay_messages_1"))
	require.Same(t, ep[0], c.endpointFor("relay_messages_2"))
}

func TestEndpointForIsStableForTheSameChannel(t *testing.T) {
	ep := newUnconnectedEndpoints(4)
	c := &Client{clusterMode: true, endpoints: ep}

	first := c.endpointFor("relay_messages_7")
	for i := 0; i < 20; i++ {
		require.Same(t, first, c.endpointFor("relay_messages_7"))
	}
}

func TestEndpointForDistributesAcrossEndpoints(t *testing.T) {
	ep := newUnconnectedEndpoints(4)
	c := &Client{clusterMode: true, endpoints: ep}

	seen := map[*redis.Client]bool{}
	for i := 0; i < 200; i++ {
		ch := "relay_messages_" + string(rune('a'+i%26)) + string(rune('0'+i%10))
		seen[c.endpointFor(ch)] = true
	}
	require.Greater(t, len(seen), 1)
}

func TestClusterModeAndEndpointsReflectConstruction(t *testing.T) {
	ep := newUnconnectedEndpoints(2)
	c := &Client{clusterMode: true, endpoints: ep, addrs: []string{"a:1", "b:2"}}

	require.True(t, c.ClusterMode())
	require.Equal(t, []string{"a:1", "b:2"}, c.Endpoints())
}

func TestUserLocationKeyIsNamespaced(t *testing.T) {
	require.Equal(t, "user_location:alice", userLocationKey("alice"))
}
