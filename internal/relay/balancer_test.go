package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBalancer(maxPerShard int, shardIDs ...uint32) *Balancer {
	b := NewBalancer(maxPerShard)
	for _, id := range shardIDs {
		b.AddShard(id)
	}
	return b
}

func TestGetShardForUserPrefersHighestScoringShard(t *testing.T) {
	b := newTestBalancer(100, 1, 2, 3)
	b.UpdateMetrics(1, 90, 500, 50)  // heavily loaded
	b.UpdateMetrics(2, 10, 10, 5)    // lightly loaded, best score
	b.UpdateMetrics(3, 50, 200, 20)

	id, ok := b.GetShardForUser("alice")
	require.True(t, ok)
	require.Equal(t, uint32(2), id)
}

func TestGetShardForUserIsSticky(t *testing.T) {
	b := newTestBalancer(100, 1, 2)
	b.UpdateMetrics(1, 5, 0, 0)
	b.UpdateMetrics(2, 90, 0, 0)

	first, ok := b.GetShardForUser("alice")
	require.True(t, ok)

	// Now make shard 1 the visibly worse choice; alice should stay put
	// as long as her pinned shard is still under capacity.
	b.UpdateMetrics(1, 95, 0, 0)
	b.UpdateMetrics(2, 1, 0, 0)

	second, ok := b.GetShardForUser("alice")
	require.True(t, ok)
	require.Equal(t, first, second)
}

func TestGetShardForUserReassignsWhenPinnedShardSaturates(t *testing.T) {
	b := newTestBalancer(10, 1, 2)
	b.UpdateMetrics(1, 2, 0, 0)
	b.UpdateMetrics(2, 8, 0, 0)

	first, ok := b.GetShardForUser("alice")
	require.True(t, ok)
	require.Equal(t, uint32(1), first)

	b.UpdateMetrics(1, 10, 0, 0) // pinned shard now at capacity

	second, ok := b.GetShardForUser("alice")
	require.True(t, ok)
	require.Equal(t, uint32(2), second)
}

func TestGetShardForUserSaturationWhenAllShardsFull(t *testing.T) {
	b := newTestBalancer(5, 1, 2)
	b.UpdateMetrics(1, 5, 0, 0)
	b.UpdateMetrics(2, 5, 0, 0)

	_, ok := b.GetShardForUser("alice")
	require.False(t, ok)
}

func TestSelectOptimalTieBreaksOnLowestShardID(t *testing.T) {
	b := newTestBalancer(100, 5, 2, 9)
	// identical metrics on every shard: tie broken by lowest id
	b.UpdateMetrics(5, 0, 0, 0)
	b.UpdateMetrics(2, 0, 0, 0)
	b.UpdateMetrics(9, 0, 0, 0)

	id, ok := b.SelectOptimal()
	require.True(t, ok)
	require.Equal(t, uint32(2), id)
}

func TestRemoveUserClearsStickyMapping(t *testing.T) {
	b := newTestBalancer(100, 1, 2)
	b.UpdateMetrics(1, 0, 0, 0)
	b.UpdateMetrics(2, 50, 0, 0)

	first, _ := b.GetShardForUser("alice")
	b.RemoveUser("alice")

	b.UpdateMetrics(1, 60, 0, 0) // now shard 2 scores best
	b.UpdateMetrics(2, 0, 0, 0)

	second, ok := b.GetShardForUser("alice")
	require.True(t, ok)
	require.NotEqual(t, first, second)
}

func TestRebalanceAdviceRequiresDivergenceAboveThreshold(t *testing.T) {
	b := newTestBalancer(30, 1, 2)
	b.UpdateMetrics(1, 12, 0, 0)
	b.UpdateMetrics(2, 10, 0, 0)

	require.Empty(t, b.RebalanceAdvice()) // within max/3 == 10 threshold
}

func TestRebalanceAdviceProposesMovesFromHighToLowShard(t *testing.T) {
	b := newTestBalancer(30, 1, 2)
	b.UpdateMetrics(1, 30, 0, 0)
	b.UpdateMetrics(2, 0, 0, 0)

	b.GetShardForUser("alice") // pin alice somewhere deterministic first
	b.RemoveUser("alice")
	b.userMapping["alice"] = 1
	b.userMapping["bob"] = 1
	b.userMapping["carol"] = 2

	moves := b.RebalanceAdvice()
	require.NotEmpty(t, moves)
	for _, mv := range moves {
		require.Equal(t, uint32(1), mv.FromShard)
		require.Equal(t, uint32(2), mv.ToShard)
	}
}

func TestRebalanceAdviceNoOpWithFewerThanTwoShards(t *testing.T) {
	b := newTestBalancer(30, 1)
	require.Empty(t, b.RebalanceAdvice())
}
