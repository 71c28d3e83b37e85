package relay

import (
	"sort"
	"sync"
	"time"
)

// RebalanceMove is one advisory (username, from_shard, to_shard) entry
// from rebalance_advice. The balancer never performs the move itself.
type RebalanceMove struct {
	Username   string
	FromShard  uint32
	ToShard    uint32
}

// Balancer holds per-shard metrics and the sticky username→shard
// mapping, guarded by a sync.RWMutex. Snapshot, SelectOptimal and
// RebalanceAdvice take the read lock; AddShard, UpdateMetrics,
// RemoveUser and GetShardForUser (which may update the sticky mapping)
// take the write lock.
type Balancer struct {
	mu                     sync.RWMutex
	metrics                map[uint32]ShardMetricsView
	userMapping            map[string]uint32
	maxConnectionsPerShard int
}

// NewBalancer constructs an empty balancer with the given per-shard
// capacity.
func NewBalancer(maxConnectionsPerShard int) *Balancer {
	return &Balancer{
		metrics:                make(map[uint32]ShardMetricsView),
		userMapping:            make(map[string]uint32),
		maxConnectionsPerShard: maxConnectionsPerShard,
	}
}

// AddShard registers a shard id with zeroed metrics.
func (b *Balancer) AddShard(id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics[id] = ShardMetricsView{ShardID: id, LastUpdatedUnix: time.Now().Unix()}
}

// UpdateMetrics overwrites the metrics view for shard id and stamps
// LastUpdatedUnix.
func (b *Balancer) UpdateMetrics(id uint32, activeConnections int, throughput, responseTimeMs float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics[id] = ShardMetricsView{
		ShardID:           id,
		ActiveConnections: activeConnections,
		MessageThroughput: throughput,
		AvgResponseTimeMs: responseTimeMs,
		LastUpdatedUnix:   time.Now().Unix(),
	}
}

// GetShardForUser returns the shard username should connect to,
// honoring sticky assignment while the pinned shard stays under
// capacity. Returns ok=false when every shard is at or over capacity.
func (b *Balancer) GetShardForUser(username string) (id uint32, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pinned, exists := b.userMapping[username]; exists {
		if view, ok2 := b.metrics[pinned]; ok2 && view.ActiveConnections < b.maxConnectionsPerShard {
			return pinned, true
		}
	}

	selected, ok := b.selectOptimalLocked()
	if !ok {
		return 0, false
	}
	b.userMapping[username] = selected
	return selected, true
}

// SelectOptimal is the exported, lock-safe form of the scoring pass
// underlying GetShardForUser, usable independent of sticky assignment
// (e.g. for diagnostics).
func (b *Balancer) SelectOptimal() (uint32, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.selectOptimalLocked()
}

// selectOptimalLocked must be called with b.mu held (read or write).
func (b *Balancer) selectOptimalLocked() (uint32, bool) {
	var (
		bestID    uint32
		bestScore = -1.0
		found     bool
	)

	ids := make([]uint32, 0, len(b.metrics))
	for id := range b.metrics {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] }) // deterministic tie-break: lowest shard_id

	for _, id := range ids {
		view := b.metrics[id]
		if view.ActiveConnections >= b.maxConnectionsPerShard {
			continue
		}
		score := scoreShard(view, b.maxConnectionsPerShard)
		if score > bestScore {
			bestScore = score
			bestID = id
			found = true
		}
	}

	return bestID, found
}

// scoreShard implements the weighted scoring formula used to pick the
// best shard for a new connection.
func scoreShard(view ShardMetricsView, max int) float64 {
	loadFactor := 1.0 - float64(view.ActiveConnections)/float64(max)
	throughputFactor := 1.0 / (1.0 + view.MessageThroughput/1000.0)
	latencyFactor := 1.0 / (1.0 + view.AvgResponseTimeMs/100.0)
	return 0.5*loadFactor + 0.3*throughputFactor + 0.2*latencyFactor
}

// RemoveUser erases username's sticky mapping.
func (b *Balancer) RemoveUser(username string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.userMapping, username)
}

// RebalanceAdvice proposes moving users off the most-loaded shard onto
// the least-loaded one when they diverge by more than max/3. Requires
// at least two shards; execution of the moves is out of scope, this is
// advisory only.
func (b *Balancer) RebalanceAdvice() []RebalanceMove {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.metrics) < 2 {
		return nil
	}

	var hi, lo ShardMetricsView
	first := true
	for _, view := range b.metrics {
		if first {
			hi, lo = view, view
			first = false
			continue
		}
		if view.ActiveConnections > hi.ActiveConnections {
			hi = view
		}
		if view.ActiveConnections < lo.ActiveConnections {
			lo = view
		}
	}

	threshold := b.maxConnectionsPerShard / 3
	if hi.ActiveConnections-lo.ActiveConnections <= threshold {
		return nil
	}

	moveCount := (hi.ActiveConnections - lo.ActiveConnections) / 2
	if moveCount <= 0 {
		return nil
	}

	moves := make([]RebalanceMove, 0, moveCount)
	for username, shardID := range b.userMapping {
		if shardID != hi.ShardID {
			continue
		}
		moves = append(moves, RebalanceMove{Username: username, FromShard: hi.ShardID, ToShard: lo.ShardID})
		if len(moves) == moveCount {
			break
		}
	}

	return moves
}

// Snapshot returns a copy of the shard_id→ShardMetricsView map.
func (b *Balancer) Snapshot() map[uint32]ShardMetricsView {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[uint32]ShardMetricsView, len(b.metrics))
	for id, view := range b.metrics {
		out[id] = view
	}
	return out
}

// Registry is a fixed, never-mutated-after-construction set of a pod's
// shards, looked up by id for request routing.
type Registry struct {
	shards map[uint32]*Shard
}

// NewRegistry builds a Registry from the given shards, keyed by
// Shard.ID.
func NewRegistry(shards []*Shard) *Registry {
	r := &Registry{shards: make(map[uint32]*Shard, len(shards))}
	for _, sh := range shards {
		r.shards[sh.ID] = sh
	}
	return r
}

// Shard returns the shard with the given id, if this pod owns it.
func (r *Registry) Shard(id uint32) (*Shard, bool) {
	sh, ok := r.shards[id]
	return sh, ok
}

// All returns every shard in the registry, for startup/shutdown loops.
func (r *Registry) All() []*Shard {
	out := make([]*Shard, 0, len(r.shards))
	for _, sh := range r.shards {
		out = append(out, sh)
	}
	return out
}
