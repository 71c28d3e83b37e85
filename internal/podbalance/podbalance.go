// Package podbalance implements the pod-level weighted balancer:
// per-pod load metrics, a derived weight in [0.1, 1.0], and
// weighted-random pod selection with staleness eviction.
package podbalance

import (
	"math/rand"
	"sync"
	"time"
)

// PodMetrics is one pod's last-reported load. Addr is the pod's
// externally reachable relay address, carried so the gateway can
// forward a connection there without a separate discovery mechanism.
type PodMetrics struct {
	PodID             string
	Addr              string
	ActiveConnections int
	CPUUsagePct       float64
	MemoryUsagePct    float64
	RelayCount        int
	LastUpdatedUnix   int64
}

// PodBalancer holds per-pod metrics and their derived selection
// weights. Reads (SelectPod) and writes (Update, CleanupStale) are
// guarded by an RWMutex, matching the read-mostly access pattern of a
// selection hot path.
type PodBalancer struct {
	mu      sync.RWMutex
	pods    map[string]PodMetrics
	weights map[string]float64
	rng     *rand.Rand
	rngMu   sync.Mutex
}

// New constructs an empty pod balancer.
func New() *PodBalancer {
	return &PodBalancer{
		pods:    make(map[string]PodMetrics),
		weights: make(map[string]float64),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Update records metrics for a pod and recomputes its weight, clamped
// to a floor of 0.1.
func (p *PodBalancer) Update(m PodMetrics) {
	m.LastUpdatedUnix = time.Now().Unix()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pods[m.PodID] = m
	p.weights[m.PodID] = computeWeight(m)
}

func computeWeight(m PodMetrics) float64 {
	connFactor := 1.0 - minF(float64(m.ActiveConnections)/1000.0, 1.0)

	w := 0.5*connFactor + 0.3*(1.0-m.CPUUsagePct/100.0) + 0.2*(1.0-m.MemoryUsagePct/100.0)
	if w < 0.1 {
		w = 0.1
	}
	if w > 1.0 {
		w = 1.0
	}
	return w
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// SelectPod performs a weighted random draw over the pod set: draw
// r ∈ [0, Σw), scan subtracting weights, return the first pod whose
// running sum ≥ r. Returns ok=false only when the map is empty.
func (p *PodBalancer) SelectPod() (podID string, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.weights) == 0 {
		return "", false
	}

	var total float64
	ids := make([]string, 0, len(p.weights))
	for id, w := range p.weights {
		total += w
		ids = append(ids, id)
	}

	p.rngMu.Lock()
	r := p.rng.Float64() * total
	p.rngMu.Unlock()

	var running float64
	for _, id := range ids {
		running += p.weights[id]
		if running >= r {
			return id, true
		}
	}

	// rounding underflow: return any stored pod.
	return ids[0], true
}

// CleanupStale evicts every pod unseen for more than staleAfter.
func (p *PodBalancer) CleanupStale(staleAfter time.Duration) {
	now := time.Now().Unix()
	cutoff := int64(staleAfter.Seconds())

	p.mu.Lock()
	defer p.mu.Unlock()

	for id, m := range p.pods {
		if now-m.LastUpdatedUnix > cutoff {
			delete(p.pods, id)
			delete(p.weights, id)
		}
	}
}

// Snapshot returns a copy of the pod_id→PodMetrics map.
func (p *PodBalancer) Snapshot() map[string]PodMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]PodMetrics, len(p.pods))
	for id, m := range p.pods {
		out[id] = m
	}
	return out
}

// Weight returns the current derived weight for podID, for tests and
// diagnostics.
func (p *PodBalancer) Weight(podID string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.weights[podID]
	return w, ok
}

// Addr returns the last-known relay address for podID, used by the
// gateway to forward connections without a separate discovery path.
func (p *PodBalancer) Addr(podID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.pods[podID]
	if !ok || m.Addr == "" {
		return "", false
	}
	return m.Addr, true
}
