// Package metricspump implements the metrics pump: the 10s loop that
// samples host resource usage, rolls shard metrics up into the pod's
// own weight, publishes that weight to the pod balancer, evicts stale
// peers, and surfaces rebalance advice. It also gossips the pod's own
// metrics over the bus so peer pods can forward connections to it.
package metricspump

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/relaymesh/relaymesh/internal/busproto"
	"github.com/relaymesh/relaymesh/internal/podbalance"
	"github.com/relaymesh/relaymesh/internal/relay"
	"github.com/relaymesh/relaymesh/internal/relaymetrics"
)

// podMetricsChannel is the single bus channel every pod gossips its own
// load on and subscribes to for peers' load.
const podMetricsChannel = "pod_metrics_global"

// BalancerView is the narrow surface of relay.Balancer the pump reads.
type BalancerView interface {
	Snapshot() map[uint32]relay.ShardMetricsView
	RebalanceAdvice() []relay.RebalanceMove
}

// pumpBus is the narrow surface of bus.Client the pump needs to gossip
// and ingest pod metrics. Accepting the interface lets tests exercise
// gossip/ingest against a fake bus.
type pumpBus interface {
	Publish(ctx context.Context, channel string, env busproto.Envelope) error
	Subscribe(ctx context.Context, channel string) <-chan busproto.Envelope
}

// Config tunes the pump's interval and the pod balancer's staleness
// window.
type Config struct {
	Interval   time.Duration // 10s
	StaleAfter time.Duration // how long a peer pod can go unseen before eviction
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 60 * time.Second
	}
}

// Pump samples local shard and host metrics on a fixed tick, feeds them
// into the pod balancer, and gossips them to peers over the
// bus. RelayCount and Addr are fixed at construction since a pod's
// shard set and listen address never change at runtime.
type Pump struct {
	podID      string
	addr       string
	relayCount int

	balancer    BalancerView
	podBalancer *podbalance.PodBalancer
	bus         pumpBus
	metrics     *relaymetrics.Metrics
	cfg         Config
	logger      zerolog.Logger
}

// New constructs a metrics pump for podID, reading shard state from
// balancer and writing pod weight into podBalancer. metrics may be nil
// in tests that don't care about Prometheus exposition. addr is this
// pod's externally reachable relay address, gossiped for peer
// forwarding.
func New(podID, addr string, relayCount int, balancer BalancerView, podBalancer *podbalance.PodBalancer, busClient pumpBus, metrics *relaymetrics.Metrics, cfg Config, logger zerolog.Logger) *Pump {
	cfg.applyDefaults()
	return &Pump{
		podID:       podID,
		addr:        addr,
		relayCount:  relayCount,
		balancer:    balancer,
		podBalancer: podBalancer,
		bus:         busClient,
		metrics:     metrics,
		cfg:         cfg,
		logger:      logger.With().Str("component", "metrics_pump").Logger(),
	}
}

// Run blocks, ticking every cfg.Interval until stop is closed. A
// background goroutine ingests peer pod metrics for as long as ctx
// stays alive.
func (p *Pump) Run(ctx context.Context, stop <-chan struct{}) {
	go p.ingestPeers(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.tick(ctx) // prime the pod balancer immediately rather than waiting a full interval

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Pump) tick(ctx context.Context) {
	shards := p.balancer.Snapshot()

	activeConnections := 0
	for id, view := range shards {
		activeConnections += view.ActiveConnections
		if p.metrics != nil {
			p.metrics.UpdateShard(shardLabel(id), view.ActiveConnections, view.MessageThroughput, view.AvgResponseTimeMs)
		}
	}

	cpuPct := sampleCPU(p.logger)
	memPct := sampleMemory(p.logger)

	own := podbalance.PodMetrics{
		PodID:             p.podID,
		Addr:              p.addr,
		ActiveConnections: activeConnections,
		CPUUsagePct:       cpuPct,
		MemoryUsagePct:    memPct,
		RelayCount:        p.relayCount,
	}
	p.podBalancer.Update(own)
	p.podBalancer.CleanupStale(p.cfg.StaleAfter)
	p.gossip(ctx, own)

	if p.metrics != nil {
		p.metrics.UpdateHostCPU(cpuPct)
		p.metrics.UpdateHostMemory(memPct)
		if w, ok := p.podBalancer.Weight(p.podID); ok {
			p.metrics.UpdatePodWeight(w)
		}
	}

	if advice := p.balancer.RebalanceAdvice(); len(advice) > 0 {
		if p.metrics != nil {
			p.metrics.RebalanceAdviceIssued()
		}
		p.logger.Warn().
			Int("move_count", len(advice)).
			Msg("rebalance advice available")
		for _, move := range advice {
			p.logger.Debug().
				Str("username", move.Username).
				Uint32("from_shard", move.FromShard).
				Uint32("to_shard", move.ToShard).
				Msg("rebalance move suggested")
		}
	}
}

func (p *Pump) gossip(ctx context.Context, own podbalance.PodMetrics) {
	if p.bus == nil {
		return
	}
	env, err := busproto.NewPodMetrics(p.podID, time.Now().Unix(), busproto.PodMetricsPayload{
		PodID:             own.PodID,
		Addr:              own.Addr,
		ActiveConnections: own.ActiveConnections,
		CPUUsagePct:       own.CPUUsagePct,
		MemoryUsagePct:    own.MemoryUsagePct,
		RelayCount:        own.RelayCount,
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to build pod metrics envelope")
		return
	}
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.bus.Publish(publishCtx, podMetricsChannel, env); err != nil {
		p.logger.Warn().Err(err).Msg("failed to gossip pod metrics")
	}
}

// ingestPeers applies every peer PodMetrics envelope to the local pod
// balancer, so SelectPod can route to a peer this pod never talked to
// directly. Runs until ctx is canceled.
func (p *Pump) ingestPeers(ctx context.Context) {
	if p.bus == nil {
		return
	}
	for env := range p.bus.Subscribe(ctx, podMetricsChannel) {
		if env.Type != busproto.TypePodMetrics {
			continue
		}
		payload, err := env.PodMetrics()
		if err != nil {
			continue
		}
		p.podBalancer.Update(podbalance.PodMetrics{
			PodID:             payload.PodID,
			Addr:              payload.Addr,
			ActiveConnections: payload.ActiveConnections,
			CPUUsagePct:       payload.CPUUsagePct,
			MemoryUsagePct:    payload.MemoryUsagePct,
			RelayCount:        payload.RelayCount,
		})
	}
}

func shardLabel(id uint32) string {
	return fmt.Sprintf("%d", id)
}

// sampleCPU reads overall host CPU usage over a short blocking window.
// A measurement error returns 0 rather than propagating, since a
// missed sample should not stall the pump.
func sampleCPU(logger zerolog.Logger) float64 {
	percents, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil || len(percents) == 0 {
		logger.Debug().Err(err).Msg("cpu sample failed")
		return 0
	}
	return percents[0]
}

func sampleMemory(logger zerolog.Logger) float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Debug().Err(err).Msg("memory sample failed")
		return 0
	}
	return vm.UsedPercent
}
