// Command relaymesh runs one relay mesh pod: a fixed set of relay
// shards, the bus client that fans messages out across the cluster,
// the balancers that route connections to shards and peer pods, the
// metrics pump, and the HTTP/websocket listener.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/relaymesh/relaymesh/internal/bus"
	"github.com/relaymesh/relaymesh/internal/config"
	"github.com/relaymesh/relaymesh/internal/gateway"
	"github.com/relaymesh/relaymesh/internal/httpapi"
	"github.com/relaymesh/relaymesh/internal/logging"
	"github.com/relaymesh/relaymesh/internal/metricspump"
	"github.com/relaymesh/relaymesh/internal/podbalance"
	"github.com/relaymesh/relaymesh/internal/relay"
	"github.com/relaymesh/relaymesh/internal/relaymetrics"
	"github.com/relaymesh/relaymesh/internal/session"
)

func main() {
	bootLogger := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busClient, err := bus.New(ctx, bus.Config{
		Endpoints:           cfg.RedisEndpoints(),
		FallbackEndpoints:   cfg.RedisFallbackEndpoints(),
		PodID:               cfg.PodName,
		SubscriptionBackoff: cfg.SubscriptionBackoff,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct bus client")
	}
	defer busClient.Close()

	balancer := relay.NewBalancer(cfg.MaxConnectionsPerRelay)
	metrics := relaymetrics.New()

	shardCfg := relay.ShardConfig{
		HeartbeatInterval:   cfg.ShardHeartbeatInterval,
		HealthInterval:      cfg.ShardHealthInterval,
		HealthRetryDelay:    cfg.ShardHealthRetryDelay,
		PumpInterval:        cfg.BusPumpInterval,
		PumpBatchSize:       cfg.BusPumpBatchSize,
		SubscriptionBackoff: cfg.SubscriptionBackoff,
		UserLocationTTL:     cfg.UserLocationTTL,
	}

	shards := make([]*relay.Shard, 0, cfg.RelayCount)
	for i := uint32(0); i < cfg.RelayCount; i++ {
		id := cfg.RelayStartID + i
		shard := relay.NewShard(id, cfg.PodName, busClient, shardCfg, logger, metrics)
		shard.Start()
		balancer.AddShard(id)
		shards = append(shards, shard)
	}
	registry := relay.NewRegistry(shards)

	podBalancer := podbalance.New()

	pump := metricspump.New(
		cfg.PodName,
		cfg.Addr,
		int(cfg.RelayCount),
		balancer,
		podBalancer,
		busClient,
		metrics,
		metricspump.Config{Interval: cfg.MetricsPumpInterval, StaleAfter: cfg.PodStaleAfter},
		logger,
	)
	pumpStop := make(chan struct{})
	go pump.Run(ctx, pumpStop)

	go pumpShardMetricsIntoBalancer(ctx, shards, balancer, time.Second)

	var gw *gateway.Gateway
	if len(cfg.PodPeerList()) > 0 {
		gw = gateway.New(cfg.PodName, podBalancer, logger)
	}

	httpServer := httpapi.New(httpapi.Config{
		PodID:       cfg.PodName,
		Shards:      registry,
		Balancer:    balancer,
		PodBalancer: podBalancer,
		Bus:         busClient,
		Metrics:     metrics,
		Gateway:     gw,
		SessionCfg: session.Config{
			PingInterval:  cfg.SessionPingInterval,
			ClientTimeout: cfg.SessionClientTimeout,
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpServer.Handler(),
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	close(pumpStop)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown error")
	}

	for _, shard := range registry.All() {
		shard.Stop()
	}

	logger.Info().Msg("relay mesh pod shut down")
}

// pumpShardMetricsIntoBalancer rolls each shard's own metrics snapshot
// into the balancer's view every interval (main passes one second), so
// GetShardForUser's scoring always reflects recent shard load.
func pumpShardMetricsIntoBalancer(ctx context.Context, shards []*relay.Shard, balancer *relay.Balancer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, shard := range shards {
				view := shard.Snapshot()
				balancer.UpdateMetrics(shard.ID, view.ActiveConnections, view.MessageThroughput, view.AvgResponseTimeMs)
			}
		}
	}
}
