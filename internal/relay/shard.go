// Package relay implements the relay mesh's per-process fan-out engine
// (the relay shard) and the dynamic relay balancer that assigns users
// to shards.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymesh/relaymesh/internal/busproto"
	"github.com/relaymesh/relaymesh/internal/logging"
	"github.com/relaymesh/relaymesh/internal/relaymetrics"
)

// shardBus is the narrow surface of bus.Client a shard needs.
// Accepting the interface (rather than *bus.Client directly) lets
// tests exercise shard logic against a fake bus.
type shardBus interface {
	Publish(ctx context.Context, channel string, env busproto.Envelope) error
	PublishWithFallback(ctx context.Context, primary, secondary string, env busproto.Envelope) error
	Subscribe(ctx context.Context, channel string) <-chan busproto.Envelope
	SetUserLocation(ctx context.Context, username, podID string, shardID uint32, ttl time.Duration) error
	RemoveUserLocation(ctx context.Context, username string) error
	HealthCheck(ctx context.Context) bool
}

// Shard holds one relay slot's local connection registry and its bus
// integration. All state transitions are serialized through a single
// mailbox goroutine, a single-writer discipline, so connections is
// never touched from any other goroutine.
type Shard struct {
	ID    uint32
	podID string

	bus         shardBus
	promMetrics *relaymetrics.Metrics
	logger      zerolog.Logger

	cfg ShardConfig

	connections   map[string]SessionHandle
	metrics       ShardMetrics
	lastHeartbeat time.Time
	startedAt     time.Time

	mailbox chan shardCmd

	// snap is read concurrently by the metrics pump via
	// Snapshot(); it is only ever written by the mailbox goroutine, so a
	// mutex guards just this narrow cross-goroutine read/write instead
	// of the whole shard.
	snapMu sync.RWMutex
	snap   ShardMetricsView

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ShardConfig configures a Shard's timers.
type ShardConfig struct {
	HeartbeatInterval   time.Duration
	HealthInterval      time.Duration
	HealthRetryDelay    time.Duration
	PumpInterval        time.Duration
	PumpBatchSize       int
	SubscriptionBackoff time.Duration
	UserLocationTTL     time.Duration
}

func (c *ShardConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HealthRetryDelay <= 0 {
		c.HealthRetryDelay = 5 * time.Second
	}
	if c.PumpInterval <= 0 {
		c.PumpInterval = 5 * time.Millisecond
	}
	if c.PumpBatchSize <= 0 {
		c.PumpBatchSize = 10
	}
	if c.SubscriptionBackoff <= 0 {
		c.SubscriptionBackoff = 3 * time.Second
	}
	if c.UserLocationTTL <= 0 {
		c.UserLocationTTL = 300 * time.Second
	}
}

// shardCmd is the sum type accepted by a shard's mailbox.
type shardCmd struct {
	kind     cmdKind
	username string
	session  SessionHandle
	content  string
}

type cmdKind int

const (
	cmdRegister cmdKind = iota
	cmdUnregister
	cmdUserMessage
)

// NewShard constructs a shard bound to id, sharing bus for cross-pod
// fan-out. metrics may be nil, in which case the shard's Prometheus
// observations are skipped. Call Start to begin its mailbox loop and
// timers.
func NewShard(id uint32, podID string, busClient shardBus, cfg ShardConfig, logger zerolog.Logger, metrics *relaymetrics.Metrics) *Shard {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Shard{
		ID:          id,
		podID:       podID,
		bus:         busClient,
		promMetrics: metrics,
		logger:      logger.With().Uint32("shard_id", id).Logger(),
		cfg:         cfg,
		connections: make(map[string]SessionHandle),
		ctx:         ctx,
		cancel:      cancel,
		mailbox:     make(chan shardCmd, 256),
	}
	s.snap = ShardMetricsView{ShardID: id, LastUpdatedUnix: time.Now().Unix()}
	s.startedAt = time.Now()
	return s
}

// channel name builders.
func (s *Shard) messagesChannel() string  { return fmt.Sprintf("relay_messages_%d", s.ID) }
func (s *Shard) eventsChannel() string    { return fmt.Sprintf("relay_events_%d", s.ID) }
func (s *Shard) heartbeatChannel() string { return fmt.Sprintf("relay_heartbeat_%d", s.ID) }

const (
	globalMessages  = "relay_messages_global"
	globalEvents    = "relay_events_global"
	globalHeartbeat = "relay_heartbeat_global"
)

// Start begins the shard's ingress subscription, its mailbox loop, and
// its heartbeat/health timers.
func (s *Shard) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop cancels all shard goroutines and waits for them to exit.
func (s *Shard) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Register asks the shard to register username with session. Enqueue
// never blocks beyond the mailbox buffer.
func (s *Shard) Register(username string, session SessionHandle) {
	s.enqueue(shardCmd{kind: cmdRegister, username: username, session: session})
}

// Unregister asks the shard to remove username.
func (s *Shard) Unregister(username string) {
	s.enqueue(shardCmd{kind: cmdUnregister, username: username})
}

// UserMessage asks the shard to fan out content from username.
func (s *Shard) UserMessage(username, content string) {
	s.enqueue(shardCmd{kind: cmdUserMessage, username: username, content: content})
}

func (s *Shard) enqueue(cmd shardCmd) {
	select {
	case s.mailbox <- cmd:
	case <-s.ctx.Done():
	}
}

// run is the shard's single mailbox goroutine: it owns connections,
// metrics, and last_heartbeat exclusively, and multiplexes the mailbox
// against the shard's three timers (bus pump, heartbeat, health check).
func (s *Shard) run() {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "shard.run", map[string]any{"shard_id": s.ID})

	ingress := s.subscribeAll()

	heartbeatTicker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()
	healthTicker := time.NewTicker(s.cfg.HealthInterval)
	defer healthTicker.Stop()
	pumpTicker := time.NewTicker(s.cfg.PumpInterval)
	defer pumpTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case cmd := <-s.mailbox:
			s.handleCmd(cmd)
			s.refreshSnapshot()

		case <-pumpTicker.C:
			s.pumpIngress(ingress)
			s.refreshSnapshot()

		case <-heartbeatTicker.C:
			s.publishHeartbeat()

		case <-healthTicker.C:
			if !s.bus.HealthCheck(s.ctx) {
				s.logger.Warn().Msg("bus health check failed, re-subscribing")
				s.reconnectWithRetry(&ingress)
			}
		}
	}
}

// subscribeAll fans in the six channels a shard listens on: both the
// per-shard and global channel for messages, events, and heartbeats,
// rather than a first-success-only policy that could silently
// partition pods.
func (s *Shard) subscribeAll() <-chan busproto.Envelope {
	sources := []<-chan busproto.Envelope{
		s.bus.Subscribe(s.ctx, s.messagesChannel()),
		s.bus.Subscribe(s.ctx, globalMessages),
		s.bus.Subscribe(s.ctx, s.eventsChannel()),
		s.bus.Subscribe(s.ctx, globalEvents),
		s.bus.Subscribe(s.ctx, s.heartbeatChannel()),
		s.bus.Subscribe(s.ctx, globalHeartbeat),
	}
	merged := make(chan busproto.Envelope, 256)
	for _, src := range sources {
		go func(ch <-chan busproto.Envelope) {
			for env := range ch {
				select {
				case merged <- env:
				case <-s.ctx.Done():
					return
				}
			}
		}(src)
	}
	return merged
}

// reconnectWithRetry re-establishes the subscription set with a fresh
// fan-in. bus.Subscribe never itself returns an error (it retries
// internally), so there is no failure to retry here and
// HealthRetryDelay is not consulted.
func (s *Shard) reconnectWithRetry(ingress *<-chan busproto.Envelope) {
	*ingress = s.subscribeAll()
}

func (s *Shard) handleCmd(cmd shardCmd) {
	switch cmd.kind {
	case cmdRegister:
		s.handleRegister(cmd.username, cmd.session)
	case cmdUnregister:
		s.handleUnregister(cmd.username)
	case cmdUserMessage:
		s.handleUserMessage(cmd.username, cmd.content)
	}
}

func (s *Shard) handleRegister(username string, session SessionHandle) {
	if _, exists := s.connections[username]; exists {
		s.logger.Info().Str("username", username).Msg("register no-op: already present")
		return
	}

	for existingUser, existingSession := range s.connections {
		_ = existingUser
		existingSession.Deliver(OutboundEvent{Kind: OutboundJoinEvent, Username: username})
	}

	s.connections[username] = session

	s.asyncPublishRegister(username)
}

func (s *Shard) asyncPublishRegister(username string) {
	go func() {
		defer logging.RecoverPanic(s.logger, "shard.asyncPublishRegister", map[string]any{"shard_id": s.ID, "username": username})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.bus.SetUserLocation(ctx, username, s.podID, s.ID, s.cfg.UserLocationTTL); err != nil {
			s.logger.Warn().Err(err).Str("username", username).Msg("set_user_location failed")
		}

		env, err := busproto.NewJoinEvent(s.podID, s.ID, time.Now().Unix(), username)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to build join event")
			return
		}
		if err := s.publishWithFallback(ctx, s.eventsChannel(), globalEvents, env, "events"); err != nil {
			s.logger.Warn().Err(err).Str("username", username).Msg("publish join event failed")
		}
	}()
}

// publishWithFallback wraps bus.PublishWithFallback with Prometheus
// observations: publish latency always, and a labeled failure count
// when every endpoint (primary and fallback) rejects the publish.
func (s *Shard) publishWithFallback(ctx context.Context, primary, secondary string, env busproto.Envelope, channelKind string) error {
	start := time.Now()
	err := s.bus.PublishWithFallback(ctx, primary, secondary, env)
	if s.promMetrics != nil {
		s.promMetrics.ObserveBusPublish(time.Since(start))
		if err != nil {
			s.promMetrics.BusPublishFailed(channelKind)
		}
	}
	return err
}

func (s *Shard) handleUnregister(username string) {
	if _, exists := s.connections[username]; !exists {
		return
	}
	delete(s.connections, username)

	for _, session := range s.connections {
		session.Deliver(OutboundEvent{Kind: OutboundUnRegisterConnection, Username: username})
	}

	go func() {
		defer logging.RecoverPanic(s.logger, "shard.asyncPublishUnregister", map[string]any{"shard_id": s.ID, "username": username})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.bus.RemoveUserLocation(ctx, username); err != nil {
			s.logger.Warn().Err(err).Str("username", username).Msg("remove_user_location failed")
		}

		env, err := busproto.NewUnRegisterConnection(s.podID, s.ID, time.Now().Unix(), username)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to build unregister event")
			return
		}
		if err := s.publishWithFallback(ctx, s.eventsChannel(), globalEvents, env, "events"); err != nil {
			s.logger.Warn().Err(err).Str("username", username).Msg("publish unregister event failed")
		}
	}()
}

func (s *Shard) handleUserMessage(username, content string) {
	for user, session := range s.connections {
		if user == username {
			continue
		}
		session.Deliver(OutboundEvent{Kind: OutboundUserMessage, Username: username, Content: content})
	}
	if s.promMetrics != nil {
		s.promMetrics.MessageRelayed()
	}

	s.metrics.MessageCount++
	s.metrics.LastMessageUnix = time.Now().Unix()

	go func() {
		defer logging.RecoverPanic(s.logger, "shard.asyncPublishUserMessage", map[string]any{"shard_id": s.ID, "username": username})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		env, err := busproto.NewUserMessage(s.podID, s.ID, time.Now().Unix(), username, content)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to build user message envelope")
			return
		}
		if err := s.publishWithFallback(ctx, s.messagesChannel(), globalMessages, env, "messages"); err != nil {
			s.logger.Warn().Err(err).Str("username", username).Msg("publish user message failed")
		}
	}()
}

// pumpIngress drains up to PumpBatchSize envelopes per tick from the
// bus, applying each locally. Leftover envelopes remain buffered in
// the merged channel until the next tick, providing backpressure.
func (s *Shard) pumpIngress(ingress <-chan busproto.Envelope) {
	start := time.Now()
	drained := 0

drain:
	for drained < s.cfg.PumpBatchSize {
		select {
		case env := <-ingress:
			s.applyIngress(env)
			drained++
		default:
			break drain
		}
	}

	if drained == 0 {
		return
	}

	elapsedMs := float64(time.Since(start).Microseconds()) / 1000.0
	s.metrics.AvgResponseMs = s.metrics.AvgResponseMs*0.9 + elapsedMs*0.1
}

func (s *Shard) applyIngress(env busproto.Envelope) {
	switch env.Type {
	case busproto.TypeUserMessage:
		p, err := env.UserMessage()
		if err != nil {
			return
		}
		for user, session := range s.connections {
			if user == p.Username {
				continue
			}
			session.Deliver(OutboundEvent{Kind: OutboundUserMessage, Username: p.Username, Content: p.Content})
		}

	case busproto.TypeJoinEvent:
		p, err := env.JoinEvent()
		if err != nil {
			return
		}
		for _, session := range s.connections {
			session.Deliver(OutboundEvent{Kind: OutboundJoinEvent, Username: p.Username})
		}

	case busproto.TypeUnRegisterConnection:
		p, err := env.UnRegisterConnection()
		if err != nil {
			return
		}
		for _, session := range s.connections {
			session.Deliver(OutboundEvent{Kind: OutboundUnRegisterConnection, Username: p.Username})
		}

	case busproto.TypeRelayHeartbeat:
		p, err := env.RelayHeartbeat()
		if err != nil {
			return
		}
		if p.RelayID != s.ID {
			// record/observe only: a peer shard's heartbeat does not
			// mutate our own connection registry.
			s.logger.Debug().
				Uint32("peer_relay_id", p.RelayID).
				Int("peer_active_connections", p.ActiveConnections).
				Msg("observed peer relay heartbeat")
		}
	}
}

func (s *Shard) publishHeartbeat() {
	s.lastHeartbeat = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env, err := busproto.NewRelayHeartbeat(s.podID, s.ID, time.Now().Unix(), len(s.connections))
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to build heartbeat")
		return
	}
	if err := s.bus.PublishWithFallback(ctx, s.heartbeatChannel(), globalHeartbeat, env); err != nil {
		s.logger.Warn().Err(err).Msg("publish heartbeat failed")
	}
}

func (s *Shard) refreshSnapshot() {
	view := ShardMetricsView{
		ShardID:           s.ID,
		ActiveConnections: len(s.connections),
		MessageThroughput: s.throughput(),
		AvgResponseTimeMs: s.metrics.AvgResponseMs,
		LastUpdatedUnix:   time.Now().Unix(),
	}
	s.snapMu.Lock()
	s.snap = view
	s.snapMu.Unlock()
}

func (s *Shard) throughput() float64 {
	if s.metrics.MessageCount == 0 {
		return 0
	}
	elapsed := time.Since(s.startedAt).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	return float64(s.metrics.MessageCount) / elapsed
}

// Snapshot returns the shard's current metrics view, safe to call
// concurrently from the metrics pump or HTTP handlers.
func (s *Shard) Snapshot() ShardMetricsView {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}
