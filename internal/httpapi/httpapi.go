// Package httpapi wires the HTTP surface: the websocket upgrade
// endpoint, health/metrics/relay introspection routes, and the
// Prometheus exposition endpoint, routed with a plain
// net/http.ServeMux behind CORS middleware.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relaymesh/internal/gateway"
	"github.com/relaymesh/relaymesh/internal/podbalance"
	"github.com/relaymesh/relaymesh/internal/relay"
	"github.com/relaymesh/relaymesh/internal/relaymetrics"
	"github.com/relaymesh/relaymesh/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ShardSet resolves a shard id to the running shard.
type ShardSet interface {
	Shard(id uint32) (*relay.Shard, bool)
}

// healthBus is the narrow slice of bus.Client the /health handler
// needs. Accepting the interface keeps Server testable against a fake
// bus, the same idiom internal/relay applies to shardBus.
type healthBus interface {
	HealthCheck(ctx context.Context) bool
	ClusterMode() bool
	Endpoints() []string
}

// Server bundles the dependencies every HTTP handler needs.
type Server struct {
	podID         string
	shards        ShardSet
	balancer      *relay.Balancer
	podBalancer   *podbalance.PodBalancer
	bus           healthBus
	metrics       *relaymetrics.Metrics
	gateway       *gateway.Gateway
	sessionCfg    session.Config
	logger        zerolog.Logger
}

// Config carries Server's dependencies, grouped for a single
// constructor call. Gateway may be nil when POD_PEERS is unset, in
// which case every request is served locally.
type Config struct {
	PodID       string
	Shards      ShardSet
	Balancer    *relay.Balancer
	PodBalancer *podbalance.PodBalancer
	Bus         healthBus
	Metrics     *relaymetrics.Metrics
	Gateway     *gateway.Gateway
	SessionCfg  session.Config
	Logger      zerolog.Logger
}

// New constructs an HTTP server surface from cfg.
func New(cfg Config) *Server {
	return &Server{
		podID:       cfg.PodID,
		shards:      cfg.Shards,
		balancer:    cfg.Balancer,
		podBalancer: cfg.PodBalancer,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		gateway:     cfg.Gateway,
		sessionCfg:  cfg.SessionCfg,
		logger:      cfg.Logger.With().Str("component", "httpapi").Logger(),
	}
}

// Handler builds the routed, CORS-wrapped http.Handler for the pod's
// HTTP listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/relays", s.handleRelays)
	mux.HandleFunc("/relays/", s.handleRelayDetail)
	mux.Handle("/metrics/prom", promhttp.Handler())
	mux.HandleFunc("/metrics", s.handleMetricsJSON)
	return s.corsMiddleware(mux)
}

// handleWebSocket upgrades GET /ws/{username}, selects a shard via the
// balancer, and runs the session to completion on this goroutine;
// it answers with 500 when every shard is at capacity.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimPrefix(r.URL.Path, "/ws/")
	if username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}

	if s.gateway != nil && s.gateway.ForwardIfNeeded(w, r) {
		return
	}

	shardID, ok := s.balancer.GetShardForUser(username)
	if !ok {
		s.logger.Warn().Str("username", username).Msg("saturation: no shard under capacity")
		http.Error(w, "all relay shards at capacity", http.StatusInternalServerError)
		return
	}

	shard, ok := s.shards.Shard(shardID)
	if !ok {
		http.Error(w, "selected shard unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	if s.metrics != nil {
		s.metrics.SessionAccepted()
	}

	sess := session.New(username, conn, shard, s.sessionCfg, s.logger, s.metrics)
	sess.Serve()

	if s.metrics != nil {
		s.metrics.SessionClosed()
	}
	s.balancer.RemoveUser(username)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	busHealthy := s.bus.HealthCheck(ctx)

	status := http.StatusOK
	if !busHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"status":       statusString(busHealthy),
		"pod_id":       s.podID,
		"relays":       s.balancer.Snapshot(),
		"cluster_pods": len(s.podBalancer.Snapshot()),
	})
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	stats := s.balancer.Snapshot()
	ids := make([]uint32, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	writeJSON(w, http.StatusOK, map[string]any{
		"active_relays":  ids,
		"detailed_stats": stats,
		"pod_id":         s.podID,
	})
}

// handleRelayDetail serves GET /relays/{id}, the supplemented
// per-shard detail route.
func (s *Server) handleRelayDetail(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/relays/")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		http.Error(w, "invalid relay id", http.StatusBadRequest)
		return
	}

	shard, ok := s.shards.Shard(uint32(id))
	if !ok {
		http.Error(w, "relay not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, shard.Snapshot())
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pod_metrics":   s.podBalancer.Snapshot(),
		"relay_metrics": s.balancer.Snapshot(),
		"timestamp":     time.Now().Unix(),
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusString(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "degraded"
}
