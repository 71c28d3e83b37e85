// Package bus implements the relay mesh's pub/sub bus client: a
// multi-endpoint Redis-backed publisher/subscriber with stable channel
// partitioning, publish-with-fallback, self-reconnecting subscriptions,
// and the user-location directory used for cross-pod lookups.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relaymesh/internal/busproto"
)

// Client is a cheaply clonable handle to the bus: its endpoint list is
// fixed at construction and carries no mutable shared state on the
// publish path, so callers may hold a Client concurrently without
// additional locking.
type Client struct {
	podID      string
	endpoints  []*redis.Client
	addrs      []string
	clusterMode bool
	logger     zerolog.Logger

	backoff time.Duration
}

// Config configures bus construction.
type Config struct {
	// Endpoints is the comma-split list of primary Redis endpoint addresses.
	Endpoints []string
	// FallbackEndpoints are tried, in order, only if every endpoint in
	// Endpoints fails its construction-time PING probe. The first
	// fallback that answers becomes the bus's sole endpoint.
	FallbackEndpoints []string
	PodID             string
	// SubscriptionBackoff is the delay between reconnect attempts on a
	// broken subscription stream. Defaults to 3s.
	SubscriptionBackoff time.Duration
}

// New probes every configured endpoint with a synchronous PING,
// dropping unreachable ones. Construction fails if no endpoint answers.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	backoff := cfg.SubscriptionBackoff
	if backoff <= 0 {
		backoff = 3 * time.Second
	}

	c := &Client{
		podID:   cfg.PodID,
		logger:  logger.With().Str("component", "bus_client").Logger(),
		backoff: backoff,
	}

	for _, addr := range append([]string{}, cfg.Endpoints...) {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			c.logger.Warn().Str("endpoint", addr).Err(err).Msg("endpoint unreachable at construction, dropping")
			_ = rdb.Close()
			continue
		}
		c.endpoints = append(c.endpoints, rdb)
		c.addrs = append(c.addrs, addr)
	}

	if len(c.endpoints) == 0 && len(cfg.FallbackEndpoints) > 0 {
		c.logger.Warn().Msg("no primary endpoint reachable, trying fallback endpoints")
		for _, addr := range cfg.FallbackEndpoints {
			rdb := redis.NewClient(&redis.Options{Addr: addr})
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := rdb.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				c.logger.Warn().Str("endpoint", addr).Err(err).Msg("fallback endpoint unreachable, dropping")
				_ = rdb.Close()
				continue
			}
			c.endpoints = append(c.endpoints, rdb)
			c.addrs = append(c.addrs, addr)
			c.logger.Info().Str("endpoint", addr).Msg("fallback endpoint reachable")
			break
		}
	}

	if len(c.endpoints) == 0 {
		return nil, fmt.Errorf("%w: no bus endpoint answered PING", busproto.ErrBusIO)
	}

	c.clusterMode = len(c.endpoints) > 1
	c.logger.Info().
		Int("reachable_endpoints", len(c.endpoints)).
		Bool("cluster_mode", c.clusterMode).
		Msg("bus client constructed")

	return c, nil
}

// ClusterMode reports whether more than one endpoint answered at
// construction.
func (c *Client) ClusterMode() bool { return c.clusterMode }

// Endpoints returns the addresses that answered PING at construction.
func (c *Client) Endpoints() []string {
	return append([]string{}, c.addrs...)
}

// endpointFor deterministically maps a channel name to one of the
// constructed endpoints. In non-cluster mode this always returns the
// single endpoint.
func (c *Client) endpointFor(channel string) *redis.Client {
	if !c.clusterMode {
		return c.endpoints[0]
	}
	h := xxhash.Sum64String(channel)
	idx := h % uint64(len(c.endpoints))
	return c.endpoints[idx]
}

// Publish serializes and publishes an envelope on channel, using the
// endpoint selected by endpointFor. Transport errors are reported as
// ErrBusIO.
func (c *Client) Publish(ctx context.Context, channel string, env busproto.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	rdb := c.endpointFor(channel)
	if err := rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", busproto.ErrBusIO, channel, err)
	}
	return nil
}

// PublishWithFallback tries primary first; on any error it tries
// secondary and surfaces the secondary attempt's result.
func (c *Client) PublishWithFallback(ctx context.Context, primary, secondary string, env busproto.Envelope) error {
	if err := c.Publish(ctx, primary, env); err != nil {
		c.logger.Warn().Str("primary", primary).Str("secondary", secondary).Err(err).Msg("primary publish failed, trying fallback")
		return c.Publish(ctx, secondary, env)
	}
	return nil
}

// Subscribe returns a lazy, restartable stream of envelopes received on
// channel. Envelopes whose FromPodID equals our own are dropped
// (loopback suppression). Transport errors trigger a transparent
// reconnect after the configured backoff; the returned channel is
// closed only when ctx is canceled.
func (c *Client) Subscribe(ctx context.Context, channel string) <-chan busproto.Envelope {
	out := make(chan busproto.Envelope, 256)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			rdb := c.endpointFor(channel)
			pubsub := rdb.Subscribe(ctx, channel)
			ch := pubsub.Channel()

			c.logger.Debug().Str("channel", channel).Msg("subscription (re)established")

		readLoop:
			for {
				select {
				case <-ctx.Done():
					_ = pubsub.Close()
					return
				case msg, ok := <-ch:
					if !ok {
						_ = pubsub.Close()
						break readLoop
					}
					env, err := busproto.Unmarshal([]byte(msg.Payload))
					if err != nil {
						// deserialization errors on incoming envelopes are
						// dropped silently.
						continue
					}
					if env.FromPodID == c.podID {
						continue // loopback suppression
					}
					select {
					case out <- env:
					case <-ctx.Done():
						_ = pubsub.Close()
						return
					}
				}
			}

			// transport broken; back off and reconnect indefinitely.
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
			}
		}
	}()

	return out
}

// SetUserLocation records where a username is currently registered,
// with the given TTL; shards call it on every (re)register with their
// UserLocationTTL (300s by default).
func (c *Client) SetUserLocation(ctx context.Context, username string, podID string, shardID uint32, ttl time.Duration) error {
	rdb := c.endpoints[0]
	key := userLocationKey(username)
	val := fmt.Sprintf("%s:%d", podID, shardID)
	if err := rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set_user_location: %v", busproto.ErrBusIO, err)
	}
	return nil
}

// RemoveUserLocation deletes the user-location entry for username.
func (c *Client) RemoveUserLocation(ctx context.Context, username string) error {
	rdb := c.endpoints[0]
	if err := rdb.Del(ctx, userLocationKey(username)).Err(); err != nil {
		return fmt.Errorf("%w: remove_user_location: %v", busproto.ErrBusIO, err)
	}
	return nil
}

func userLocationKey(username string) string {
	return "user_location:" + username
}

// HealthCheck PINGs endpoint 0.
func (c *Client) HealthCheck(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.endpoints[0].Ping(pingCtx).Err() == nil
}

// Close releases all endpoint connections.
func (c *Client) Close() error {
	var firstErr error
	for _, rdb := range c.endpoints {
		if err := rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
