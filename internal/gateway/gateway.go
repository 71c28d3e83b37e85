// Package gateway implements pod-level forwarding: when a pod is not
// the best target for a new connection, it proxies the websocket
// handshake to whichever peer pod the pod balancer selects, instead of
// rejecting the client.
// Built on koding/websocketproxy.
package gateway

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/koding/websocketproxy"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relaymesh/internal/podbalance"
)

// Gateway forwards a /ws/{username} request to a peer pod's own relay
// address, chosen by the pod balancer's weighted-random selection.
// Peer addresses are learned from gossiped pod metrics
// (internal/metricspump), not configured statically. ForwardIfNeeded
// is a no-op when this pod itself is selected or no peer address is
// known yet.
type Gateway struct {
	selfPodID string
	podBal    *podbalance.PodBalancer
	logger    zerolog.Logger

	mu      sync.RWMutex
	proxies map[string]http.Handler // pod_id -> cached websocketproxy handler
}

// New constructs a gateway that consults podBal for peer selection and
// addresses.
func New(selfPodID string, podBal *podbalance.PodBalancer, logger zerolog.Logger) *Gateway {
	return &Gateway{
		selfPodID: selfPodID,
		podBal:    podBal,
		logger:    logger.With().Str("component", "gateway").Logger(),
		proxies:   make(map[string]http.Handler),
	}
}

// ForwardIfNeeded asks the pod balancer for the best pod and, if it is
// a peer with a known address, proxies the request there and returns
// true. Returns false when this pod should serve the request itself.
func (g *Gateway) ForwardIfNeeded(w http.ResponseWriter, r *http.Request) bool {
	podID, ok := g.podBal.SelectPod()
	if !ok || podID == g.selfPodID {
		return false
	}

	addr, known := g.podBal.Addr(podID)
	if !known {
		return false
	}

	proxy, err := g.proxyFor(podID, addr)
	if err != nil {
		g.logger.Warn().Err(err).Str("target_pod", podID).Msg("failed to build forwarding proxy")
		return false
	}

	g.logger.Debug().Str("target_pod", podID).Str("path", r.URL.Path).Msg("forwarding connection to peer pod")
	proxy.ServeHTTP(w, r)
	return true
}

func (g *Gateway) proxyFor(podID, addr string) (http.Handler, error) {
	g.mu.RLock()
	if p, ok := g.proxies[podID]; ok {
		g.mu.RUnlock()
		return p, nil
	}
	g.mu.RUnlock()

	target, err := url.Parse(fmt.Sprintf("ws://%s", addr))
	if err != nil {
		return nil, err
	}
	proxy := websocketproxy.NewProxy(target)

	g.mu.Lock()
	g.proxies[podID] = proxy
	g.mu.Unlock()

	return proxy, nil
}
