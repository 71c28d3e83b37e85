// Package session implements the per-connection state machine:
// heartbeat timer, inbound frame parsing, outbound serialization, and
// register/unregister lifecycle against a relay shard.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relaymesh/internal/logging"
	"github.com/relaymesh/relaymesh/internal/relay"
	"github.com/relaymesh/relaymesh/internal/relaymetrics"
)

// State is the session's lifecycle state.
type State int

const (
	StateOpened State = iota
	StateActive
	StateClosing
	StateClosed
)

// ShardRef is the narrow view of relay.Shard a session needs: register,
// unregister, and forward a user message. Kept as an interface so
// tests can substitute a fake shard.
type ShardRef interface {
	Register(username string, session relay.SessionHandle)
	Unregister(username string)
	UserMessage(username, content string)
}

// Config tunes the session's ping interval and client timeout.
type Config struct {
	PingInterval  time.Duration // 6s
	ClientTimeout time.Duration // 12s
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 6 * time.Second
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = 12 * time.Second
	}
}

// clientMessage is the inbound JSON schema for a Text frame.
type clientMessage struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

// outboundPayload is the outbound JSON schema. Content is omitted for
// Join/Leave via omitempty so those frames carry only
// {"username": ...}.
type outboundPayload struct {
	Username string `json:"username"`
	Content  string `json:"content,omitempty"`
}

// Session is one upgraded client connection bound to a username and a
// shard. All state transitions happen on the single goroutine running
// Serve; outbound events arrive over a buffered channel so the shard's
// fan-out never blocks on a slow reader.
type Session struct {
	Username string
	shard    ShardRef
	conn     *websocket.Conn
	cfg      Config
	logger   zerolog.Logger
	metrics  *relaymetrics.Metrics

	outbound chan relay.OutboundEvent

	mu            sync.Mutex
	state         State
	lastHeartbeat time.Time
}

// New constructs a session for an already-upgraded websocket
// connection. metrics may be nil, in which case Prometheus observations
// are skipped. Call Serve to run its lifecycle to completion.
func New(username string, conn *websocket.Conn, shard ShardRef, cfg Config, logger zerolog.Logger, metrics *relaymetrics.Metrics) *Session {
	cfg.applyDefaults()
	return &Session{
		Username: username,
		shard:    shard,
		conn:     conn,
		cfg:      cfg,
		logger:   logger.With().Str("username", username).Logger(),
		metrics:  metrics,
		outbound: make(chan relay.OutboundEvent, 256),
		state:    StateOpened,
	}
}

// Deliver implements relay.SessionHandle. It is safe to call from the
// shard's mailbox goroutine; a full outbound buffer drops the event
// rather than blocking the shard (fire-and-forget delivery).
func (s *Session) Deliver(ev relay.OutboundEvent) {
	select {
	case s.outbound <- ev:
	default:
		s.logger.Warn().Str("peer", ev.Username).Msg("outbound buffer full, dropping event")
		if s.metrics != nil {
			s.metrics.MessageDropped("full_buffer")
		}
	}
}

// Serve runs the session to completion: register with the shard, pump
// inbound/outbound frames until heartbeat timeout or a Close frame,
// then unregister. Blocks until the session reaches StateClosed.
func (s *Session) Serve() {
	defer logging.RecoverPanic(s.logger, "session.Serve", map[string]any{"username": s.Username})

	s.setHeartbeat(time.Now())
	s.shard.Register(s.Username, s)
	s.setState(StateActive)

	s.conn.SetReadLimit(4096)

	inbound := make(chan inboundFrame, 32)
	go s.readPump(inbound)

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

loop:
	for s.getState() == StateActive {
		select {
		case frame, ok := <-inbound:
			if !ok {
				s.setState(StateClosing)
				break loop
			}
			s.handleInbound(frame)

		case ev := <-s.outbound:
			s.writeOutbound(ev)

		case <-ticker.C:
			if time.Since(s.getHeartbeat()) > s.cfg.ClientTimeout {
				s.logger.Info().Msg("heartbeat timeout, closing")
				s.setState(StateClosing)
				break loop
			}
			_ = s.conn.WriteMessage(websocket.PingMessage, nil)
		}
	}

	s.shard.Unregister(s.Username)
	s.setState(StateClosed)
	_ = s.conn.Close()
}

type frameKind int

const (
	frameText frameKind = iota
	framePing
	framePong
	frameClose
	frameOther
)

type inboundFrame struct {
	kind    frameKind
	payload []byte
}

// readPump runs in its own goroutine translating websocket control and
// data frames into inboundFrame values, using a dedicated read
// goroutine so a slow writer never blocks inbound reads.
func (s *Session) readPump(out chan<- inboundFrame) {
	defer close(out)
	defer logging.RecoverPanic(s.logger, "session.readPump", map[string]any{"username": s.Username})

	s.conn.SetPongHandler(func(payload string) error {
		select {
		case out <- inboundFrame{kind: framePong, payload: []byte(payload)}:
		default:
		}
		return nil
	})
	s.conn.SetPingHandler(func(payload string) error {
		select {
		case out <- inboundFrame{kind: framePing, payload: []byte(payload)}:
		default:
		}
		return s.conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(5*time.Second))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			out <- inboundFrame{kind: frameText, payload: data}
		case websocket.CloseMessage:
			out <- inboundFrame{kind: frameClose}
			return
		default:
			out <- inboundFrame{kind: frameOther}
		}
	}
}

func (s *Session) handleInbound(frame inboundFrame) {
	switch frame.kind {
	case framePing:
		// SetPingHandler already answers with a Pong; just refresh the
		// heartbeat here.
		s.setHeartbeat(time.Now())
	case framePong:
		s.setHeartbeat(time.Now())
	case frameText:
		var msg clientMessage
		if err := json.Unmarshal(frame.payload, &msg); err != nil {
			return // unparsable frame, dropped silently
		}
		s.shard.UserMessage(s.Username, msg.Content)
	case frameClose:
		s.setState(StateClosing)
	case frameOther:
		// ignored
	}
}

func (s *Session) writeOutbound(ev relay.OutboundEvent) {
	payload := outboundPayload{Username: ev.Username}
	if ev.Kind == relay.OutboundUserMessage {
		payload.Content = ev.Content
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to serialize outbound event")
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug().Err(err).Msg("write failed, closing session")
		s.setState(StateClosing)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setHeartbeat(t time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = t
	s.mu.Unlock()
}

func (s *Session) getHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}
