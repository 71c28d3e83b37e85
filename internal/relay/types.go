package relay

// SessionHandle is the shard's view of a registered connection: a
// mailbox it can fire-and-forget outbound events into. Implemented by
// internal/session.Session; kept as a narrow interface here so relay
// does not import session (sessions own shards, not the reverse).
type SessionHandle interface {
	// Deliver enqueues an outbound event for the session's own
	// serialization/write path. Implementations must not block the
	// caller beyond a bounded enqueue; it must never suspend the sender
	// beyond that enqueue.
	Deliver(ev OutboundEvent)
}

// OutboundEvent is the sum type of events a shard fans out to its
// local sessions, matching the session package's outbound JSON payloads.
type OutboundEvent struct {
	Kind     OutboundKind
	Username string
	Content  string // only set for UserMessage
}

// OutboundKind tags the variant of OutboundEvent.
type OutboundKind int

const (
	OutboundUserMessage OutboundKind = iota
	OutboundJoinEvent
	OutboundUnRegisterConnection
)

// ShardMetrics is the mutable counters a shard's own goroutine owns
// exclusively.
type ShardMetrics struct {
	MessageCount    uint64
	LastMessageUnix int64
	AvgResponseMs   float64
}

// ShardMetricsView is the read-only snapshot the balancer holds per
// shard.
type ShardMetricsView struct {
	ShardID            uint32
	ActiveConnections  int
	MessageThroughput  float64 // msg/s
	AvgResponseTimeMs  float64
	LastUpdatedUnix    int64
}
