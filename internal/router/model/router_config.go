package model

// PoolConfig is the declarative configuration for one processing pool.
type PoolConfig struct {
	Code               string `json:"code"`
	Concurrency        int    `json:"concurrency"`
	RateLimitPerMinute *int   `json:"rateLimitPerMinute,omitempty"`
	MaxQueueDepth      int    `json:"maxQueueDepth"`
}

// QueueKind identifies which QueueConsumer variant serves a QueueMapping.
type QueueKind string

const (
	// QueueKindFIFO is the cloud FIFO queue variant (AWS SQS FIFO).
	QueueKindFIFO QueueKind = "FIFO"
	// QueueKindJMS is the JMS/broker variant (NATS JetStream durable consumer).
	QueueKindJMS QueueKind = "JMS"
)

// QueueMapping binds a queue identifier to the broker variant and
// broker-specific address that serves it.
type QueueMapping struct {
	QueueID string    `json:"queueId"`
	Kind    QueueKind `json:"kind"`
	URL     string    `json:"url"`
}

// RouterConfig is the declarative desired state the router reconciles
// against: the set of pools and the set of queue consumers that should be
// live. Delivered by the control plane (§6) or, absent a reachable control
// plane, loaded from a local TOML snapshot (see internal/config).
type RouterConfig struct {
	Pools  []PoolConfig   `json:"pools"`
	Queues []QueueMapping `json:"queues"`
}
