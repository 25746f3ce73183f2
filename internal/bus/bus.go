// Package bus defines the publish/subscribe abstraction that every other
// component talks through: connection lifecycle, at-most-once publish,
// at-least-once durable publish, subscribe, and request/reply.
package bus

import (
	"context"
	"time"

	"github.com/rosey-chat/rosey-core/internal/envelope"
)

// Handler processes a received envelope. It must be non-blocking or
// cooperatively yield. NATSBus runs it on the NATS client's dispatch
// goroutine for its subscription; MemoryBus runs each delivery on its own
// goroutine, so MemoryBus does not preserve delivery order within a
// subscription.
type Handler func(ctx context.Context, env *envelope.Envelope)

// RetentionPolicy selects how a durable stream retains messages.
type RetentionPolicy int

const (
	RetentionLimits RetentionPolicy = iota
	RetentionInterest
	RetentionWorkQueue
)

// StreamConfig describes a durable stream to create or ensure exists.
type StreamConfig struct {
	Name      string
	Subjects  []string
	Retention RetentionPolicy
	MaxMsgs   int64
	MaxBytes  int64
}

// Ack confirms a durable publish was persisted by the broker.
type Ack struct {
	Stream   string
	Sequence uint64
}

// Subscription is a handle returned by Subscribe, used to cancel it.
type Subscription struct {
	ID      string
	Subject string
}

// Bus is the full connection and messaging contract used by every
// component above it. NATSBus is the production implementation; MemoryBus
// is an in-process implementation for tests and embedded use without a
// broker.
type Bus interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	Publish(subj string, env *envelope.Envelope) error
	PublishDurable(ctx context.Context, subj string, env *envelope.Envelope) (*Ack, error)

	Subscribe(subj string, h Handler) (*Subscription, error)
	SubscribeQueue(subj, queue string, h Handler) (*Subscription, error)
	Unsubscribe(sub *Subscription) error

	Request(ctx context.Context, subj string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error)
	Reply(original *envelope.Envelope, payload any) error

	CreateStream(cfg StreamConfig) error

	// KV returns (creating if necessary) the named durable key/value
	// bucket backing internal/memory.
	KV(ctx context.Context, bucket string) (KVStore, error)

	OnConnect(func())
	OnDisconnect(func())
	OnError(func(error))
}
