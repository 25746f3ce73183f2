package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rosey-chat/rosey-core/internal/envelope"
	"github.com/rosey-chat/rosey-core/internal/rosyerr"
	"github.com/rosey-chat/rosey-core/internal/subject"
)

// MemoryBus is an in-process Bus implementation with no broker dependency,
// used for tests and for embedding Rosey Core without a NATS deployment.
// It honors the same subject wildcard matching as the production bus.
type MemoryBus struct {
	mu        sync.RWMutex
	connected bool
	nextID    int64

	subs map[string]*memSub

	streams map[string]StreamConfig
	kvs     map[string]*memKV

	onConnect    []func()
	onDisconnect []func()
	onError      []func(error)
}

type memSub struct {
	id      string
	subject string
	queue   string
	handler Handler
}

// NewMemoryBus constructs an unconnected in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:    make(map[string]*memSub),
		streams: make(map[string]StreamConfig),
		kvs:     make(map[string]*memKV),
	}
}

func (b *MemoryBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.fireConnect()
	return nil
}

func (b *MemoryBus) Disconnect() error {
	b.mu.Lock()
	wasConnected := b.connected
	b.connected = false
	b.mu.Unlock()
	if wasConnected {
		b.fireDisconnect()
	}
	return nil
}

func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *MemoryBus) Publish(subj string, env *envelope.Envelope) error {
	if !b.IsConnected() {
		return rosyerr.ErrNotConnected
	}
	if err := env.Validate(); err != nil {
		return err
	}

	// Snapshot matching handlers, grouped by queue so that a queue group
	// delivers to exactly one member, picked by a shared counter over the
	// members in map iteration order (no fixed rotation).
	b.mu.RLock()
	direct := make([]*memSub, 0)
	queues := make(map[string][]*memSub)
	for _, s := range b.subs {
		if !subject.Matches(subj, s.subject) {
			continue
		}
		if s.queue == "" {
			direct = append(direct, s)
		} else {
			queues[s.queue] = append(queues[s.queue], s)
		}
	}
	b.mu.RUnlock()

	for _, s := range direct {
		go s.handler(context.Background(), env)
	}
	for _, members := range queues {
		picked := members[int(atomic.AddInt64(&b.nextID, 1))%len(members)]
		go picked.handler(context.Background(), env)
	}
	return nil
}

func (b *MemoryBus) PublishDurable(ctx context.Context, subj string, env *envelope.Envelope) (*Ack, error) {
	if err := b.Publish(subj, env); err != nil {
		return nil, err
	}
	return &Ack{Stream: "memory", Sequence: uint64(atomic.AddInt64(&b.nextID, 1))}, nil
}

func (b *MemoryBus) Subscribe(subj string, h Handler) (*Subscription, error) {
	return b.subscribe(subj, "", h)
}

func (b *MemoryBus) SubscribeQueue(subj, queue string, h Handler) (*Subscription, error) {
	return b.subscribe(subj, queue, h)
}

func (b *MemoryBus) subscribe(subj, queue string, h Handler) (*Subscription, error) {
	if err := subject.ValidatePattern(subj); err != nil {
		return nil, err
	}
	id := fmt.Sprintf("%s#%d", subj, atomic.AddInt64(&b.nextID, 1))
	b.mu.Lock()
	b.subs[id] = &memSub{id: id, subject: subj, queue: queue, handler: h}
	b.mu.Unlock()
	return &Subscription{ID: id, Subject: subj}, nil
}

// Unsubscribe removes the subscription so no further published messages are
// delivered to it; matches the production bus's fixed non-leaking behavior.
func (b *MemoryBus) Unsubscribe(sub *Subscription) error {
	b.mu.Lock()
	delete(b.subs, sub.ID)
	b.mu.Unlock()
	return nil
}

// Request allocates a single-use reply inbox rooted in the rosey subject
// grammar (subject.ValidatePattern rejects anything not rooted at "rosey",
// so a bare "_INBOX.N" would fail subscription), publishes env with that
// inbox in metadata["reply_to"], and waits for the first reply or timeout.
func (b *MemoryBus) Request(ctx context.Context, subj string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	replySubj := subject.Build("internal", "inbox", fmt.Sprintf("%d", atomic.AddInt64(&b.nextID, 1)))
	replyCh := make(chan *envelope.Envelope, 1)

	replySub, err := b.subscribe(replySubj, "", func(_ context.Context, e *envelope.Envelope) {
		select {
		case replyCh <- e:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer b.Unsubscribe(replySub)

	env.WithMetadata("reply_to", replySubj)
	if err := b.Publish(subj, env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, rosyerr.ErrRequestTimeout
	case <-ctx.Done():
		return nil, rosyerr.ErrRequestTimeout
	}
}

func (b *MemoryBus) Reply(original *envelope.Envelope, payload any) error {
	replySubj, ok := original.Metadata["reply_to"]
	if !ok || replySubj == "" {
		return rosyerr.ErrInvalidSubject
	}
	replyEnv, err := envelope.New(replySubj, original.EventType+".reply", "rosey-core", payload)
	if err != nil {
		return err
	}
	replyEnv.WithCorrelationID(original.CorrelationID)
	return b.Publish(replySubj, replyEnv)
}

func (b *MemoryBus) CreateStream(cfg StreamConfig) error {
	b.mu.Lock()
	b.streams[cfg.Name] = cfg
	b.mu.Unlock()
	return nil
}

// KV returns (creating if necessary) an in-process key/value bucket. It
// exists so tests and embedded use can exercise internal/memory without a
// NATS deployment, matching MemoryBus's role for the rest of the bus.
func (b *MemoryBus) KV(_ context.Context, bucket string) (KVStore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kv, ok := b.kvs[bucket]
	if !ok {
		kv = &memKV{data: make(map[string][]byte)}
		b.kvs[bucket] = kv
	}
	return kv, nil
}

type memKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func (k *memKV) Get(_ context.Context, key string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.data[key]
	if !ok {
		return nil, rosyerr.ErrKVUnavailable
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (k *memKV) Put(_ context.Context, key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	k.data[key] = stored
	return nil
}

func (k *memKV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, key)
	return nil
}

func (k *memKV) Keys(_ context.Context, prefix string) ([]string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.data))
	for key := range k.data {
		if prefix == "" || (len(key) >= len(prefix) && key[:len(prefix)] == prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (b *MemoryBus) OnConnect(f func())    { b.mu.Lock(); b.onConnect = append(b.onConnect, f); b.mu.Unlock() }
func (b *MemoryBus) OnDisconnect(f func()) { b.mu.Lock(); b.onDisconnect = append(b.onDisconnect, f); b.mu.Unlock() }
func (b *MemoryBus) OnError(f func(error)) { b.mu.Lock(); b.onError = append(b.onError, f); b.mu.Unlock() }

func (b *MemoryBus) fireConnect() {
	b.mu.RLock()
	cbs := append([]func(){}, b.onConnect...)
	b.mu.RUnlock()
	for _, cb := range cbs {
		cb()
	}
}

func (b *MemoryBus) fireDisconnect() {
	b.mu.RLock()
	cbs := append([]func(){}, b.onDisconnect...)
	b.mu.RUnlock()
	for _, cb := range cbs {
		cb()
	}
}
