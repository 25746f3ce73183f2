package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/rosey-chat/rosey-core/internal/envelope"
	"github.com/rosey-chat/rosey-core/internal/rosyerr"
	"github.com/rosey-chat/rosey-core/internal/rosylog"
	"github.com/rosey-chat/rosey-core/internal/subject"
)

// NATSConfig configures a NATSBus connection.
type NATSConfig struct {
	URL                  string
	User                 string
	Password             string
	Name                 string
	MaxReconnectAttempts int
	ReconnectWait        time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "rosey-core"
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	return c
}

// NATSBus is the production Bus implementation backed by a NATS connection,
// using JetStream for durable publish and stream management.
type NATSBus struct {
	cfg NATSConfig

	mu   sync.RWMutex
	conn *nats.Conn
	js   nats.JetStreamContext

	subs map[string]*nats.Subscription

	onConnect    []func()
	onDisconnect []func()
	onError      []func(error)
}

// NewNATSBus constructs a NATSBus; call Connect to establish the connection.
func NewNATSBus(cfg NATSConfig) *NATSBus {
	return &NATSBus{
		cfg:  cfg.withDefaults(),
		subs: make(map[string]*nats.Subscription),
	}
}

func (b *NATSBus) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(b.cfg.Name),
		nats.ReconnectWait(b.cfg.ReconnectWait),
		nats.MaxReconnects(b.cfg.MaxReconnectAttempts),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			rosylog.Bus().Warn().Err(err).Msg("bus disconnected")
			b.fireDisconnect()
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			rosylog.Bus().Info().Msg("bus reconnected")
			b.fireConnect()
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subj := ""
			if sub != nil {
				subj = sub.Subject
			}
			rosylog.Bus().Error().Err(err).Str("subject", subj).Msg("bus async error")
			b.fireError(err)
		}),
	}
	if b.cfg.User != "" {
		opts = append(opts, nats.UserInfo(b.cfg.User, b.cfg.Password))
	}

	conn, err := nats.Connect(b.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", rosyerr.ErrNotConnected, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: jetstream: %v", rosyerr.ErrNotConnected, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.js = js
	b.mu.Unlock()

	b.fireConnect()
	return nil
}

func (b *NATSBus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("bus: drain failed: %w", err)
	}
	return nil
}

func (b *NATSBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil && b.conn.IsConnected()
}

func (b *NATSBus) Publish(subj string, env *envelope.Envelope) error {
	conn := b.connOrNil()
	if conn == nil {
		return rosyerr.ErrNotConnected
	}
	payload, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if err := conn.Publish(subj, payload); err != nil {
		return fmt.Errorf("%w: %v", rosyerr.ErrPublishFailed, err)
	}
	return nil
}

func (b *NATSBus) PublishDurable(ctx context.Context, subj string, env *envelope.Envelope) (*Ack, error) {
	b.mu.RLock()
	js := b.js
	b.mu.RUnlock()
	if js == nil {
		return nil, rosyerr.ErrNotConnected
	}
	payload, err := envelope.Encode(env)
	if err != nil {
		return nil, err
	}
	pubAck, err := js.Publish(subj, payload, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rosyerr.ErrPublishFailed, err)
	}
	return &Ack{Stream: pubAck.Stream, Sequence: pubAck.Sequence}, nil
}

func (b *NATSBus) Subscribe(subj string, h Handler) (*Subscription, error) {
	return b.subscribe(subj, "", h)
}

func (b *NATSBus) SubscribeQueue(subj, queue string, h Handler) (*Subscription, error) {
	return b.subscribe(subj, queue, h)
}

func (b *NATSBus) subscribe(subj, queue string, h Handler) (*Subscription, error) {
	conn := b.connOrNil()
	if conn == nil {
		return nil, rosyerr.ErrNotConnected
	}

	natsHandler := func(msg *nats.Msg) {
		env, err := envelope.Decode(msg.Data)
		if err != nil {
			rosylog.Bus().Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable message")
			return
		}
		if msg.Reply != "" {
			env.WithMetadata("reply_to", msg.Reply)
		}
		h(context.Background(), env)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = conn.QueueSubscribe(subj, queue, natsHandler)
	} else {
		sub, err = conn.Subscribe(subj, natsHandler)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rosyerr.ErrSubscribeFailed, err)
	}

	id := subscriptionID(subj, sub)
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return &Subscription{ID: id, Subject: subj}, nil
}

func subscriptionID(subj string, sub *nats.Subscription) string {
	return fmt.Sprintf("%s#%p", subj, sub)
}

// Unsubscribe cancels the broker-side subscription. This deliberately does
// not reproduce the reference implementation's bug of only forgetting a
// local handler reference; it calls through to the NATS subscription's own
// Unsubscribe so no further messages are delivered or counted against the
// connection's pending limits.
func (b *NATSBus) Unsubscribe(sub *Subscription) error {
	b.mu.Lock()
	natsSub, ok := b.subs[sub.ID]
	if ok {
		delete(b.subs, sub.ID)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	if err := natsSub.Unsubscribe(); err != nil {
		return fmt.Errorf("bus: unsubscribe failed: %w", err)
	}
	return nil
}

// Request allocates a single-use reply inbox rooted in the rosey subject
// grammar (rather than relying on NATS's own "_INBOX.*" convention, which
// doesn't satisfy subject.Validate), publishes env with that inbox in
// metadata["reply_to"], and waits for the first reply or timeout. The inbox
// subscription is cancelled as soon as one reply arrives or the deadline
// passes; late replies are dropped silently (spec §4.C).
func (b *NATSBus) Request(ctx context.Context, subj string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	if b.connOrNil() == nil {
		return nil, rosyerr.ErrNotConnected
	}

	inbox := subject.Build("internal", "inbox", uuid.NewString())
	replyCh := make(chan *envelope.Envelope, 1)
	sub, err := b.subscribe(inbox, "", func(_ context.Context, e *envelope.Envelope) {
		select {
		case replyCh <- e:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rosyerr.ErrSubscribeFailed, err)
	}
	defer b.Unsubscribe(sub)

	env.WithMetadata("reply_to", inbox)
	if err := b.Publish(subj, env); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-reqCtx.Done():
		return nil, rosyerr.ErrRequestTimeout
	}
}

func (b *NATSBus) Reply(original *envelope.Envelope, payload any) error {
	conn := b.connOrNil()
	if conn == nil {
		return rosyerr.ErrNotConnected
	}
	replySubj, ok := original.Metadata["reply_to"]
	if !ok || replySubj == "" {
		return rosyerr.ErrInvalidSubject
	}
	replyEnv, err := envelope.New(replySubj, original.EventType+".reply", "rosey-core", payload)
	if err != nil {
		return err
	}
	replyEnv.WithCorrelationID(original.CorrelationID)
	data, err := envelope.Encode(replyEnv)
	if err != nil {
		return err
	}
	if err := conn.Publish(replySubj, data); err != nil {
		return fmt.Errorf("%w: %v", rosyerr.ErrPublishFailed, err)
	}
	return nil
}

func (b *NATSBus) CreateStream(cfg StreamConfig) error {
	b.mu.RLock()
	js := b.js
	b.mu.RUnlock()
	if js == nil {
		return rosyerr.ErrNotConnected
	}

	retention := nats.LimitsPolicy
	switch cfg.Retention {
	case RetentionInterest:
		retention = nats.InterestPolicy
	case RetentionWorkQueue:
		retention = nats.WorkQueuePolicy
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		Retention: retention,
		MaxMsgs:   cfg.MaxMsgs,
		MaxBytes:  cfg.MaxBytes,
	})
	if err != nil {
		return fmt.Errorf("bus: create stream %s: %w", cfg.Name, err)
	}
	return nil
}

// KV returns a JetStream KV bucket, creating it with a sensible default
// history/TTL if it doesn't already exist, mirroring the
// get-or-create-stream idiom already used by CreateStream.
func (b *NATSBus) KV(ctx context.Context, bucket string) (KVStore, error) {
	b.mu.RLock()
	js := b.js
	b.mu.RUnlock()
	if js == nil {
		return nil, rosyerr.ErrNotConnected
	}

	kv, err := js.KeyValue(bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
		if err != nil {
			return nil, fmt.Errorf("bus: create kv bucket %s: %w", bucket, err)
		}
	}
	return &natsKV{kv: kv}, nil
}

type natsKV struct {
	kv nats.KeyValue
}

func (k *natsKV) Get(_ context.Context, key string) ([]byte, error) {
	entry, err := k.kv.Get(key)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil, rosyerr.ErrKVUnavailable
		}
		return nil, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return entry.Value(), nil
}

func (k *natsKV) Put(_ context.Context, key string, value []byte) error {
	if _, err := k.kv.Put(key, value); err != nil {
		return fmt.Errorf("kv: put %s: %w", key, err)
	}
	return nil
}

func (k *natsKV) Delete(_ context.Context, key string) error {
	if err := k.kv.Delete(key); err != nil {
		return fmt.Errorf("kv: delete %s: %w", key, err)
	}
	return nil
}

func (k *natsKV) Keys(_ context.Context, prefix string) ([]string, error) {
	keys, err := k.kv.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("kv: keys: %w", err)
	}
	if prefix == "" {
		return keys, nil
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, key)
		}
	}
	return out, nil
}

func (b *NATSBus) OnConnect(f func())      { b.mu.Lock(); b.onConnect = append(b.onConnect, f); b.mu.Unlock() }
func (b *NATSBus) OnDisconnect(f func())   { b.mu.Lock(); b.onDisconnect = append(b.onDisconnect, f); b.mu.Unlock() }
func (b *NATSBus) OnError(f func(error))   { b.mu.Lock(); b.onError = append(b.onError, f); b.mu.Unlock() }

func (b *NATSBus) connOrNil() *nats.Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn
}

func (b *NATSBus) fireConnect() {
	b.mu.RLock()
	cbs := append([]func(){}, b.onConnect...)
	b.mu.RUnlock()
	for _, cb := range cbs {
		cb()
	}
}

func (b *NATSBus) fireDisconnect() {
	b.mu.RLock()
	cbs := append([]func(){}, b.onDisconnect...)
	b.mu.RUnlock()
	for _, cb := range cbs {
		cb()
	}
}

func (b *NATSBus) fireError(err error) {
	b.mu.RLock()
	cbs := append([]func(error){}, b.onError...)
	b.mu.RUnlock()
	for _, cb := range cbs {
		cb(err)
	}
}
