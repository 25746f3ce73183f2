package bus

import "context"

// KVStore is a durable key/value bucket exposed by the bus broker, used by
// internal/memory for per-channel conversational state. One bucket holds
// every key for a single core instance (spec §4.J, §6 "Persisted state").
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}
