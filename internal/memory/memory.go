// Package memory is a typed wrapper over the bus-backed durable KV service:
// a bounded per-channel list of recent messages, and a per-channel map of
// id -> structured memory (fact/preference/topic, importance 1-5). Grounded
// on the teacher's cache.go Get-deserialize/mutate/Set-serialize round trip
// (api/internal/cache/cache.go), generalized from a single-struct cache
// value to the two JSON-blob schemas spec §3 "Memory" describes, stored
// through internal/bus's KVStore rather than Redis directly.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rosey-chat/rosey-core/internal/bus"
	"github.com/rosey-chat/rosey-core/internal/rosyerr"
	"github.com/rosey-chat/rosey-core/internal/rosylog"
)

// Role is the speaker of a recent message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Category classifies a remembered fact, per spec §3.
type Category string

const (
	CategoryFact       Category = "fact"
	CategoryPreference Category = "preference"
	CategoryTopic      Category = "topic"
)

// Message is one entry in a channel's recent-message window.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	User      string    `json:"user,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is one structured memory stored under a channel.
type Record struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Category  Category  `json:"category"`
	Importance int       `json:"importance"`
	User      string    `json:"user,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultRecentLimit (N) is the default recent_messages() return count and
// half the trim threshold (2N), per spec §3/§4.J.
const DefaultRecentLimit = 50

// Store is the Memory/KV abstraction of spec §4.J.
type Store struct {
	kv bus.KVStore
	n  int
}

// New wraps kv with the default recency window.
func New(kv bus.KVStore) *Store {
	return &Store{kv: kv, n: DefaultRecentLimit}
}

// NewWithLimit wraps kv with a custom recency window N.
func NewWithLimit(kv bus.KVStore, n int) *Store {
	if n <= 0 {
		n = DefaultRecentLimit
	}
	return &Store{kv: kv, n: n}
}

func messagesKey(channel string) string { return fmt.Sprintf("messages:%s:recent", channel) }

func memoryKey(channel, id string) string { return fmt.Sprintf("memories:%s:%s", channel, id) }

func memoryPrefix(channel string) string { return fmt.Sprintf("memories:%s:", channel) }

// AppendMessage reads the channel's recent list, appends one message, trims
// oldest-first once the list exceeds 2N entries, and writes it back (spec
// §4.J append_message).
func (s *Store) AppendMessage(ctx context.Context, channel string, role Role, content, user string) error {
	msgs, err := s.loadMessages(ctx, channel)
	if err != nil {
		return err
	}
	msgs = append(msgs, Message{Role: role, Content: content, User: user, Timestamp: time.Now()})

	if limit := 2 * s.n; len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("memory: marshal messages: %w", err)
	}
	if err := s.kv.Put(ctx, messagesKey(channel), raw); err != nil {
		return fmt.Errorf("%w: %v", rosyerr.ErrKVUnavailable, err)
	}
	return nil
}

// RecentMessages returns the last limit messages for channel, newest last,
// defaulting to N when limit <= 0 (spec §4.J recent_messages).
func (s *Store) RecentMessages(ctx context.Context, channel string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = s.n
	}
	msgs, err := s.loadMessages(ctx, channel)
	if err != nil {
		return nil, err
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// ResetContext deletes the channel's recent-message list and returns how
// many entries it held (spec §4.J reset_context).
func (s *Store) ResetContext(ctx context.Context, channel string) (int, error) {
	msgs, err := s.loadMessages(ctx, channel)
	if err != nil {
		return 0, err
	}
	if err := s.kv.Delete(ctx, messagesKey(channel)); err != nil {
		return 0, fmt.Errorf("%w: %v", rosyerr.ErrKVUnavailable, err)
	}
	return len(msgs), nil
}

func (s *Store) loadMessages(ctx context.Context, channel string) ([]Message, error) {
	raw, err := s.kv.Get(ctx, messagesKey(channel))
	if err != nil {
		if err == rosyerr.ErrKVUnavailable {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", rosyerr.ErrKVUnavailable, err)
	}
	if raw == nil {
		return nil, nil
	}
	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("memory: unmarshal messages: %w", err)
	}
	return msgs, nil
}

// Remember stores a structured memory and returns its short id (spec §4.J
// remember).
func (s *Store) Remember(ctx context.Context, channel, content string, category Category, importance int, user string) (string, error) {
	if importance < 1 {
		importance = 1
	}
	if importance > 5 {
		importance = 5
	}
	id := uuid.NewString()[:8]
	rec := Record{
		ID:        id,
		Content:   content,
		Category:  category,
		Importance: importance,
		User:      user,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("memory: marshal record: %w", err)
	}
	if err := s.kv.Put(ctx, memoryKey(channel, id), raw); err != nil {
		return "", fmt.Errorf("%w: %v", rosyerr.ErrKVUnavailable, err)
	}
	rosylog.Memory().Debug().Str("channel", channel).Str("id", id).Msg("memory stored")
	return id, nil
}

// Recall does a naive case-insensitive substring/term match of query against
// every stored memory's content, ranked by importance descending then by
// recency, capped to limit (default 5), per spec §4.J recall.
func (s *Store) Recall(ctx context.Context, channel, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	keys, err := s.kv.Keys(ctx, memoryPrefix(channel))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rosyerr.ErrKVUnavailable, err)
	}

	terms := strings.Fields(strings.ToLower(query))
	var matched []Record
	for _, key := range keys {
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		lower := strings.ToLower(rec.Content)
		if matchesQuery(lower, query, terms) {
			matched = append(matched, rec)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Importance != matched[j].Importance {
			return matched[i].Importance > matched[j].Importance
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]string, len(matched))
	for i, rec := range matched {
		out[i] = rec.Content
	}
	return out, nil
}

func matchesQuery(lower, query string, terms []string) bool {
	if query == "" {
		return true
	}
	if strings.Contains(lower, strings.ToLower(query)) {
		return true
	}
	for _, term := range terms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// Forget deletes one structured memory, reporting whether it existed (spec
// §4.J forget).
func (s *Store) Forget(ctx context.Context, channel, memoryID string) (bool, error) {
	key := memoryKey(channel, memoryID)
	if _, err := s.kv.Get(ctx, key); err != nil {
		return false, nil
	}
	if err := s.kv.Delete(ctx, key); err != nil {
		return false, fmt.Errorf("%w: %v", rosyerr.ErrKVUnavailable, err)
	}
	return true, nil
}
