package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosey-chat/rosey-core/internal/bus"
	"github.com/rosey-chat/rosey-core/internal/memory"
)

func newStore(t *testing.T, limit int) *memory.Store {
	t.Helper()
	b := bus.NewMemoryBus()
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { b.Disconnect() })
	kv, err := b.KV(context.Background(), "memory")
	require.NoError(t, err)
	return memory.NewWithLimit(kv, limit)
}

func TestAppendThenRecentReturnsInAppendOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 50)

	require.NoError(t, s.AppendMessage(ctx, "main", memory.RoleUser, "hello", "alice"))
	require.NoError(t, s.AppendMessage(ctx, "main", memory.RoleAssistant, "hi there", ""))
	require.NoError(t, s.AppendMessage(ctx, "main", memory.RoleUser, "how are you", "alice"))

	got, err := s.RecentMessages(ctx, "main", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hi there", got[0].Content)
	assert.Equal(t, "how are you", got[1].Content)
}

func TestAppendTrimsOldestOnceOver2N(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 2) // 2N = 4

	for i := 0; i < 6; i++ {
		require.NoError(t, s.AppendMessage(ctx, "main", memory.RoleUser, string(rune('a'+i)), ""))
	}

	got, err := s.RecentMessages(ctx, "main", 10)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "c", got[0].Content)
	assert.Equal(t, "f", got[3].Content)
}

func TestResetContextReturnsPreviousLength(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 50)
	require.NoError(t, s.AppendMessage(ctx, "main", memory.RoleUser, "one", ""))
	require.NoError(t, s.AppendMessage(ctx, "main", memory.RoleUser, "two", ""))

	n, err := s.ResetContext(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.RecentMessages(ctx, "main", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRememberRecallRankedByImportanceThenRecency(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 50)

	_, err := s.Remember(ctx, "main", "likes pizza", memory.CategoryPreference, 3, "alice")
	require.NoError(t, err)
	_, err = s.Remember(ctx, "main", "favorite topic is pizza toppings", memory.CategoryTopic, 5, "alice")
	require.NoError(t, err)
	_, err = s.Remember(ctx, "main", "unrelated fact about weather", memory.CategoryFact, 1, "")
	require.NoError(t, err)

	results, err := s.Recall(ctx, "main", "pizza", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "favorite topic is pizza toppings", results[0])
}

func TestForgetRemovesMemoryAndReportsExistence(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 50)

	id, err := s.Remember(ctx, "main", "temp fact", memory.CategoryFact, 2, "")
	require.NoError(t, err)

	ok, err := s.Forget(ctx, "main", id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Forget(ctx, "main", id)
	require.NoError(t, err)
	assert.False(t, ok)
}
