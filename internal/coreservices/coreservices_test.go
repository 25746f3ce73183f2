package coreservices_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosey-chat/rosey-core/internal/bus"
	"github.com/rosey-chat/rosey-core/internal/coreservices"
	"github.com/rosey-chat/rosey-core/internal/envelope"
	"github.com/rosey-chat/rosey-core/internal/memory"
	"github.com/rosey-chat/rosey-core/internal/ratelimit"
)

func newConnectedMemoryBus(t *testing.T) *bus.MemoryBus {
	t.Helper()
	b := bus.NewMemoryBus()
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Disconnect() })
	return b
}

func TestRateLimitServiceCheckAndRecordOverBus(t *testing.T) {
	b := newConnectedMemoryBus(t)
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 2})
	svc := coreservices.NewRateLimitService(limiter, b)
	_, err := svc.Subscribe()
	require.NoError(t, err)

	checkReq := func(principal string) map[string]any {
		env, err := envelope.New("rosey.ratelimit.check", "ratelimit.check", "test", map[string]any{"principal": principal})
		require.NoError(t, err)
		reply, err := b.Request(context.Background(), "rosey.ratelimit.check", env, time.Second)
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, reply.DecodeData(&out))
		return out
	}

	recordReq := func(principal string) {
		env, err := envelope.New("rosey.ratelimit.record", "ratelimit.record", "test", map[string]any{"principal": principal})
		require.NoError(t, err)
		_, err = b.Request(context.Background(), "rosey.ratelimit.record", env, time.Second)
		require.NoError(t, err)
	}

	out := checkReq("alice")
	assert.Equal(t, true, out["allow"])
	recordReq("alice")

	out = checkReq("alice")
	assert.Equal(t, true, out["allow"])
	recordReq("alice")

	out = checkReq("alice")
	assert.Equal(t, false, out["allow"])
	assert.Equal(t, "minute", out["window"])
}

func TestMemoryServiceRememberRecallOverBus(t *testing.T) {
	b := newConnectedMemoryBus(t)
	kv, err := b.KV(context.Background(), "memory")
	require.NoError(t, err)
	store := memory.New(kv)
	svc := coreservices.NewMemoryService(store, b)
	_, err = svc.Subscribe()
	require.NoError(t, err)

	rememberEnv, err := envelope.New("rosey.memory.general.remember", "memory.remember", "test", map[string]any{
		"content":    "the user prefers dark mode",
		"category":   "preference",
		"importance": 4,
	})
	require.NoError(t, err)
	reply, err := b.Request(context.Background(), "rosey.memory.general.remember", rememberEnv, time.Second)
	require.NoError(t, err)
	var rememberOut map[string]any
	require.NoError(t, reply.DecodeData(&rememberOut))
	require.NotEmpty(t, rememberOut["memory_id"])

	recallEnv, err := envelope.New("rosey.memory.general.recall", "memory.recall", "test", map[string]any{
		"query": "dark mode",
	})
	require.NoError(t, err)
	reply, err = b.Request(context.Background(), "rosey.memory.general.recall", recallEnv, time.Second)
	require.NoError(t, err)
	var recallOut struct {
		Matches []string `json:"matches"`
	}
	require.NoError(t, reply.DecodeData(&recallOut))
	require.Len(t, recallOut.Matches, 1)
	assert.Contains(t, recallOut.Matches[0], "dark mode")
}

func TestMemoryServiceAppendAndRecentOverBus(t *testing.T) {
	b := newConnectedMemoryBus(t)
	kv, err := b.KV(context.Background(), "memory")
	require.NoError(t, err)
	store := memory.New(kv)
	svc := coreservices.NewMemoryService(store, b)
	_, err = svc.Subscribe()
	require.NoError(t, err)

	for _, content := range []string{"hi", "how are you"} {
		env, err := envelope.New("rosey.memory.general.append", "memory.append", "test", map[string]any{
			"role":    "user",
			"content": content,
			"user":    "bob",
		})
		require.NoError(t, err)
		_, err = b.Request(context.Background(), "rosey.memory.general.append", env, time.Second)
		require.NoError(t, err)
	}

	recentEnv, err := envelope.New("rosey.memory.general.recent", "memory.recent", "test", map[string]any{})
	require.NoError(t, err)
	reply, err := b.Request(context.Background(), "rosey.memory.general.recent", recentEnv, time.Second)
	require.NoError(t, err)
	var recentOut struct {
		Messages []memory.Message `json:"messages"`
	}
	require.NoError(t, reply.DecodeData(&recentOut))
	require.Len(t, recentOut.Messages, 2)
	assert.Equal(t, "how are you", recentOut.Messages[1].Content)
}
