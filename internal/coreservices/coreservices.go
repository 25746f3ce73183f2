// Package coreservices exposes the rate limiter and memory store as
// bus-addressable services: spec.md §1 frames both as compute "over the
// bus" ("rate-limited compute services", "durable conversational memory
// ... over that bus"), not as library calls private to the router. This
// package subscribes request/reply handlers on the subjects a plugin would
// call, the same dispatch-by-subject shape the router already uses.
// Grounded on api/internal/plugins/event_bus.go's subscriber-map dispatch
// and its handler-panic recovery.
package coreservices

import (
	"context"

	"github.com/rosey-chat/rosey-core/internal/bus"
	"github.com/rosey-chat/rosey-core/internal/envelope"
	"github.com/rosey-chat/rosey-core/internal/memory"
	"github.com/rosey-chat/rosey-core/internal/ratelimit"
	"github.com/rosey-chat/rosey-core/internal/rosylog"
	"github.com/rosey-chat/rosey-core/internal/subject"
)

// RateLimitService answers rosey.ratelimit.{check,record} requests (with
// the principal id carried in the request payload) against a shared
// Limiter.
type RateLimitService struct {
	limiter *ratelimit.Limiter
	b       bus.Bus
}

// NewRateLimitService wraps limiter for bus dispatch.
func NewRateLimitService(limiter *ratelimit.Limiter, b bus.Bus) *RateLimitService {
	return &RateLimitService{limiter: limiter, b: b}
}

// Subscribe registers the check/record handlers. Callers own the returned
// subscriptions and may Unsubscribe them on shutdown.
func (s *RateLimitService) Subscribe() ([]*bus.Subscription, error) {
	subs := make([]*bus.Subscription, 0, 2)

	sub, err := s.b.Subscribe(subject.Build("ratelimit", "check"), s.handleCheck)
	if err != nil {
		return nil, err
	}
	subs = append(subs, sub)

	sub, err = s.b.Subscribe(subject.Build("ratelimit", "record"), s.handleRecord)
	if err != nil {
		return subs, err
	}
	subs = append(subs, sub)

	return subs, nil
}

type principalRequest struct {
	Principal string `json:"principal"`
	Tokens    int64  `json:"tokens"`
}

func (s *RateLimitService) handleCheck(ctx context.Context, env *envelope.Envelope) {
	defer recoverAndLog("ratelimit.check")

	var req principalRequest
	if err := env.DecodeData(&req); err != nil || req.Principal == "" {
		s.replyError(env, "invalid principal")
		return
	}

	decision := s.limiter.Check(req.Principal)
	resp := map[string]any{
		"allow":  decision.Allow,
		"reason": decision.Reason,
	}
	if !decision.Allow {
		resp["window"] = decision.Window
		resp["current"] = decision.Current
		resp["limit"] = decision.Limit
		resp["reset_in_seconds"] = decision.ResetIn.Seconds()
	}
	_ = s.b.Reply(env, resp)
}

func (s *RateLimitService) handleRecord(ctx context.Context, env *envelope.Envelope) {
	defer recoverAndLog("ratelimit.record")

	var req principalRequest
	if err := env.DecodeData(&req); err != nil || req.Principal == "" {
		s.replyError(env, "invalid principal")
		return
	}

	s.limiter.Record(req.Principal, req.Tokens)
	usage := s.limiter.Usage(req.Principal)
	_ = s.b.Reply(env, usage)
}

func (s *RateLimitService) replyError(env *envelope.Envelope, msg string) {
	_ = s.b.Reply(env, map[string]any{"success": false, "error": msg})
}

// MemoryService answers rosey.memory.<channel>.{append,recent,reset,
// remember,recall,forget} requests against a shared memory.Store.
type MemoryService struct {
	store *memory.Store
	b     bus.Bus
}

// NewMemoryService wraps store for bus dispatch.
func NewMemoryService(store *memory.Store, b bus.Bus) *MemoryService {
	return &MemoryService{store: store, b: b}
}

// Subscribe registers every memory operation's handler.
func (s *MemoryService) Subscribe() ([]*bus.Subscription, error) {
	handlers := map[string]bus.Handler{
		"append":   s.handleAppend,
		"recent":   s.handleRecent,
		"reset":    s.handleReset,
		"remember": s.handleRemember,
		"recall":   s.handleRecall,
		"forget":   s.handleForget,
	}

	subs := make([]*bus.Subscription, 0, len(handlers))
	for action, h := range handlers {
		sub, err := s.b.Subscribe(subject.Build("memory", "*", action), h)
		if err != nil {
			return subs, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

type channelRequest struct {
	Channel    string `json:"channel"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	User       string `json:"user"`
	Limit      int    `json:"limit"`
	Category   string `json:"category"`
	Importance int    `json:"importance"`
	Query      string `json:"query"`
	MemoryID   string `json:"memory_id"`
}

func (s *MemoryService) channel(env *envelope.Envelope) string {
	parsed, err := subject.Describe(env.Subject)
	if err != nil || len(parsed.Remainder) == 0 {
		return ""
	}
	// rosey.memory.<channel>.<action> parses with category "memory",
	// Remainder == [<channel>, <action>] under the generic fallback.
	return parsed.Remainder[0]
}

func (s *MemoryService) handleAppend(ctx context.Context, env *envelope.Envelope) {
	defer recoverAndLog("memory.append")
	var req channelRequest
	if err := env.DecodeData(&req); err != nil {
		s.replyError(env, "invalid payload")
		return
	}
	if err := s.store.AppendMessage(ctx, s.channel(env), memory.Role(req.Role), req.Content, req.User); err != nil {
		s.replyError(env, err.Error())
		return
	}
	_ = s.b.Reply(env, map[string]any{"success": true})
}

func (s *MemoryService) handleRecent(ctx context.Context, env *envelope.Envelope) {
	defer recoverAndLog("memory.recent")
	var req channelRequest
	_ = env.DecodeData(&req)
	msgs, err := s.store.RecentMessages(ctx, s.channel(env), req.Limit)
	if err != nil {
		s.replyError(env, err.Error())
		return
	}
	_ = s.b.Reply(env, map[string]any{"messages": msgs})
}

func (s *MemoryService) handleReset(ctx context.Context, env *envelope.Envelope) {
	defer recoverAndLog("memory.reset")
	prev, err := s.store.ResetContext(ctx, s.channel(env))
	if err != nil {
		s.replyError(env, err.Error())
		return
	}
	_ = s.b.Reply(env, map[string]any{"previous_length": prev})
}

func (s *MemoryService) handleRemember(ctx context.Context, env *envelope.Envelope) {
	defer recoverAndLog("memory.remember")
	var req channelRequest
	if err := env.DecodeData(&req); err != nil {
		s.replyError(env, "invalid payload")
		return
	}
	id, err := s.store.Remember(ctx, s.channel(env), req.Content, memory.Category(req.Category), req.Importance, req.User)
	if err != nil {
		s.replyError(env, err.Error())
		return
	}
	_ = s.b.Reply(env, map[string]any{"memory_id": id})
}

func (s *MemoryService) handleRecall(ctx context.Context, env *envelope.Envelope) {
	defer recoverAndLog("memory.recall")
	var req channelRequest
	_ = env.DecodeData(&req)
	contents, err := s.store.Recall(ctx, s.channel(env), req.Query, req.Limit)
	if err != nil {
		s.replyError(env, err.Error())
		return
	}
	_ = s.b.Reply(env, map[string]any{"matches": contents})
}

func (s *MemoryService) handleForget(ctx context.Context, env *envelope.Envelope) {
	defer recoverAndLog("memory.forget")
	var req channelRequest
	if err := env.DecodeData(&req); err != nil {
		s.replyError(env, "invalid payload")
		return
	}
	ok, err := s.store.Forget(ctx, s.channel(env), req.MemoryID)
	if err != nil {
		s.replyError(env, err.Error())
		return
	}
	_ = s.b.Reply(env, map[string]any{"deleted": ok})
}

func (s *MemoryService) replyError(env *envelope.Envelope, msg string) {
	_ = s.b.Reply(env, map[string]any{"success": false, "error": msg})
}

func recoverAndLog(handler string) {
	if rec := recover(); rec != nil {
		rosylog.Get().Error().Interface("panic", rec).Str("handler", handler).Msg("coreservices handler raised")
	}
}
