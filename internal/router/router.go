// Package router matches inbound platform envelopes to plugin-owned
// subjects: explicit priority-ordered RouteRules first, falling back to the
// registry's command-prefix index, emitting an unhandled event when
// nothing matches. Grounded on the teacher's event_bus.go dispatch-by-prefix
// shape (api/internal/plugins/event_bus.go), generalized to priority-ordered
// rule matching per spec §4.H.
package router

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rosey-chat/rosey-core/internal/bus"
	"github.com/rosey-chat/rosey-core/internal/envelope"
	"github.com/rosey-chat/rosey-core/internal/rosyerr"
	"github.com/rosey-chat/rosey-core/internal/rosylog"
	"github.com/rosey-chat/rosey-core/internal/rosymetrics"
	"github.com/rosey-chat/rosey-core/internal/subject"
)

// MatchType selects how a RouteRule's pattern is evaluated against an
// inbound envelope.
type MatchType int

const (
	MatchExact MatchType = iota
	MatchPrefix
	MatchRegex
	MatchWildcard
)

// RouteRule is one pattern -> destination mapping, per spec §3.
type RouteRule struct {
	ID          string
	Priority    int
	Pattern     string
	MatchType   MatchType
	Destination string // may contain "{prefix}"/"{args}" substitutions
	Enabled     bool

	compiled *regexp.Regexp // populated lazily for MatchRegex rules
}

// Command is the normalized tuple extracted from an inbound envelope's
// payload, per spec §4.H step 2.
type Command struct {
	Prefix   string
	Args     string
	Channel  string
	User     string
	Platform string
	ReplyTo  string
	Raw      string
}

// commandPayload is the shape router expects in an envelope's Data field
// for rosey.platform.<p>.{message,command} subjects.
type commandPayload struct {
	Message string `json:"message"`
	Channel string `json:"channel"`
	User    string `json:"user"`
	ReplyTo string `json:"reply_to"`
}

// CommandResolver resolves a command prefix to its owning plugin id, used
// as the fallback after explicit rules (the registry's command index).
type CommandResolver interface {
	ForCommand(prefix string) (string, error)
}

// Router dispatches platform command/message envelopes onto plugin
// subjects, per spec §4.H.
type Router struct {
	b        bus.Bus
	resolver CommandResolver
	sigil    string

	mu    sync.RWMutex
	rules []*RouteRule
}

// New constructs a Router. sigil is the command prefix marker stripped from
// the first whitespace-delimited token (e.g. "!"); pass "" for none.
func New(b bus.Bus, resolver CommandResolver, sigil string) *Router {
	return &Router{b: b, resolver: resolver, sigil: sigil}
}

// AddRule registers a RouteRule, keeping the rule set sorted by descending
// priority with insertion order preserved among equal priorities (a stable
// sort re-applied on every insert achieves this).
func (r *Router) AddRule(rule RouteRule) error {
	if rule.MatchType == MatchRegex {
		compiled, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("%w: %v", rosyerr.ErrRouteRuleInvalid, err)
		}
		rule.compiled = compiled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, &rule)
	sort.SliceStable(r.rules, func(i, j int) bool {
		return r.rules[i].Priority > r.rules[j].Priority
	})
	return nil
}

// Handle is the bus.Handler subscribed to rosey.platform.*.{message,command}.
func (r *Router) Handle(ctx context.Context, env *envelope.Envelope) {
	if err := r.Dispatch(ctx, env); err != nil && !rosyerrIsUnhandled(err) {
		r.emitError(env, err)
	}
}

func rosyerrIsUnhandled(err error) bool {
	return err == rosyerr.ErrUnhandledCommand
}

// Dispatch runs the full match/dispatch algorithm for one inbound envelope
// and publishes exactly one outcome: a dispatched command envelope, or an
// events.command.unhandled event (spec §3 invariant, §8 testable property).
func (r *Router) Dispatch(ctx context.Context, env *envelope.Envelope) error {
	defer func() {
		if rec := recover(); rec != nil {
			rosylog.Router().Error().Interface("panic", rec).Msg("handler raised")
			rosymetrics.RecordDispatch("error")
		}
	}()

	var payload commandPayload
	if err := env.DecodeData(&payload); err != nil {
		return r.unhandled(ctx, env)
	}

	cmd := r.normalize(env, payload)

	if rule := r.matchRule(env, cmd); rule != nil {
		return r.dispatchToRule(ctx, env, cmd, rule)
	}

	if pluginID, err := r.resolver.ForCommand(cmd.Prefix); err == nil {
		dest := subject.Build("commands", pluginID, "execute")
		return r.dispatchTo(ctx, env, cmd, dest)
	}

	return r.unhandled(ctx, env)
}

func (r *Router) normalize(env *envelope.Envelope, payload commandPayload) Command {
	text := strings.TrimSpace(payload.Message)
	fields := strings.Fields(text)

	var prefix, args string
	if len(fields) > 0 {
		prefix = strings.TrimPrefix(fields[0], r.sigil)
		args = strings.TrimSpace(strings.TrimPrefix(text, fields[0]))
	}

	platform := ""
	if parsed, err := subject.Describe(env.Subject); err == nil {
		platform = parsed.Platform
	}

	return Command{
		Prefix:   prefix,
		Args:     args,
		Channel:  payload.Channel,
		User:     payload.User,
		Platform: platform,
		ReplyTo:  payload.ReplyTo,
		Raw:      text,
	}
}

// resolveReplyTo returns the reply inbox a dispatched or error envelope
// should carry: the payload-carried reply_to takes precedence (spec §4.H
// step 7), falling back to the envelope's own reply_to metadata.
func resolveReplyTo(env *envelope.Envelope, replyTo string) string {
	if replyTo != "" {
		return replyTo
	}
	return env.Metadata["reply_to"]
}

func (r *Router) matchRule(env *envelope.Envelope, cmd Command) *RouteRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		if !rule.Enabled {
			continue
		}
		if ruleMatches(rule, env, cmd) {
			return rule
		}
	}
	return nil
}

func ruleMatches(rule *RouteRule, env *envelope.Envelope, cmd Command) bool {
	switch rule.MatchType {
	case MatchExact:
		return cmd.Prefix == rule.Pattern
	case MatchPrefix:
		return strings.HasPrefix(cmd.Prefix, rule.Pattern)
	case MatchRegex:
		return rule.compiled != nil && rule.compiled.MatchString(cmd.Raw)
	case MatchWildcard:
		return subject.Matches(env.Subject, rule.Pattern)
	default:
		return false
	}
}

func (r *Router) dispatchToRule(ctx context.Context, env *envelope.Envelope, cmd Command, rule *RouteRule) error {
	dest := substitute(rule.Destination, cmd)
	return r.dispatchTo(ctx, env, cmd, dest)
}

func substitute(template string, cmd Command) string {
	repl := strings.NewReplacer(
		"{prefix}", cmd.Prefix,
		"{args}", cmd.Args,
		"{channel}", cmd.Channel,
		"{user}", cmd.User,
	)
	return repl.Replace(template)
}

func (r *Router) dispatchTo(ctx context.Context, env *envelope.Envelope, cmd Command, dest string) error {
	data := map[string]any{
		"channel": cmd.Channel,
		"user":    cmd.User,
		"args":    cmd.Args,
	}
	out, err := envelope.New(dest, "command.dispatch", "rosey-router", data)
	if err != nil {
		return err
	}
	out.WithCorrelationID(env.CorrelationID)
	if replyTo := resolveReplyTo(env, cmd.ReplyTo); replyTo != "" {
		out.WithMetadata("reply_to", replyTo)
	}

	if err := r.b.Publish(dest, out); err != nil {
		rosymetrics.RecordDispatch("error")
		return fmt.Errorf("%w: %v", rosyerr.ErrHandlerRaised, err)
	}
	rosymetrics.RecordDispatch("dispatched")
	return nil
}

func (r *Router) unhandled(ctx context.Context, env *envelope.Envelope) error {
	subj := subject.Build("events", "command", "unhandled")
	out, err := envelope.New(subj, "command.unhandled", "rosey-router", map[string]any{
		"subject": env.Subject,
	})
	if err == nil {
		out.WithCorrelationID(env.CorrelationID)
		_ = r.b.Publish(subj, out)
	}
	rosymetrics.RecordDispatch("unhandled")
	return rosyerr.ErrUnhandledCommand
}

func (r *Router) emitError(env *envelope.Envelope, cause error) {
	subj := subject.Build("events", "command", "error")
	out, err := envelope.New(subj, "command.error", "rosey-router", map[string]any{
		"error": cause.Error(),
	})
	if err != nil {
		return
	}
	out.WithCorrelationID(env.CorrelationID)
	_ = r.b.Publish(subj, out)

	var payload commandPayload
	_ = env.DecodeData(&payload)
	if replyTo := resolveReplyTo(env, payload.ReplyTo); replyTo != "" {
		env.WithMetadata("reply_to", replyTo)
		_ = r.b.Reply(env, map[string]any{"success": false, "error": cause.Error()})
	}
}
