// Package subject implements the hierarchical, dot-delimited subject
// grammar used to address every message on the bus. All subjects are
// rooted at the literal token "rosey".
package subject

import (
	"strings"

	"github.com/rosey-chat/rosey-core/internal/rosyerr"
)

const (
	// Root is the mandatory first token of every subject.
	Root = "rosey"

	singleWildcard    = "*"
	remainderWildcard = ">"
)

// Build joins tokens into a dot-delimited subject string, prefixing Root if
// the first token isn't already it.
func Build(tokens ...string) string {
	if len(tokens) == 0 {
		return Root
	}
	if tokens[0] == Root {
		return strings.Join(tokens, ".")
	}
	all := make([]string, 0, len(tokens)+1)
	all = append(all, Root)
	all = append(all, tokens...)
	return strings.Join(all, ".")
}

// Parse splits a subject into its dot-delimited tokens, validating it first.
func Parse(s string) ([]string, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	return strings.Split(s, "."), nil
}

// Validate reports whether s is a well-formed concrete subject: rooted at
// Root, non-empty tokens, and no wildcard tokens (concrete subjects are
// used for publishing; Matches handles patterns separately).
func Validate(s string) error {
	if s == "" {
		return rosyerr.ErrInvalidSubject
	}
	tokens := strings.Split(s, ".")
	if tokens[0] != Root {
		return rosyerr.ErrInvalidSubject
	}
	for _, t := range tokens {
		if t == "" || t == singleWildcard || t == remainderWildcard {
			return rosyerr.ErrInvalidSubject
		}
	}
	return nil
}

// ValidatePattern is like Validate but additionally permits wildcard tokens
// ("*" anywhere, ">" only as the final token), for use on subscription
// patterns and route rules.
func ValidatePattern(s string) error {
	if s == "" {
		return rosyerr.ErrInvalidSubject
	}
	tokens := strings.Split(s, ".")
	if tokens[0] != Root {
		return rosyerr.ErrInvalidSubject
	}
	for i, t := range tokens {
		if t == "" {
			return rosyerr.ErrInvalidSubject
		}
		if t == remainderWildcard && i != len(tokens)-1 {
			return rosyerr.ErrInvalidSubject
		}
	}
	return nil
}

// Parsed is the tagged record produced by Describe: the root token, a
// category drawn from the wire-level hierarchy in spec §6, and whichever
// optional fields that category carries.
type Parsed struct {
	Base     string
	Category string

	// Platform/Event apply to category "platform": rosey.platform.<platform>.<event>.
	Platform string
	Event    string

	// Plugin/Action apply to categories "commands" and "plugins":
	// rosey.commands.<plugin>.<action> or rosey.plugins.<plugin>.<action>.
	Plugin string
	Action string

	// Metric applies to category "monitoring": rosey.monitoring.<metric>.
	Metric string

	// Remainder holds any tokens past what the category above consumes,
	// for categories with variable-length tails (e.g. db.row.<plugin>.*).
	Remainder []string
}

// Describe parses a concrete subject into a tagged record identifying its
// position in the wire-level hierarchy (platform / events / commands /
// plugins / monitoring / security / db), per spec §4.A and §6. The second
// token is always reported as Category; for any category other than
// platform, commands, plugins, and monitoring, every token after it goes in
// Remainder. A subject consisting of the root token alone gets Category
// "unknown".
func Describe(s string) (*Parsed, error) {
	tokens, err := Parse(s)
	if err != nil {
		return nil, err
	}
	p := &Parsed{Base: tokens[0]}
	if len(tokens) < 2 {
		p.Category = "unknown"
		return p, nil
	}
	p.Category = tokens[1]
	rest := tokens[2:]

	switch p.Category {
	case "platform":
		if len(rest) > 0 {
			p.Platform = rest[0]
		}
		if len(rest) > 1 {
			p.Event = rest[1]
		}
		if len(rest) > 2 {
			p.Remainder = rest[2:]
		}
	case "commands", "plugins":
		if len(rest) > 0 {
			p.Plugin = rest[0]
		}
		if len(rest) > 1 {
			p.Action = rest[1]
		}
		if len(rest) > 2 {
			p.Remainder = rest[2:]
		}
	case "monitoring":
		if len(rest) > 0 {
			p.Metric = rest[0]
		}
		if len(rest) > 1 {
			p.Remainder = rest[1:]
		}
	default:
		p.Remainder = rest
	}
	return p, nil
}

// Matches reports whether the concrete subject s satisfies the pattern,
// honoring "*" as a single-token wildcard and a trailing ">" as a
// remainder wildcard that absorbs one or more trailing tokens.
func Matches(s, pattern string) bool {
	sTokens := strings.Split(s, ".")
	pTokens := strings.Split(pattern, ".")

	for i, pt := range pTokens {
		if pt == remainderWildcard {
			// ">" must be the last pattern token and requires at least
			// one token remaining in s at this position.
			return i < len(sTokens)
		}
		if i >= len(sTokens) {
			return false
		}
		if pt == singleWildcard {
			continue
		}
		if pt != sTokens[i] {
			return false
		}
	}
	return len(sTokens) == len(pTokens)
}
