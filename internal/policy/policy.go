// Package policy resolves layered permission policies into an ordered list and
// checks tool calls against it.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Decision is the outcome a policy assigns to a tool call.
type Decision string

const (
	Allow   Decision = "allow"
	Ask     Decision = "ask"
	Exclude Decision = "exclude"
)

// ParseDecision parses a decision string.
func ParseDecision(s string) (Decision, error) {
	switch Decision(strings.ToLower(strings.TrimSpace(s))) {
	case Allow:
		return Allow, nil
	case Ask:
		return Ask, nil
	case Exclude:
		return Exclude, nil
	}
	return "", &ConfigError{Pattern: s, Reason: "unknown decision"}
}

// Wildcard matches every tool.
const Wildcard = "*"

// ConfigError reports a malformed policy. It is fatal at startup.
type ConfigError struct {
	Pattern string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid policy %q: %s", e.Pattern, e.Reason)
}

// IsConfigError checks if an error is a policy configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Policy is an immutable permission rule. Construct with Parse or MustParse.
type Policy struct {
	pattern  string
	decision Decision
	tool     string
	prefix   string
	prefixed bool
	matchers map[string]string
}

// Parse validates a tool pattern and returns a policy.
//
// Accepted patterns are "*", an exact tool name such as "Read", or a
// prefixed form such as "Bash(git status*)" which additionally requires the
// tool's primary argument to start with the text before the trailing "*".
func Parse(pattern string, decision Decision) (Policy, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return Policy{}, &ConfigError{Pattern: pattern, Reason: "empty pattern"}
	}
	if _, err := ParseDecision(string(decision)); err != nil {
		return Policy{}, &ConfigError{Pattern: pattern, Reason: fmt.Sprintf("unknown decision %q", decision)}
	}

	p := Policy{pattern: pattern, decision: decision}
	if pattern == Wildcard {
		return p, nil
	}

	open := strings.IndexByte(pattern, '(')
	if open < 0 {
		if err := validateToolName(pattern); err != nil {
			return Policy{}, &ConfigError{Pattern: pattern, Reason: err.Error()}
		}
		p.tool = pattern
		return p, nil
	}

	if !strings.HasSuffix(pattern, ")") {
		return Policy{}, &ConfigError{Pattern: pattern, Reason: "unbalanced parentheses"}
	}
	name := strings.TrimSpace(pattern[:open])
	inner := pattern[open+1 : len(pattern)-1]
	if err := validateToolName(name); err != nil {
		return Policy{}, &ConfigError{Pattern: pattern, Reason: err.Error()}
	}
	if strings.ContainsAny(inner, "()") {
		return Policy{}, &ConfigError{Pattern: pattern, Reason: "unbalanced parentheses"}
	}
	if !strings.HasSuffix(inner, "*") {
		return Policy{}, &ConfigError{Pattern: pattern, Reason: "argument prefix must end with *"}
	}
	prefix := strings.TrimSuffix(inner, "*")
	if strings.Contains(prefix, "*") {
		return Policy{}, &ConfigError{Pattern: pattern, Reason: "only a single trailing * is supported"}
	}

	p.tool = name
	p.prefix = prefix
	p.prefixed = true
	return p, nil
}

// MustParse is like Parse but panics on error. Use for compiled-in policies.
func MustParse(pattern string, decision Decision) Policy {
	p, err := Parse(pattern, decision)
	if err != nil {
		panic(err)
	}
	return p
}

func validateToolName(name string) error {
	if name == "" {
		return errors.New("empty tool name")
	}
	if strings.ContainsAny(name, "*()") {
		return errors.New("wildcards are only supported as a bare * or inside Name(prefix*)")
	}
	if strings.ContainsAny(name, " \t\n") {
		return errors.New("tool name contains whitespace")
	}
	return nil
}

// WithMatchers returns a copy of p that additionally requires every argument
// key to match its doublestar glob.
func (p Policy) WithMatchers(matchers map[string]string) (Policy, error) {
	for key, glob := range matchers {
		if key == "" {
			return Policy{}, &ConfigError{Pattern: p.pattern, Reason: "empty argument matcher key"}
		}
		if !doublestar.ValidatePattern(glob) {
			return Policy{}, &ConfigError{Pattern: p.pattern, Reason: fmt.Sprintf("invalid glob %q for argument %q", glob, key)}
		}
	}
	cp := p
	cp.matchers = maps.Clone(matchers)
	if len(cp.matchers) == 0 {
		cp.matchers = nil
	}
	return cp, nil
}

// Pattern returns the tool pattern as written.
func (p Policy) Pattern() string { return p.pattern }

// Decision returns the policy's decision.
func (p Policy) Decision() Decision { return p.decision }

// Tool returns the tool name the pattern targets, or "" for the wildcard.
func (p Policy) Tool() string { return p.tool }

// Prefix returns the argument prefix of a Name(prefix*) pattern.
func (p Policy) Prefix() (string, bool) { return p.prefix, p.prefixed }

// Matchers returns a copy of the argument matchers.
func (p Policy) Matchers() map[string]string { return maps.Clone(p.matchers) }

// IsZero reports whether p is the zero policy.
func (p Policy) IsZero() bool { return p.pattern == "" }

// IsCatchAll reports whether p matches every call unconditionally.
func (p Policy) IsCatchAll() bool {
	return p.pattern == Wildcard && len(p.matchers) == 0
}

// Equal reports whether two policies express the same rule.
func (p Policy) Equal(o Policy) bool {
	return p.pattern == o.pattern && p.decision == o.decision && maps.Equal(p.matchers, o.matchers)
}

func (p Policy) String() string {
	if len(p.matchers) == 0 {
		return fmt.Sprintf("%s=%s", p.pattern, p.decision)
	}
	keys := make([]string, 0, len(p.matchers))
	for k := range p.matchers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "~" + p.matchers[k]
	}
	return fmt.Sprintf("%s[%s]=%s", p.pattern, strings.Join(parts, ","), p.decision)
}

type policyJSON struct {
	Pattern  string            `json:"pattern"`
	Decision Decision          `json:"decision"`
	Matchers map[string]string `json:"matchers,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p Policy) MarshalJSON() ([]byte, error) {
	return json.Marshal(policyJSON{Pattern: p.pattern, Decision: p.decision, Matchers: p.matchers})
}

// UnmarshalJSON implements json.Unmarshaler and validates the pattern.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var raw policyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := Parse(raw.Pattern, raw.Decision)
	if err != nil {
		return err
	}
	if len(raw.Matchers) > 0 {
		if parsed, err = parsed.WithMatchers(raw.Matchers); err != nil {
			return err
		}
	}
	*p = parsed
	return nil
}
