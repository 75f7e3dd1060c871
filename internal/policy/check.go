package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Result is the outcome of a check.
type Result struct {
	Decision Decision `json:"decision"`
	// Matched is the first matching entry; zero when the list was empty.
	Matched Entry `json:"matched"`
	// Index is the position of Matched in the list, or -1.
	Index int `json:"index"`
}

// Check returns the decision of the first policy in list matching the call.
// toolName must already be canonical. Check performs no I/O and is
// deterministic for fixed inputs. A list produced by Resolve always yields a
// match; an empty list yields Ask.
func Check(toolName string, args map[string]any, list EffectiveList, cat *Catalog) Result {
	spec, _ := cat.Spec(toolName)
	for i, entry := range list {
		if entry.matches(toolName, args, spec) {
			return Result{Decision: entry.Decision(), Matched: entry, Index: i}
		}
	}
	return Result{Decision: Ask, Index: -1}
}

// Matches reports whether p applies to the call.
func (p Policy) Matches(toolName string, args map[string]any, cat *Catalog) bool {
	spec, _ := cat.Spec(toolName)
	return p.matches(toolName, args, spec)
}

func (p Policy) matches(toolName string, args map[string]any, spec ToolSpec) bool {
	if p.IsZero() {
		return false
	}
	if p.pattern != Wildcard {
		if p.tool != toolName {
			return false
		}
		if p.prefixed && !p.matchPrefix(args, spec) {
			return false
		}
	}
	return p.matchArguments(args)
}

func (p Policy) matchPrefix(args map[string]any, spec ToolSpec) bool {
	if spec.PrimaryArg == "" {
		return false
	}
	value, ok := args[spec.PrimaryArg].(string)
	if !ok {
		return false
	}
	if spec.Shell {
		if p.decision == Allow {
			return shellPrefixMatch(value, p.prefix)
		}
		return shellPrefixAny(value, p.prefix)
	}
	return strings.HasPrefix(value, p.prefix)
}

func (p Policy) matchArguments(args map[string]any) bool {
	for key, glob := range p.matchers {
		value, ok := args[key]
		if !ok {
			return false
		}
		matched, err := doublestar.Match(glob, argumentString(value))
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// argumentString renders an argument value for glob matching.
func argumentString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case bool, float64, float32, int, int64, int32, uint, uint64, uint32:
		return fmt.Sprint(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// shellPrefixAny reports whether the command line, or any simple command in
// it, starts with prefix. Restrictive policies use it so that chaining
// another command does not escape them.
func shellPrefixAny(command, prefix string) bool {
	if strings.HasPrefix(strings.TrimSpace(command), prefix) {
		return true
	}
	segments, err := SimpleCommands(command)
	if err != nil {
		return false
	}
	for _, seg := range segments {
		if strings.HasPrefix(seg, prefix) {
			return true
		}
	}
	return false
}

// shellPrefixMatch reports whether every simple command of a command line
// starts with prefix. Command substitutions count as commands, so
// "ls $(rm -rf /)" does not match "ls". Unparsable input falls back to a
// plain prefix test of the trimmed line.
func shellPrefixMatch(command, prefix string) bool {
	segments, err := SimpleCommands(command)
	if err != nil || len(segments) == 0 {
		return strings.HasPrefix(strings.TrimSpace(command), prefix)
	}
	for _, seg := range segments {
		if !strings.HasPrefix(seg, prefix) {
			return false
		}
	}
	return true
}
