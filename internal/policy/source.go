package policy

import (
	"fmt"
)

// Origin tags where a policy source came from. Origins are ordered by
// precedence, highest first.
type Origin string

const (
	OriginRuntime   Origin = "runtime"
	OriginSession   Origin = "session-granted"
	OriginPersisted Origin = "persisted-config"
	OriginBuiltin   Origin = "builtin-default"
)

// Origins lists every origin in precedence order.
var Origins = []Origin{OriginRuntime, OriginSession, OriginPersisted, OriginBuiltin}

// Rank returns the precedence rank of the origin; lower wins. Unknown origins
// rank after every known one.
func (o Origin) Rank() int {
	for i, known := range Origins {
		if o == known {
			return i
		}
	}
	return len(Origins)
}

// Source is a named, ordered list of policies contributed by one origin.
type Source struct {
	Name     string   `json:"name"`
	Origin   Origin   `json:"origin"`
	Policies []Policy `json:"policies"`
}

// FromLists builds a source from allow/ask/exclude pattern lists such as CLI
// flags or the persisted policy file. Exclude entries come first, then ask,
// then allow, so the most restrictive rule for a pattern wins.
func FromLists(origin Origin, name string, allow, ask, exclude []string) (Source, error) {
	src := Source{Name: name, Origin: origin}
	groups := []struct {
		decision Decision
		patterns []string
	}{
		{Exclude, exclude},
		{Ask, ask},
		{Allow, allow},
	}
	for _, g := range groups {
		for _, pattern := range g.patterns {
			p, err := Parse(pattern, g.decision)
			if err != nil {
				return Source{}, fmt.Errorf("%s source %q: %w", origin, name, err)
			}
			src.Policies = append(src.Policies, p)
		}
	}
	return src, nil
}

// Lists splits the source's policies back into allow/ask/exclude pattern
// lists. Argument matchers are not representable and are dropped.
func (s Source) Lists() (allow, ask, exclude []string) {
	for _, p := range s.Policies {
		switch p.Decision() {
		case Allow:
			allow = append(allow, p.Pattern())
		case Ask:
			ask = append(ask, p.Pattern())
		case Exclude:
			exclude = append(exclude, p.Pattern())
		}
	}
	return allow, ask, exclude
}

// BuiltinDefaults returns the compiled-in default policies: read-only tools
// run without asking, anything that writes or executes asks first.
func BuiltinDefaults() Source {
	return Source{
		Name:   "defaults",
		Origin: OriginBuiltin,
		Policies: []Policy{
			MustParse("Read", Allow),
			MustParse("Glob", Allow),
			MustParse("List", Allow),
			MustParse("ListProcesses", Allow),
			MustParse("ReadOutput", Allow),
			MustParse("Write", Ask),
			MustParse("Edit", Ask),
			MustParse("Bash", Ask),
			MustParse("KillProcess", Ask),
			MustParse(Wildcard, Ask),
		},
	}
}
