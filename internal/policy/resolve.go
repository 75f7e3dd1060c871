package policy

import (
	"encoding/json"
	"slices"
	"sort"
	"sync"
)

// Entry is one policy of an effective list, annotated with its source.
type Entry struct {
	Policy
	Origin Origin `json:"origin"`
	Source string `json:"source"`
}

// MarshalJSON flattens the policy fields next to the origin.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		policyJSON
		Origin Origin `json:"origin"`
		Source string `json:"source"`
	}{
		policyJSON: policyJSON{Pattern: e.pattern, Decision: e.decision, Matchers: e.matchers},
		Origin:     e.Origin,
		Source:     e.Source,
	})
}

// EffectiveList is the ordered concatenation of all sources, always ending in
// a policy that matches every call.
type EffectiveList []Entry

// implicitSource names the catch-all appended by Resolve.
const implicitSource = "implicit"

// Resolve concatenates sources in precedence order and terminates the list
// with (*, Ask) unless a source already supplies an unconditional wildcard.
// Sources sharing an origin keep their argument order; policies within a
// source are never reordered. Resolve is pure.
func Resolve(sources ...Source) EffectiveList {
	ordered := make([]Source, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Origin.Rank() < ordered[j].Origin.Rank()
	})

	var list EffectiveList
	terminated := false
	for _, src := range ordered {
		for _, p := range src.Policies {
			if p.IsZero() {
				continue
			}
			list = append(list, Entry{Policy: p, Origin: src.Origin, Source: src.Name})
			if p.IsCatchAll() {
				terminated = true
			}
		}
	}
	if !terminated {
		list = append(list, Entry{
			Policy: MustParse(Wildcard, Ask),
			Origin: OriginBuiltin,
			Source: implicitSource,
		})
	}
	return list
}

// sessionSourceName is the name of the source holding session grants.
const sessionSourceName = "session"

// Store holds the mutable policy sources and caches their resolution.
// Every mutation bumps the generation and invalidates the cache.
type Store struct {
	mu         sync.RWMutex
	sources    []Source
	grants     []Policy
	generation uint64
	cache      EffectiveList
	cacheGen   uint64
	listeners  []func(generation uint64, reason string)
}

// NewStore creates a store seeded with the given sources.
func NewStore(sources ...Source) *Store {
	s := &Store{generation: 1}
	for _, src := range sources {
		s.replace(src)
	}
	return s
}

// OnChange registers fn to be called after every mutation.
func (s *Store) OnChange(fn func(generation uint64, reason string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) replace(src Source) {
	src.Policies = append([]Policy(nil), src.Policies...)
	for i, existing := range s.sources {
		if existing.Origin == src.Origin && existing.Name == src.Name {
			s.sources[i] = src
			return
		}
	}
	s.sources = append(s.sources, src)
}

// SetSource adds src or replaces the source with the same origin and name.
// Session grants are managed with AddSessionGrant and ClearSessionGrants.
func (s *Store) SetSource(src Source) {
	s.mu.Lock()
	s.replace(src)
	gen := s.bump()
	s.mu.Unlock()
	s.notify(gen, "source "+string(src.Origin)+"/"+src.Name)
}

// RemoveSource drops the source with the given origin and name.
func (s *Store) RemoveSource(origin Origin, name string) bool {
	s.mu.Lock()
	removed := false
	for i, existing := range s.sources {
		if existing.Origin == origin && existing.Name == name {
			s.sources = append(s.sources[:i:i], s.sources[i+1:]...)
			removed = true
			break
		}
	}
	var gen uint64
	if removed {
		gen = s.bump()
	}
	s.mu.Unlock()
	if removed {
		s.notify(gen, "removed "+string(origin)+"/"+name)
	}
	return removed
}

// AddSessionGrant appends a session-granted policy. Granting an identical
// policy twice is a no-op and returns false.
func (s *Store) AddSessionGrant(p Policy) bool {
	s.mu.Lock()
	for _, g := range s.grants {
		if g.Equal(p) {
			s.mu.Unlock()
			return false
		}
	}
	s.grants = append(s.grants, p)
	gen := s.bump()
	s.mu.Unlock()
	s.notify(gen, "session grant "+p.Pattern())
	return true
}

// ClearSessionGrants forgets every session-granted policy.
func (s *Store) ClearSessionGrants() {
	s.mu.Lock()
	s.grants = nil
	gen := s.bump()
	s.mu.Unlock()
	s.notify(gen, "session grants cleared")
}

// Sources returns a copy of every source, session grants included.
func (s *Store) Sources() []Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []Source {
	out := make([]Source, 0, len(s.sources)+1)
	for _, src := range s.sources {
		src.Policies = append([]Policy(nil), src.Policies...)
		out = append(out, src)
	}
	if len(s.grants) > 0 {
		out = append(out, Source{
			Name:     sessionSourceName,
			Origin:   OriginSession,
			Policies: append([]Policy(nil), s.grants...),
		})
	}
	return out
}

// Effective returns the resolved list, rebuilding it only after a mutation.
// The returned slice must not be modified.
func (s *Store) Effective() EffectiveList {
	s.mu.RLock()
	if s.cache != nil && s.cacheGen == s.generation {
		list := s.cache
		s.mu.RUnlock()
		return list
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil || s.cacheGen != s.generation {
		s.cache = Resolve(s.snapshotLocked()...)
		s.cacheGen = s.generation
	}
	return s.cache
}

// Generation returns a counter that changes on every mutation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Check evaluates a call against the current effective list.
func (s *Store) Check(toolName string, args map[string]any, cat *Catalog) Result {
	return Check(toolName, args, s.Effective(), cat)
}

func (s *Store) bump() uint64 {
	s.generation++
	return s.generation
}

func (s *Store) notify(gen uint64, reason string) {
	s.mu.RLock()
	listeners := slices.Clone(s.listeners)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(gen, reason)
	}
}
