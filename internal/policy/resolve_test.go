package policy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patterns(list EffectiveList) []string {
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = string(e.Origin) + ":" + e.String()
	}
	return out
}

func TestResolve_Empty(t *testing.T) {
	list := Resolve()
	require.Len(t, list, 1)
	assert.True(t, list[0].IsCatchAll())
	assert.Equal(t, Ask, list[0].Decision())
	assert.Equal(t, implicitSource, list[0].Source)
}

func TestResolve_PrecedenceIgnoresArgumentOrder(t *testing.T) {
	builtin := Source{Name: "defaults", Origin: OriginBuiltin, Policies: []Policy{MustParse("Bash", Allow)}}
	persisted := Source{Name: "file", Origin: OriginPersisted, Policies: []Policy{MustParse("Bash", Exclude)}}
	runtime := Source{Name: "flags", Origin: OriginRuntime, Policies: []Policy{MustParse("Bash", Ask)}}
	session := Source{Name: "session", Origin: OriginSession, Policies: []Policy{MustParse("Read", Allow)}}

	want := []string{
		"runtime:Bash=ask",
		"session-granted:Read=allow",
		"persisted-config:Bash=exclude",
		"builtin-default:Bash=allow",
		"builtin-default:*=ask",
	}

	orders := [][]Source{
		{builtin, persisted, runtime, session},
		{runtime, session, persisted, builtin},
		{session, builtin, runtime, persisted},
	}
	for _, order := range orders {
		list := Resolve(order...)
		assert.Equal(t, want, patterns(list))
		assert.Equal(t, Ask, Check("Bash", nil, list, nil).Decision)
	}
}

func TestResolve_SameOriginKeepsOrder(t *testing.T) {
	a := Source{Name: "a", Origin: OriginPersisted, Policies: []Policy{MustParse("Write", Allow), MustParse("Read", Ask)}}
	b := Source{Name: "b", Origin: OriginPersisted, Policies: []Policy{MustParse("Write", Exclude)}}

	list := Resolve(b, a)
	assert.Equal(t, []string{
		"persisted-config:Write=exclude",
		"persisted-config:Write=allow",
		"persisted-config:Read=ask",
		"builtin-default:*=ask",
	}, patterns(list))
	assert.Equal(t, "b", list[0].Source)
}

func TestResolve_CatchAllSupplied(t *testing.T) {
	list := Resolve(Source{Name: "defaults", Origin: OriginBuiltin, Policies: []Policy{MustParse("*", Allow)}})
	require.Len(t, list, 1)
	assert.Equal(t, Allow, list[0].Decision())

	scoped, err := MustParse("*", Allow).WithMatchers(map[string]string{"path": "/tmp/**"})
	require.NoError(t, err)
	list = Resolve(Source{Name: "x", Origin: OriginRuntime, Policies: []Policy{scoped}})
	require.Len(t, list, 2, "a wildcard with matchers does not terminate the list")
	assert.True(t, list[1].IsCatchAll())
}

func TestResolve_DoesNotMutateInput(t *testing.T) {
	sources := []Source{
		{Name: "defaults", Origin: OriginBuiltin},
		{Name: "flags", Origin: OriginRuntime},
	}
	Resolve(sources...)
	assert.Equal(t, OriginBuiltin, sources[0].Origin)
	assert.Equal(t, OriginRuntime, sources[1].Origin)
}

// Scenario: [runtime: (Bash, Ask)], [builtin: (*, Allow)].
func TestResolve_RuntimeOverBuiltinScenario(t *testing.T) {
	list := Resolve(
		Source{Name: "flags", Origin: OriginRuntime, Policies: []Policy{MustParse("Bash", Ask)}},
		Source{Name: "defaults", Origin: OriginBuiltin, Policies: []Policy{MustParse("*", Allow)}},
	)

	bash := Check("Bash", map[string]any{"command": "ls"}, list, nil)
	assert.Equal(t, Ask, bash.Decision)
	assert.Equal(t, OriginRuntime, bash.Matched.Origin)

	read := Check("Read", map[string]any{"file_path": "a.go"}, list, nil)
	assert.Equal(t, Allow, read.Decision)
	assert.Equal(t, OriginBuiltin, read.Matched.Origin)
	assert.Equal(t, "*", read.Matched.Pattern())
}

func TestStore_CachesUntilMutation(t *testing.T) {
	store := NewStore(BuiltinDefaults())

	first := store.Effective()
	second := store.Effective()
	assert.Same(t, &first[0], &second[0], "cached list should be reused")

	gen := store.Generation()
	store.SetSource(Source{Name: "flags", Origin: OriginRuntime, Policies: []Policy{MustParse("Read", Exclude)}})
	assert.Greater(t, store.Generation(), gen)

	third := store.Effective()
	assert.Equal(t, "Read", third[0].Pattern())
	assert.Equal(t, Exclude, store.Check("Read", nil, nil).Decision)
}

func TestStore_SetSourceReplaces(t *testing.T) {
	store := NewStore()
	store.SetSource(Source{Name: "file", Origin: OriginPersisted, Policies: []Policy{MustParse("Write", Allow)}})
	store.SetSource(Source{Name: "file", Origin: OriginPersisted, Policies: []Policy{MustParse("Write", Exclude)}})

	sources := store.Sources()
	require.Len(t, sources, 1)
	assert.Equal(t, Exclude, store.Check("Write", nil, nil).Decision)

	assert.True(t, store.RemoveSource(OriginPersisted, "file"))
	assert.False(t, store.RemoveSource(OriginPersisted, "file"))
	assert.Equal(t, Ask, store.Check("Write", nil, nil).Decision)
}

func TestStore_SessionGrants(t *testing.T) {
	store := NewStore(BuiltinDefaults())

	var reasons []string
	store.OnChange(func(_ uint64, reason string) {
		reasons = append(reasons, reason)
	})

	assert.Equal(t, Ask, store.Check("Bash", map[string]any{"command": "make"}, nil).Decision)

	assert.True(t, store.AddSessionGrant(MustParse("Bash", Allow)))
	assert.False(t, store.AddSessionGrant(MustParse("Bash", Allow)), "duplicate grant")

	result := store.Check("Bash", map[string]any{"command": "make"}, nil)
	assert.Equal(t, Allow, result.Decision)
	assert.Equal(t, OriginSession, result.Matched.Origin)

	store.ClearSessionGrants()
	assert.Equal(t, Ask, store.Check("Bash", map[string]any{"command": "make"}, nil).Decision)
	assert.Equal(t, []string{"session grant Bash", "session grants cleared"}, reasons)
}

func TestStore_Concurrent(t *testing.T) {
	store := NewStore(BuiltinDefaults())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				store.Effective()
			}
		}()
		go func(i int) {
			defer wg.Done()
			store.AddSessionGrant(MustParse("Read", Allow))
			store.SetSource(Source{Name: "flags", Origin: OriginRuntime})
		}(i)
	}
	wg.Wait()

	list := store.Effective()
	assert.True(t, list[len(list)-1].IsCatchAll())
}
