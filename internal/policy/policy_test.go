package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		tool     string
		prefix   string
		prefixed bool
	}{
		{"wildcard", "*", "", "", false},
		{"exact name", "Read", "Read", "", false},
		{"padded name", "  Write ", "Write", "", false},
		{"prefixed", "Bash(ls*)", "Bash", "ls", true},
		{"prefixed with spaces", "Bash(git commit*)", "Bash", "git commit", true},
		{"empty prefix", "Bash(*)", "Bash", "", true},
		{"mcp style name", "mcp__github__create_issue", "mcp__github__create_issue", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.pattern, Allow)
			require.NoError(t, err)
			assert.Equal(t, tt.tool, p.Tool())
			prefix, prefixed := p.Prefix()
			assert.Equal(t, tt.prefix, prefix)
			assert.Equal(t, tt.prefixed, prefixed)
			assert.Equal(t, Allow, p.Decision())
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		decision Decision
	}{
		{"empty", "", Allow},
		{"blank", "   ", Allow},
		{"unknown decision", "Read", Decision("maybe")},
		{"missing close paren", "Bash(ls*", Allow},
		{"missing star", "Bash(ls)", Allow},
		{"nested parens", "Bash((ls*))", Allow},
		{"empty name", "(ls*)", Allow},
		{"glob in name", "Ba*", Allow},
		{"inner star", "Bash(l*s*)", Allow},
		{"whitespace in name", "Read File", Allow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.pattern, tt.decision)
			require.Error(t, err)
			assert.True(t, IsConfigError(err), "expected ConfigError, got %T", err)
		})
	}
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision(" ALLOW ")
	require.NoError(t, err)
	assert.Equal(t, Allow, d)

	d, err = ParseDecision("exclude")
	require.NoError(t, err)
	assert.Equal(t, Exclude, d)

	_, err = ParseDecision("deny")
	assert.True(t, IsConfigError(err))
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("Bash(", Allow) })
}

func TestWithMatchers(t *testing.T) {
	base := MustParse("Write", Allow)
	matchers := map[string]string{"file_path": "src/**/*.go"}

	p, err := base.WithMatchers(matchers)
	require.NoError(t, err)

	matchers["file_path"] = "changed"
	assert.Equal(t, "src/**/*.go", p.Matchers()["file_path"], "policy must not alias caller map")
	assert.Empty(t, base.Matchers(), "base policy must be unchanged")
	assert.False(t, p.IsCatchAll())

	_, err = base.WithMatchers(map[string]string{"file_path": "[unterminated"})
	assert.True(t, IsConfigError(err))

	_, err = base.WithMatchers(map[string]string{"": "*"})
	assert.True(t, IsConfigError(err))
}

func TestPolicy_IsCatchAll(t *testing.T) {
	assert.True(t, MustParse("*", Allow).IsCatchAll())
	assert.False(t, MustParse("Read", Allow).IsCatchAll())

	scoped, err := MustParse("*", Allow).WithMatchers(map[string]string{"path": "/tmp/**"})
	require.NoError(t, err)
	assert.False(t, scoped.IsCatchAll())
}

func TestPolicy_JSON(t *testing.T) {
	p, err := MustParse("Write", Ask).WithMatchers(map[string]string{"file_path": "*.md"})
	require.NoError(t, err)

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pattern":"Write","decision":"ask","matchers":{"file_path":"*.md"}}`, string(data))

	var decoded Policy
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, p.Equal(decoded))

	err = json.Unmarshal([]byte(`{"pattern":"Bash(ls","decision":"allow"}`), &decoded)
	assert.True(t, IsConfigError(err))
}

func TestPolicy_String(t *testing.T) {
	assert.Equal(t, "Bash(ls*)=allow", MustParse("Bash(ls*)", Allow).String())

	p, err := MustParse("Write", Ask).WithMatchers(map[string]string{"z": "1", "a": "2"})
	require.NoError(t, err)
	assert.Equal(t, "Write[a~2,z~1]=ask", p.String())
}

func TestFromLists(t *testing.T) {
	src, err := FromLists(OriginRuntime, "flags",
		[]string{"Read", "Bash(git status*)"},
		[]string{"Write"},
		[]string{"Bash(rm*)"},
	)
	require.NoError(t, err)

	assert.Equal(t, OriginRuntime, src.Origin)
	require.Len(t, src.Policies, 4)
	assert.Equal(t, "Bash(rm*)", src.Policies[0].Pattern())
	assert.Equal(t, Exclude, src.Policies[0].Decision())
	assert.Equal(t, "Write", src.Policies[1].Pattern())
	assert.Equal(t, "Read", src.Policies[2].Pattern())
	assert.Equal(t, "Bash(git status*)", src.Policies[3].Pattern())

	allow, ask, exclude := src.Lists()
	assert.Equal(t, []string{"Read", "Bash(git status*)"}, allow)
	assert.Equal(t, []string{"Write"}, ask)
	assert.Equal(t, []string{"Bash(rm*)"}, exclude)

	_, err = FromLists(OriginRuntime, "flags", []string{"Bash(ls"}, nil, nil)
	assert.True(t, IsConfigError(err))
}

func TestOrigin_Rank(t *testing.T) {
	assert.Less(t, OriginRuntime.Rank(), OriginSession.Rank())
	assert.Less(t, OriginSession.Rank(), OriginPersisted.Rank())
	assert.Less(t, OriginPersisted.Rank(), OriginBuiltin.Rank())
	assert.Equal(t, len(Origins), Origin("plugin").Rank())
}

func TestBuiltinDefaults(t *testing.T) {
	src := BuiltinDefaults()
	assert.Equal(t, OriginBuiltin, src.Origin)
	last := src.Policies[len(src.Policies)-1]
	assert.True(t, last.IsCatchAll())
	assert.Equal(t, Ask, last.Decision())
}
