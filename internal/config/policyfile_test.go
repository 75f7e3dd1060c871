package config

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/toolgate/internal/policy"
)

const testPolicyPath = "/home/u/.config/toolgate/permissions.yaml"

func TestPolicyFile_Missing(t *testing.T) {
	f := NewPolicyFile(afero.NewMemMapFs(), testPolicyPath)

	lists, err := f.Load()
	require.NoError(t, err)
	assert.True(t, lists.Empty())

	src, err := f.Source()
	require.NoError(t, err)
	assert.Equal(t, policy.OriginPersisted, src.Origin)
	assert.Equal(t, testPolicyPath, src.Name)
	assert.Empty(t, src.Policies)
}

func TestPolicyFile_Source(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testPolicyPath, []byte(`
allow:
  - Read
  - Bash(git status*)
ask:
  - Bash
exclude:
  - Bash(rm*)
`), 0644))

	src, err := NewPolicyFile(fs, testPolicyPath).Source()
	require.NoError(t, err)

	var got []string
	for _, p := range src.Policies {
		got = append(got, p.String())
	}
	assert.Equal(t, []string{
		"Bash(rm*)=exclude",
		"Bash=ask",
		"Read=allow",
		"Bash(git status*)=allow",
	}, got)
}

func TestPolicyFile_Malformed(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := NewPolicyFile(fs, testPolicyPath)

	require.NoError(t, afero.WriteFile(fs, testPolicyPath, []byte("allow: [unterminated"), 0644))
	_, err := f.Load()
	assert.True(t, policy.IsConfigError(err))

	require.NoError(t, afero.WriteFile(fs, testPolicyPath, []byte("allow:\n  - Bash(ls\n"), 0644))
	_, err = f.Source()
	assert.True(t, policy.IsConfigError(err))
}

func TestPolicyFile_PersistAllow(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := NewPolicyFile(fs, testPolicyPath)
	ctx := context.Background()

	require.NoError(t, f.PersistAllow(ctx, policy.MustParse("Bash(git status*)", policy.Allow)))
	require.NoError(t, f.PersistAllow(ctx, policy.MustParse("Write", policy.Allow)))
	require.NoError(t, f.PersistAllow(ctx, policy.MustParse("Write", policy.Allow)))

	lists, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"Bash(git status*)", "Write"}, lists.Allow)

	entries, err := afero.ReadDir(fs, "/home/u/.config/toolgate")
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files are renamed away")
	assert.Equal(t, "permissions.yaml", entries[0].Name())
}

func TestPolicyFile_PersistKeepsOtherLists(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := NewPolicyFile(fs, testPolicyPath)
	require.NoError(t, f.Save(PolicyLists{Ask: []string{"Bash"}, Exclude: []string{"Bash(rm*)"}}))

	require.NoError(t, f.PersistAllow(context.Background(), policy.MustParse("Read", policy.Allow)))

	lists, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, PolicyLists{
		Allow:   []string{"Read"},
		Ask:     []string{"Bash"},
		Exclude: []string{"Bash(rm*)"},
	}, lists)
}

func TestPolicyFile_ReadOnlyFs(t *testing.T) {
	f := NewPolicyFile(afero.NewReadOnlyFs(afero.NewMemMapFs()), testPolicyPath)
	err := f.PersistAllow(context.Background(), policy.MustParse("Read", policy.Allow))
	assert.Error(t, err)
}
