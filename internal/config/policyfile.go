package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/toolgate/internal/logging"
	"github.com/opencode-ai/toolgate/internal/policy"
)

// PolicyFile is the YAML file holding persisted policies:
//
//	allow:
//	  - Read
//	  - Bash(git status*)
//	ask:
//	  - Bash
//	exclude:
//	  - Bash(rm*)
type PolicyFile struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
	log  zerolog.Logger
}

// NewPolicyFile returns the policy file at path on fs.
func NewPolicyFile(fs afero.Fs, path string) *PolicyFile {
	return &PolicyFile{fs: fs, path: path, log: logging.Component("policyfile")}
}

// Path returns the file path.
func (f *PolicyFile) Path() string { return f.path }

// Load reads the lists. A missing file yields empty lists.
func (f *PolicyFile) Load() (PolicyLists, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

func (f *PolicyFile) loadLocked() (PolicyLists, error) {
	var lists PolicyLists
	data, err := afero.ReadFile(f.fs, f.path)
	if os.IsNotExist(err) {
		return lists, nil
	}
	if err != nil {
		return lists, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &lists); err != nil {
		return lists, &policy.ConfigError{Pattern: f.path, Reason: err.Error()}
	}
	return lists, nil
}

// Source reads the file as the persisted-config policy source.
func (f *PolicyFile) Source() (policy.Source, error) {
	lists, err := f.Load()
	if err != nil {
		return policy.Source{}, err
	}
	return lists.Source(policy.OriginPersisted, f.path)
}

// PersistAllow appends p's pattern to the allow list unless it is already
// there, and rewrites the file.
func (f *PolicyFile) PersistAllow(_ context.Context, p policy.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	lists, err := f.loadLocked()
	if err != nil {
		return err
	}
	if slices.Contains(lists.Allow, p.Pattern()) {
		return nil
	}
	lists.Allow = append(lists.Allow, p.Pattern())
	if err := f.saveLocked(lists); err != nil {
		return err
	}
	f.log.Info().Str("pattern", p.Pattern()).Str("path", f.path).Msg("Persisted allow policy")
	return nil
}

// Save replaces the file contents with lists.
func (f *PolicyFile) Save(lists PolicyLists) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveLocked(lists)
}

// saveLocked writes to a temp file in the same directory and renames it over
// the target, so readers never see a partial file.
func (f *PolicyFile) saveLocked(lists PolicyLists) error {
	data, err := yaml.Marshal(lists)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := f.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}

	tmp, err := afero.TempFile(f.fs, dir, ".permissions-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp policy file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		f.fs.Remove(tmpName)
		return fmt.Errorf("write policy file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		f.fs.Remove(tmpName)
		return fmt.Errorf("write policy file: %w", err)
	}
	if err := f.fs.Rename(tmpName, f.path); err != nil {
		f.fs.Remove(tmpName)
		return fmt.Errorf("replace policy file: %w", err)
	}
	return nil
}
