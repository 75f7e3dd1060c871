package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/opencode-ai/toolgate/internal/jobs"
	"github.com/opencode-ai/toolgate/internal/logging"
	"github.com/opencode-ai/toolgate/internal/policy"
)

// Registry manages tool registration and lookup. Every registered tool is
// also registered with the policy catalog so the checker knows its primary
// argument and aliases.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	catalog *policy.Catalog
	workDir string
	log     zerolog.Logger
}

// NewRegistry creates a new tool registry backed by catalog. A nil catalog
// gets a private one.
func NewRegistry(workDir string, catalog *policy.Catalog) *Registry {
	if catalog == nil {
		catalog = policy.NewCatalog()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		catalog: catalog,
		workDir: workDir,
		log:     logging.Component("tool"),
	}
}

// Catalog returns the policy catalog tools are registered in.
func (r *Registry) Catalog() *policy.Catalog { return r.catalog }

// WorkDir returns the default working directory of the registry's tools.
func (r *Registry) WorkDir() string { return r.workDir }

// Register adds a tool to the registry and its spec to the catalog.
func (r *Registry) Register(tool Tool) error {
	spec := tool.Spec()
	if spec.Name != tool.ID() {
		return fmt.Errorf("tool %q: spec name %q does not match", tool.ID(), spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.catalog.Register(spec); err != nil {
		return err
	}
	r.tools[tool.ID()] = tool
	r.log.Debug().Str("tool", tool.ID()).Strs("aliases", spec.Aliases).Msg("Registered tool")
	return nil
}

// Get retrieves a tool by canonical name or alias.
func (r *Registry) Get(name string) (Tool, bool) {
	canonical, _ := r.catalog.Canonical(name)

	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[canonical]
	return tool, ok
}

// List returns all registered tools sorted by ID.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	r.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].ID() < tools[j].ID() })
	return tools
}

// IDs returns all tool IDs, sorted.
func (r *Registry) IDs() []string {
	tools := r.List()
	ids := make([]string, len(tools))
	for i, t := range tools {
		ids[i] = t.ID()
	}
	return ids
}

// Suggest returns the registered tool name closest to an unknown name, if
// any is close enough to be a likely typo.
func (r *Registry) Suggest(name string) (string, bool) {
	best, bestDist := "", -1
	for _, t := range r.List() {
		candidates := append([]string{t.ID()}, t.Spec().Aliases...)
		for _, candidate := range candidates {
			d := levenshtein.ComputeDistance(name, candidate)
			if bestDist < 0 || d < bestDist {
				best, bestDist = t.ID(), d
			}
		}
	}
	if bestDist < 0 {
		return "", false
	}
	limit := max(2, len(name)/3)
	if bestDist > limit {
		return "", false
	}
	return best, true
}

// DefaultRegistry creates a registry with all built-in tools. File tools
// operate on fsys. Background process tools are only registered when a job
// registry is given.
func DefaultRegistry(fsys afero.Fs, workDir string, catalog *policy.Catalog, jobRegistry *jobs.Registry) (*Registry, error) {
	r := NewRegistry(workDir, catalog)

	tools := []Tool{
		NewReadTool(fsys, workDir),
		NewWriteTool(fsys, workDir),
		NewEditTool(fsys, workDir),
		NewGlobTool(fsys, workDir),
		NewListTool(fsys, workDir),
		NewBashTool(workDir, jobRegistry),
	}
	if jobRegistry != nil {
		tools = append(tools,
			NewListProcessesTool(jobRegistry),
			NewKillProcessTool(jobRegistry),
			NewReadOutputTool(jobRegistry),
		)
	}

	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	r.log.Info().Strs("tools", r.IDs()).Msg("Tool registry ready")
	return r, nil
}
