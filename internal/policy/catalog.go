package policy

import (
	"fmt"
	"sort"
	"sync"
)

// ToolSpec describes what the checker needs to know about a tool.
type ToolSpec struct {
	// Name is the canonical, case-sensitive tool name.
	Name string `json:"name"`
	// PrimaryArg is the argument Name(prefix*) patterns are tested against.
	PrimaryArg string `json:"primaryArg,omitempty"`
	// Shell marks tools whose primary argument is a shell command line.
	Shell bool `json:"shell,omitempty"`
	// ReadOnly marks tools that never modify state.
	ReadOnly bool `json:"readOnly,omitempty"`
	// Aliases are legacy names mapped to Name at ingestion.
	Aliases []string `json:"aliases,omitempty"`
}

// Catalog maps tool names to their specs. Names are canonicalized once when
// a call enters the engine; every later comparison is exact.
type Catalog struct {
	mu      sync.RWMutex
	tools   map[string]ToolSpec
	aliases map[string]string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		tools:   make(map[string]ToolSpec),
		aliases: make(map[string]string),
	}
}

// Register adds a tool spec and its aliases.
func (c *Catalog) Register(spec ToolSpec) error {
	if err := validateToolName(spec.Name); err != nil {
		return fmt.Errorf("register tool %q: %w", spec.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tools[spec.Name]; exists {
		return fmt.Errorf("tool %q already registered", spec.Name)
	}
	if target, exists := c.aliases[spec.Name]; exists {
		return fmt.Errorf("tool %q is already an alias of %q", spec.Name, target)
	}
	for _, alias := range spec.Aliases {
		if _, exists := c.tools[alias]; exists {
			return fmt.Errorf("alias %q collides with a registered tool", alias)
		}
		if target, exists := c.aliases[alias]; exists && target != spec.Name {
			return fmt.Errorf("alias %q already maps to %q", alias, target)
		}
	}

	spec.Aliases = append([]string(nil), spec.Aliases...)
	c.tools[spec.Name] = spec
	for _, alias := range spec.Aliases {
		c.aliases[alias] = spec.Name
	}
	return nil
}

// Alias maps an extra name onto a canonical tool name.
func (c *Catalog) Alias(alias, canonical string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tools[alias]; exists {
		return fmt.Errorf("alias %q collides with a registered tool", alias)
	}
	if target, exists := c.aliases[alias]; exists && target != canonical {
		return fmt.Errorf("alias %q already maps to %q", alias, target)
	}
	c.aliases[alias] = canonical
	return nil
}

// Canonical maps name to its canonical form. The boolean is false when the
// name is neither a registered tool nor an alias; name is then returned as is.
func (c *Catalog) Canonical(name string) (string, bool) {
	if c == nil {
		return name, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.tools[name]; ok {
		return name, true
	}
	if canonical, ok := c.aliases[name]; ok {
		return canonical, true
	}
	return name, false
}

// Spec returns the spec registered under the canonical name.
func (c *Catalog) Spec(name string) (ToolSpec, bool) {
	if c == nil {
		return ToolSpec{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.tools[name]
	return spec, ok
}

// Names returns the canonical tool names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
