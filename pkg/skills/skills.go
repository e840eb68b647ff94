// Package skills defines skill packs: named bundles of system-prompt
// instructions and tool scopes. One pack is active per session; activating a
// different one swaps the agent's instructions and the tools it may call.
package skills

import (
	"fmt"
	"strings"

	"github.com/excelmanus/excelmanus/pkg/registry"
)

// Pack is one installable skill bundle.
type Pack struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description,omitempty"`
	Instructions string   `yaml:"instructions"`
	ToolScopes   []string `yaml:"tool_scopes,omitempty"`
}

// AllowsScope reports whether tools labeled with scope may run under this
// pack. A pack without scopes allows everything.
func (p *Pack) AllowsScope(scope string) bool {
	if len(p.ToolScopes) == 0 {
		return true
	}
	for _, s := range p.ToolScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Registry holds the installed skill packs.
type Registry struct {
	*registry.BaseRegistry[*Pack]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[*Pack]()}
}

// RegisterPack installs a pack under its own name.
func (r *Registry) RegisterPack(p *Pack) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("skill pack needs a name")
	}
	return r.Register(p.Name, p)
}

// GetPack returns a pack or an error naming the available ones.
func (r *Registry) GetPack(name string) (*Pack, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("skill pack %q not installed (available: %s)",
			name, strings.Join(r.Names(), ", "))
	}
	return p, nil
}

// Default is the pack sessions start with when none is configured.
func Default() *Pack {
	return &Pack{
		Name:        "excel",
		Description: "General spreadsheet manipulation",
		Instructions: "You are ExcelManus, an assistant that manipulates spreadsheet files " +
			"on the user's behalf. Work through the provided tools; never invent file " +
			"contents. When a task is complete, call finish_task with a report of what " +
			"you changed.",
	}
}
