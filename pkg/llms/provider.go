package llms

import (
	"context"
	"fmt"

	"github.com/excelmanus/excelmanus/pkg/registry"
)

// Provider is the abstraction over one configured LLM endpoint.
type Provider interface {
	// Generate performs a non-streaming request.
	Generate(ctx context.Context, req *Request) (*Response, error)

	GetModelName() string

	Close() error
}

type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

func (r *Registry) RegisterProvider(name string, provider Provider) error {
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	return r.Register(name, provider)
}

// GetProvider returns a provider or an error naming the missing entry.
func (r *Registry) GetProvider(name string) (Provider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("LLM provider '%s' not registered (available: %v)", name, r.Names())
	}
	return provider, nil
}
