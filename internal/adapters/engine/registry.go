package engine

import (
	"fmt"

	"github.com/WuChenDi/bitk/internal/domain"
	"github.com/WuChenDi/bitk/internal/ports"
)

// Registry maps an issue's engineType to the adapter that drives it.
type Registry struct {
	adapters map[string]ports.EngineAdapter
}

// NewRegistry wires the default adapter set: claude, codex, and echo.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]ports.EngineAdapter)}
	r.Register(NewClaudeAdapter())
	r.Register(NewCodexAdapter())
	r.Register(NewEchoAdapter())
	return r
}

func (r *Registry) Register(a ports.EngineAdapter) {
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(engineType string) (ports.EngineAdapter, error) {
	a, ok := r.adapters[engineType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown engine type %q", domain.ErrValidation, engineType)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
