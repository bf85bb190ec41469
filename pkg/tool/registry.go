package tool

import (
	"log/slog"
	"sync"

	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
)

// Factory builds a tool instance from a per-agent config entry.
type Factory func(cfg config.ToolConfig) (Tool, error)

type registryKey struct {
	typ  string
	name string
}

// Registry is the typed catalog of tool factories, keyed by
// (type, name). A factory registered with an empty name is the
// fallback for every config of that type, which is how the http, mcp
// and a2a adapters serve arbitrarily named instances. Registration
// happens at startup or admin reload under a single-writer lock;
// building reads a consistent snapshot.
type Registry struct {
	mu        sync.RWMutex
	factories map[registryKey]Factory
	logger    *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[registryKey]Factory),
		logger:    logger,
	}
}

// Register adds a factory. Registering the same (type, name) twice is a
// ConfigError.
func (r *Registry) Register(typ, name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey{typ: typ, name: name}
	if _, exists := r.factories[key]; exists {
		return fault.New(fault.ConfigError, "duplicate tool registration (%s, %q)", typ, name)
	}
	r.factories[key] = factory
	return nil
}

// lookup resolves (type, name), falling back to the type's wildcard.
func (r *Registry) lookup(typ, name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.factories[registryKey{typ: typ, name: name}]; ok {
		return f, true
	}
	f, ok := r.factories[registryKey{typ: typ}]
	return f, ok
}

// Build resolves an agent's tool configs into invocable instances.
// Disabled entries are skipped with a warning; an unknown (type, name)
// fails the whole build with ConfigError.
func (r *Registry) Build(configs []config.ToolConfig) ([]Tool, error) {
	var tools []Tool
	for _, tc := range configs {
		if tc.Disabled {
			r.logger.Warn("skipping disabled tool", "type", tc.Type, "name", tc.Name)
			continue
		}
		factory, ok := r.lookup(tc.Type, tc.Name)
		if !ok {
			return nil, fault.New(fault.ConfigError, "no factory for tool (%s, %q)", tc.Type, tc.Name)
		}
		t, err := factory(tc)
		if err != nil {
			return nil, fault.Wrap(fault.ConfigError, err, "building tool (%s, %q)", tc.Type, tc.Name)
		}
		tools = append(tools, t)
	}
	return tools, nil
}
