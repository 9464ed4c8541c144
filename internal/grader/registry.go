package grader

import (
	"fmt"
	"sync"

	"github.com/jpequegn/xqueue-watcher/internal/config"
	"github.com/jpequegn/xqueue-watcher/internal/sandbox"
)

// Factory builds a Dispatcher from a handler's configuration. Handlers
// self-register under a stable name via Register, resolving a handler
// name to an implementation through a startup-time registry rather than
// dynamic dispatch.
type Factory func(cfg config.HandlerConfig, jail *sandbox.JailConfig) (*Dispatcher, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a Factory under name. Calling Register twice with the same
// name is a programming error and panics, matching the pack's convention
// for handler/driver registries populated from package init().
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("grader: handler %q already registered", name))
	}
	registry[name] = factory
}

// Build resolves cfg.Handler against the registry and constructs a
// Dispatcher for it.
func Build(cfg config.HandlerConfig, jail *sandbox.JailConfig) (*Dispatcher, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Handler]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("grader: no handler registered under %q", cfg.Handler)
	}
	return factory(cfg, jail)
}
