package stagekit

import (
	"sync"

	"github.com/nexxia-ai/reelforge/registry"
)

var (
	handlerRegistry = make(map[registry.StageName]Handler)
	registryMu      sync.RWMutex
)

// Register adds h to the handler registry under its own StageName.
// Handlers are expected to be registered once at startup; registering
// twice for the same stage replaces the previous handler.
func Register(h Handler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	handlerRegistry[h.StageName()] = h
}

// Lookup returns the handler registered for name, if any. An absent
// handler is not itself an error: claim_stage still succeeds without
// one, only execute requires it.
func Lookup(name registry.StageName) (Handler, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := handlerRegistry[name]
	return h, ok
}

// Unregister removes the handler registered for name, if any.
func Unregister(name registry.StageName) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(handlerRegistry, name)
}

// Registered lists every stage with a registered handler.
func Registered() []registry.StageName {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]registry.StageName, 0, len(handlerRegistry))
	for name := range handlerRegistry {
		names = append(names, name)
	}
	return names
}
