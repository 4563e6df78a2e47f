package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pithrun/pith/pkg/config"
)

// Factory builds a Model from resolved config. Providers self-register at
// init() time, mirroring the teacher's provider-factory registration
// pattern so adding a provider never touches call sites.
type Factory func(cfg *config.Config) (Model, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory registers a named provider factory. Call from init().
func RegisterFactory(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[strings.ToLower(name)] = f
}

// SupportedProviders lists every registered provider name, sorted.
func SupportedProviders() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the Model named by cfg.Model.Provider.
func New(cfg *config.Config) (Model, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Model.Provider))
	if name == "" {
		name = "openai"
	}
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model: unsupported provider %q (supported: %s)", name, strings.Join(SupportedProviders(), ", "))
	}
	return f(cfg)
}
