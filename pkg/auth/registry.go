package auth

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a validator for one provider type.
type Factory func(cfg Config) (Validator, error)

var (
	registry = make(map[string]Factory)
	mu       sync.RWMutex
)

// RegisterProvider registers a validator factory for a provider type
func RegisterProvider(providerType string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[providerType] = factory
}

// NewValidator creates a validator for cfg.Type.
func NewValidator(cfg Config) (Validator, error) {
	mu.RLock()
	factory, ok := registry[cfg.Type]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown auth provider type: %s", cfg.Type)
	}

	return factory(cfg)
}

// ListProviders returns registered provider types, sorted.
func ListProviders() []string {
	mu.RLock()
	defer mu.RUnlock()

	providers := make([]string, 0, len(registry))
	for name := range registry {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}
