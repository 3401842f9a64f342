// factory.go implements the store backend registry and factory, mapping
// backend type strings (redis, postgres, file) to constructor functions and
// dispatching NewStore calls.
package store

import (
	"fmt"

	"github.com/recipegate/recipegate/internal/config"
)

// FactoryFunc constructs a Store from application configuration.
type FactoryFunc func(*config.Config) (Store, error)

var factories = make(map[string]FactoryFunc)

// Register registers a store backend factory under name.
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewStore creates the store backend selected by configuration.
func NewStore(cfg *config.Config) (Store, error) {
	factory, ok := factories[cfg.Store.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported store backend: %s (must be 'redis', 'postgres', or 'file')", cfg.Store.Backend)
	}
	return factory(cfg)
}
