package crowd

import (
	"fmt"
	"sync"
)

// Factory is a constructor function that creates a new Platform instance from
// its settings map.
type Factory func(settings map[string]string) (Platform, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a platform factory available by driver name.
// It is typically called from an init() function in the adapter package.
func Register(driver string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[driver]; exists {
		panic(fmt.Sprintf("crowd: duplicate registration for %q", driver))
	}
	factories[driver] = factory
}

// New creates a new Platform using the factory registered under driver.
func New(driver string, settings map[string]string) (Platform, error) {
	mu.RLock()
	factory, ok := factories[driver]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("crowd: unknown platform driver %q", driver)
	}
	return factory(settings)
}

// Available returns the names of all registered platform drivers.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}
