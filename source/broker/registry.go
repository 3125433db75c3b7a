package broker

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Connector (memory, amqp091, kafka, …).
type Factory func() Connector

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register is called from each driver's init().
func Register(name string, f Factory) {
	mu.Lock()
	registry[name] = f
	mu.Unlock()
}

// NewConnector returns a driver by name.
func NewConnector(name string) (Connector, error) {
	mu.RLock()
	f, ok := registry[name]
	mu.RUnlock()
	if ok {
		return f(), nil
	}
	return nil, fmt.Errorf("broker: unsupported driver %q", name)
}

// Drivers lists the registered driver names.
func Drivers() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
