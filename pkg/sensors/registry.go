// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sensors

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
)

// NewSource is a factory that creates a provider instance with the given
// logger and configuration.
type NewSource func(logger logr.Logger, config Config) (Source, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]NewSource)
)

// Register adds a NewSource factory to the global registry under name.
//
// This is usually called from provider package init() functions. It panics
// if a factory for name is already registered.
func Register(name string, factory NewSource) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("sensor source %q already registered", name))
	}
	registry[name] = factory
}

// GetSource retrieves the factory registered under name.
func GetSource(name string) (NewSource, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	factory, exists := registry[name]
	if !exists {
		return nil, fmt.Errorf("sensor source %q not found (available: %v)", name, availableLocked())
	}
	return factory, nil
}

// AvailableSources returns the names of all registered providers.
func AvailableSources() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return availableLocked()
}

func availableLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
