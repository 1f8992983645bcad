// Package store provides state.Store adapters over existing key-value media.
package store

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"oidcclient/state"
)

// DefaultPrefix namespaces state keys inside a shared medium.
const DefaultPrefix = "oidc."

// Memory keeps states in process memory.
type Memory struct {
	mu     sync.RWMutex
	prefix string
	items  map[string]string
	logger *slog.Logger
}

var _ state.Store = (*Memory)(nil)

// NewMemory constructs the store.
func NewMemory(prefix string, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		prefix: prefix,
		items:  make(map[string]string),
		logger: logger,
	}
}

// Set stores or replaces a value.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.logger.Debug("memory store set", "key", key)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[m.prefix+key] = value
	return nil
}

// Get retrieves a value by key.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.logger.Debug("memory store get", "key", key)
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[m.prefix+key]
	return v, ok, nil
}

// Remove deletes a value and returns what was stored.
func (m *Memory) Remove(_ context.Context, key string) (string, bool, error) {
	m.logger.Debug("memory store remove", "key", key)
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[m.prefix+key]
	delete(m.items, m.prefix+key)
	return v, ok, nil
}

// GetAllKeys lists keys under the prefix, sorted.
func (m *Memory) GetAllKeys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		if strings.HasPrefix(k, m.prefix) {
			keys = append(keys, strings.TrimPrefix(k, m.prefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}
