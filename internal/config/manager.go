package config

import (
	"fmt"
	"sync"
)

// Manager provides thread-safe access to live configuration.
type Manager interface {
	Get() *Config
	Set(cfg *Config)
	Reload(path string) error
}

// RWMutexManager provides read-heavy config access using an RWMutex.
type RWMutexManager struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewManager constructs a manager with an initial config.
func NewManager(initial *Config) *RWMutexManager {
	return &RWMutexManager{cfg: initial}
}

// Get returns the current config pointer under a shared lock.
func (m *RWMutexManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Set updates the current config pointer under an exclusive lock.
func (m *RWMutexManager) Set(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Reload loads config from path and swaps it into place. Store paths are
// pinned at startup: a reload that moves them is rejected, since the
// services hold per-path locks on the originals.
func (m *RWMutexManager) Reload(path string) error {
	if path == "" {
		return fmt.Errorf("config reload path is required")
	}

	loaded, err := Load(path)
	if err != nil {
		return err
	}

	current := m.Get()
	if current != nil && current.Stores != loaded.Stores {
		return fmt.Errorf("store paths cannot change at runtime")
	}

	m.Set(loaded)
	return nil
}

var _ Manager = (*RWMutexManager)(nil)
