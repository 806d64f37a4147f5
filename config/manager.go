package config

import (
	"sync/atomic"

	"github.com/mealhall/mealhall-core/types"
)

// Manager loads the config once at startup and exposes it as an immutable
// snapshot. There is no reload path: cache policy and job catalog settings
// are constructor-injected from this snapshot, never read from a mutable
// global.
type Manager struct {
	path   string
	loader *Loader
	config atomic.Pointer[types.ServiceConfig]
}

func NewManager(path string) types.ConfigManager {
	return &Manager{
		path:   path,
		loader: NewLoader(),
	}
}

func NewManagerFromConfig(config *types.ServiceConfig) types.ConfigManager {
	m := &Manager{loader: NewLoader()}
	m.config.Store(config)
	return m
}

func (m *Manager) Load() error {
	if m.config.Load() != nil {
		return nil
	}

	config, err := m.loader.LoadFromFile(m.path)
	if err != nil {
		return err
	}

	m.config.Store(config)
	return nil
}

func (m *Manager) GetConfig() *types.ServiceConfig {
	return m.config.Load()
}
