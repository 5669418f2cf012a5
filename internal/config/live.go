package config

import "sync/atomic"

// Live holds the configuration currently in effect. Request paths read it
// on every call, so a reload takes effect without restarting listeners.
type Live struct {
	p atomic.Pointer[Config]
}

// NewLive returns a Live holding cfg.
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.p.Store(cfg)
	return l
}

// Load returns the current configuration.
func (l *Live) Load() *Config {
	return l.p.Load()
}

// Store replaces the current configuration. It is shaped as a Watcher
// callback.
func (l *Live) Store(cfg *Config) {
	l.p.Store(cfg)
}
