package config

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Snapshot is one immutable version of the configuration
type Snapshot struct {
	Version uint64
	Config  *Config
}

// Store holds the current configuration snapshot behind an atomically
// swapped pointer. Readers never block writers.
type Store struct {
	current  atomic.Pointer[Snapshot]
	onReload func(prev, next *Config) error
}

// NewStore creates a store holding the initial configuration as version 1
func NewStore(initial *Config, onReload func(prev, next *Config) error) *Store {
	s := &Store{onReload: onReload}
	s.current.Store(&Snapshot{Version: 1, Config: initial})
	return s
}

// Current returns the current configuration
func (s *Store) Current() *Config {
	return s.current.Load().Config
}

// Snapshot returns the current snapshot
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Update validates and installs a new configuration
func (s *Store) Update(next *Config) (*Snapshot, error) {
	if err := ValidateConfig(next); err != nil {
		return nil, err
	}

	for {
		prev := s.current.Load()
		if err := checkImmutable(prev.Config, next); err != nil {
			return nil, err
		}
		snap := &Snapshot{Version: prev.Version + 1, Config: next}
		if !s.current.CompareAndSwap(prev, snap) {
			continue
		}
		if s.onReload != nil {
			if err := s.onReload(prev.Config, next); err != nil {
				return snap, fmt.Errorf("reload hook: %w", err)
			}
		}
		return snap, nil
	}
}

// checkImmutable rejects changes to settings that are bound at startup
func checkImmutable(prev, next *Config) error {
	if prev.Server.ListenAddr != next.Server.ListenAddr {
		return fmt.Errorf("server.listen_addr cannot change at runtime")
	}
	if prev.AdvertiseAddr() != next.AdvertiseAddr() {
		return fmt.Errorf("server advertise address cannot change at runtime")
	}
	if prev.Redis.Addr != next.Redis.Addr || prev.Redis.KeyPrefix != next.Redis.KeyPrefix {
		return fmt.Errorf("redis settings cannot change at runtime")
	}
	return nil
}

// WatchFile polls configPath and installs every valid change.
// Errors are reported through onError and the previous snapshot stays active.
func (s *Store) WatchFile(ctx context.Context, configPath string, interval time.Duration, onError func(error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			next, err := Load(configPath)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if equalConfig(s.Current(), next) {
				continue
			}
			if _, err := s.Update(next); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

func equalConfig(a, b *Config) bool {
	return fmt.Sprintf("%+v", *a) == fmt.Sprintf("%+v", *b)
}
