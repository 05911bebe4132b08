package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/ws-gateway/internal/config"
	"github.com/SkynetNext/ws-gateway/internal/logger"
	"github.com/SkynetNext/ws-gateway/internal/metrics"
	"github.com/SkynetNext/ws-gateway/internal/store"
)

// UpdateConfig installs a new configuration (hot reload). Settings bound
// at startup, such as listen and advertise addresses, cannot change.
func (g *Gateway) UpdateConfig(newConfig *config.Config) error {
	snap, err := g.cfg.Update(newConfig)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("failure").Inc()
		return fmt.Errorf("invalid configuration: %w", err)
	}
	metrics.ConfigReloads.WithLabelValues("success").Inc()
	g.log.Info("configuration updated successfully", zap.Uint64("version", snap.Version))
	return nil
}

// WatchConfig reloads the configuration whenever path changes, until ctx is done
func (g *Gateway) WatchConfig(ctx context.Context, path string, interval time.Duration) error {
	return g.cfg.WatchFile(ctx, path, interval, func(err error) {
		metrics.ConfigReloads.WithLabelValues("failure").Inc()
		g.log.Warn("configuration reload rejected", zap.Error(err))
	})
}

// onConfigReload applies the parts of a new configuration that live outside
// the config store. Components reading the store pick up the rest on
// their next call.
func (g *Gateway) onConfigReload(prev, next *config.Config) error {
	if next.Security.MaxConnections != prev.Security.MaxConnections {
		g.connLimiter.SetMax(int64(next.Security.MaxConnections))
		g.log.Info("connection limit updated",
			zap.Int("old_max", prev.Security.MaxConnections),
			zap.Int("new_max", next.Security.MaxConnections))
	}

	if next.Security.MaxConnectionsPerIP != prev.Security.MaxConnectionsPerIP ||
		next.Security.ConnectionRateLimit != prev.Security.ConnectionRateLimit {
		g.ipLimiter.SetLimits(next.Security.MaxConnectionsPerIP, next.Security.ConnectionRateLimit)
		g.log.Info("IP limiter updated",
			zap.Int("old_max_per_ip", prev.Security.MaxConnectionsPerIP),
			zap.Int("new_max_per_ip", next.Security.MaxConnectionsPerIP),
			zap.Int("old_rate_limit", prev.Security.ConnectionRateLimit),
			zap.Int("new_rate_limit", next.Security.ConnectionRateLimit))
	}

	if next.LogLevel != prev.LogLevel {
		logger.SetLevel(next.LogLevel)
	}

	if g.db == nil {
		g.staticApps.Store(store.NewStaticApplications(next.Applications))
	} else if g.appCache != nil {
		g.appCache.Invalidate()
	}
	return nil
}
