package protocol

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/changqingla/ireader/tool"
)

// Manager owns one pool per configured tool server and keeps the shared
// tool registry in sync with server connect/disconnect events.
type Manager struct {
	configs  []ServerConfig
	registry *tool.Registry
	logger   *zap.Logger

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewManager creates a manager for a declarative server list.
func NewManager(configs []ServerConfig, registry *tool.Registry, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		configs:  configs,
		registry: registry,
		logger:   logger.With(zap.String("component", "protocol_manager")),
		pools:    make(map[string]*Pool),
	}
}

// Start validates each server config, initializes its pool concurrently and
// registers the discovered tools. A server that fails to come up is logged
// and skipped; Start fails only when every configured server is down.
func (m *Manager) Start(ctx context.Context) error {
	if len(m.configs) == 0 {
		return nil
	}

	var g errgroup.Group
	for _, cfg := range m.configs {
		cfg := cfg
		g.Go(func() error {
			if err := cfg.Validate(); err != nil {
				m.logger.Error("invalid server config", zap.Error(err))
				return nil
			}

			pool := NewPool(cfg, nil, m.logger)
			if err := pool.Initialize(ctx); err != nil {
				m.logger.Error("server unavailable",
					zap.String("server", cfg.ID),
					zap.Error(err))
				return nil
			}

			m.mu.Lock()
			m.pools[cfg.ID] = pool
			m.mu.Unlock()

			m.registerTools(pool, cfg.ID)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	up := len(m.pools)
	m.mu.Unlock()
	if up == 0 {
		return fmt.Errorf("none of the %d configured tool servers came up", len(m.configs))
	}
	m.logger.Info("tool servers started",
		zap.Int("up", up),
		zap.Int("configured", len(m.configs)))
	return nil
}

func (m *Manager) registerTools(pool *Pool, serverID string) {
	infos := pool.Tools()
	tools := make([]tool.Tool, 0, len(infos))
	for _, info := range infos {
		tools = append(tools, NewAdapterTool(info, pool, serverID, m.logger))
	}
	m.registry.RegisterProtocolTools(tools, serverID)
}

// Pool returns the pool for a server id.
func (m *Manager) Pool(serverID string) (*Pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[serverID]
	return p, ok
}

// Stats reports per-server pool occupancy.
func (m *Manager) Stats() map[string]PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]PoolStats, len(m.pools))
	for id, p := range m.pools {
		out[id] = p.Stats()
	}
	return out
}

// StopServer tears down one server's pool and unregisters its tools.
func (m *Manager) StopServer(serverID string) {
	m.mu.Lock()
	pool, ok := m.pools[serverID]
	delete(m.pools, serverID)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.registry.UnregisterServerTools(serverID)
	if err := pool.Close(); err != nil {
		m.logger.Warn("pool close failed", zap.String("server", serverID), zap.Error(err))
	}
}

// Stop shuts down every pool.
func (m *Manager) Stop() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.StopServer(id)
	}
}
