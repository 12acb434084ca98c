package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/changqingla/ireader/types"
)

// DialFunc opens one connection to a tool server.
type DialFunc func(ctx context.Context) (Conn, error)

// PooledConnection wraps one live connection with usage bookkeeping.
type PooledConnection struct {
	conn      Conn
	inUse     bool
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
}

// PoolStats is a point-in-time snapshot for health reporting.
type PoolStats struct {
	Total     int `json:"total"`
	InUse     int `json:"in_use"`
	Available int `json:"available"`
	Connected int `json:"connected"`
}

// Pool manages pooled connections to one tool server. Connections open
// lazily up to PoolMax and are reused; waiters park on a condition
// variable until a release or their timeout. The lock guards only
// in-memory bookkeeping, never a dial or a call in flight.
type Pool struct {
	config ServerConfig
	dial   DialFunc
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	conns   []*PooledConnection
	dialing int
	tools   []ToolInfo
	ready   bool
	closed  bool

	retryBase time.Duration
}

// NewPool creates a pool for one server. dial defaults to the stdio
// client dialer.
func NewPool(config ServerConfig, dial DialFunc, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := config.withDefaults()
	p := &Pool{
		config:    cfg,
		dial:      dial,
		logger:    logger.With(zap.String("component", "tool_pool"), zap.String("server", cfg.ID)),
		retryBase: time.Second,
	}
	if p.dial == nil {
		p.dial = func(ctx context.Context) (Conn, error) {
			return Dial(ctx, cfg, logger)
		}
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Initialize opens the minimum number of connections concurrently and
// discovers the server's tool catalog. Partial success is acceptable;
// at least one live connection is required.
func (p *Pool) Initialize(ctx context.Context) error {
	var (
		g     errgroup.Group
		mu    sync.Mutex
		conns []*PooledConnection
	)
	for i := 0; i < p.config.PoolMin; i++ {
		g.Go(func() error {
			conn, err := p.dialWithRetry(ctx)
			if err != nil {
				p.logger.Warn("initial connection failed", zap.Error(err))
				return nil
			}
			mu.Lock()
			now := time.Now()
			conns = append(conns, &PooledConnection{conn: conn, createdAt: now, lastUsed: now})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(conns) == 0 {
		return types.NewError(types.ErrConnectionFailure,
			fmt.Sprintf("no connection to server %s could be established", p.config.ID))
	}

	tools, err := conns[0].conn.ListTools(ctx)
	if err != nil {
		p.logger.Warn("tool discovery failed", zap.Error(err))
	}

	p.mu.Lock()
	p.conns = conns
	p.tools = tools
	p.ready = true
	p.mu.Unlock()

	p.logger.Info("pool initialized",
		zap.Int("connections", len(conns)),
		zap.Int("tools", len(tools)))
	return nil
}

// dialWithRetry retries connection establishment with exponential backoff
// (1s, 2s, 4s, ...) up to the configured retry count.
func (p *Pool) dialWithRetry(ctx context.Context) (Conn, error) {
	var lastErr error
	delay := p.retryBase
	for attempt := 0; attempt < p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		conn, err := p.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		p.logger.Warn("dial attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", p.config.ID, p.config.MaxRetries, lastErr)
}

// Tools returns the catalog discovered at initialization.
func (p *Pool) Tools() []ToolInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ToolInfo, len(p.tools))
	copy(out, p.tools)
	return out
}

// Ready reports whether initialization succeeded.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Acquire returns an idle connection, dialing a new one when the pool has
// headroom, or waits until a release or the timeout.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*PooledConnection, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		p.cond.Broadcast()
	})
	defer timer.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, fmt.Errorf("pool for %s is closed", p.config.ID)
		}

		if pc := p.idleLocked(); pc != nil {
			pc.inUse = true
			pc.lastUsed = time.Now()
			pc.useCount++
			return pc, nil
		}

		if len(p.conns)+p.dialing < p.config.PoolMax {
			return p.growLocked(ctx)
		}

		if !time.Now().Before(deadline) {
			return nil, types.NewError(types.ErrConnectionFailure,
				fmt.Sprintf("no connection to %s available within %v", p.config.ID, timeout)).
				WithRetryable(true)
		}
		p.cond.Wait()
	}
}

func (p *Pool) idleLocked() *PooledConnection {
	for _, pc := range p.conns {
		if !pc.inUse && pc.conn.Connected() {
			return pc
		}
	}
	return nil
}

// growLocked opens one extra connection. The lock is dropped for the dial
// and retaken to insert the result.
func (p *Pool) growLocked(ctx context.Context) (*PooledConnection, error) {
	p.dialing++
	p.mu.Unlock()

	conn, err := p.dialWithRetry(ctx)

	p.mu.Lock()
	p.dialing--
	if err != nil {
		p.cond.Signal()
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		p.mu.Lock()
		return nil, fmt.Errorf("pool for %s is closed", p.config.ID)
	}

	now := time.Now()
	pc := &PooledConnection{conn: conn, inUse: true, createdAt: now, lastUsed: now, useCount: 1}
	p.conns = append(p.conns, pc)
	return pc, nil
}

// Release returns a connection to the pool and wakes one waiter.
func (p *Pool) Release(pc *PooledConnection) {
	p.mu.Lock()
	pc.inUse = false
	p.mu.Unlock()
	p.cond.Signal()
}

// CallTool acquires a connection, invokes the tool with a hard timeout and
// always releases. Failures come back inside the result, not as an error,
// so the reasoning loop can record them as observations.
func (p *Pool) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) *types.ToolResult {
	start := time.Now()
	if timeout <= 0 {
		timeout = p.config.Timeout
	}

	pc, err := p.Acquire(ctx, timeout)
	if err != nil {
		return types.ErrorResult(name, err.Error(), time.Since(start))
	}
	defer p.Release(pc)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := pc.conn.CallTool(callCtx, name, args)
	if err != nil {
		return types.ErrorResult(name, err.Error(), time.Since(start))
	}
	if result.IsError {
		return types.ErrorResult(name, result.Text(), time.Since(start))
	}
	return types.TextResult(name, result.Text(), time.Since(start))
}

// Stats snapshots pool occupancy for health reporting.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{Total: len(p.conns)}
	for _, pc := range p.conns {
		if pc.inUse {
			s.InUse++
		} else {
			s.Available++
		}
		if pc.conn.Connected() {
			s.Connected++
		}
	}
	return s
}

// Close tears down every connection and fails all waiters.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	p.cond.Broadcast()

	for _, pc := range conns {
		_ = pc.conn.Close()
	}
	return nil
}
