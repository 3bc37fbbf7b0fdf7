package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

const (
	defaultInitialPools        = 1
	defaultMinPools            = 1
	defaultMaxPools            = 4
	defaultPoolCapacity        = 50
	defaultConnectTimeout      = 10 * time.Second
	defaultHealthCheckInterval = 30 * time.Second
	defaultInactivityThreshold = 2 * time.Minute
	defaultReconnectDelay      = time.Second
	defaultReconnectRate       = rate.Limit(2)
)

type PoolConfig struct {
	InitialPools int
	MinPools     int
	MaxPools     int
	PoolCapacity int
	// ConnectTimeout bounds how long AcquireConnection waits for open.
	ConnectTimeout      time.Duration
	HealthCheckInterval time.Duration
	InactivityThreshold time.Duration
	ReconnectDelay      time.Duration
	// ReconnectRate throttles scheduled reconnections across all owners.
	ReconnectRate  rate.Limit
	ReconnectBurst int
	Stream         StreamConfig
	Clock          ports.Clock
	Logger         *slog.Logger
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MinPools <= 0 {
		c.MinPools = defaultMinPools
	}
	if c.MaxPools <= 0 {
		c.MaxPools = defaultMaxPools
	}
	if c.MaxPools < c.MinPools {
		c.MaxPools = c.MinPools
	}
	if c.InitialPools <= 0 {
		c.InitialPools = defaultInitialPools
	}
	c.InitialPools = min(max(c.InitialPools, c.MinPools), c.MaxPools)
	if c.PoolCapacity <= 0 {
		c.PoolCapacity = defaultPoolCapacity
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = defaultHealthCheckInterval
	}
	if c.InactivityThreshold <= 0 {
		c.InactivityThreshold = defaultInactivityThreshold
	}
	if c.ReconnectDelay < 0 {
		c.ReconnectDelay = 0
	} else if c.ReconnectDelay == 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.ReconnectRate <= 0 {
		c.ReconnectRate = defaultReconnectRate
	}
	if c.ReconnectBurst <= 0 {
		c.ReconnectBurst = 1
	}
	if c.Clock == nil {
		c.Clock = ports.SystemClock{}
	}
	c.Logger = loggerOrDiscard(c.Logger)
	if c.Stream.Clock == nil {
		c.Stream.Clock = c.Clock
	}
	if c.Stream.Logger == nil {
		c.Stream.Logger = c.Logger
	}
	return c
}

type AcquireOptions struct {
	Handler func(domain.StreamEvent)
}

type pool struct {
	id      domain.PoolID
	members map[string]struct{}
}

func (p *pool) info(capacity int) domain.PoolInfo {
	info := domain.PoolInfo{ID: p.id, Capacity: capacity}
	for owner := range p.members {
		info.Members = append(info.Members, owner)
	}
	info.NormalizeMembers()
	return info
}

type registration struct {
	conn *StreamConnection
	opts AcquireOptions
}

// ConnectionPoolManager spreads owners' stream connections over a bounded
// set of pools and keeps them healthy. Each owner has at most one
// connection at a time.
type ConnectionPoolManager struct {
	transport ports.StreamTransport
	tokens    TokenSource
	bus       *EventBus
	cfg       PoolConfig
	clock     ports.Clock
	logger    *slog.Logger
	limiter   *rate.Limiter

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu           sync.Mutex
	pools        []*pool
	connections  map[string]*registration
	reconnecting map[string]struct{}
	monitoring   bool
	monitorStop  context.CancelFunc
	wg           sync.WaitGroup
}

func NewConnectionPoolManager(transport ports.StreamTransport, tokens TokenSource, bus *EventBus, cfg PoolConfig) *ConnectionPoolManager {
	cfg = cfg.withDefaults()
	if bus == nil {
		bus = NewEventBus(cfg.Logger)
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())

	m := &ConnectionPoolManager{
		transport:    transport,
		tokens:       tokens,
		bus:          bus,
		cfg:          cfg,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		limiter:      rate.NewLimiter(cfg.ReconnectRate, cfg.ReconnectBurst),
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
		connections:  make(map[string]*registration),
		reconnecting: make(map[string]struct{}),
	}
	for range cfg.InitialPools {
		m.pools = append(m.pools, m.newPool())
	}
	return m
}

func (m *ConnectionPoolManager) newPool() *pool {
	return &pool{id: domain.PoolID("pool-" + ulid.Make().String()), members: make(map[string]struct{})}
}

// AcquireConnection returns the owner's healthy connection, creating it in
// the least loaded pool when needed. An open connection that has been
// inactive for longer than MaxInactivity is closed and replaced.
// Concurrent calls for one owner share a single connection attempt.
func (m *ConnectionPoolManager) AcquireConnection(ctx context.Context, ownerKey string, opts AcquireOptions) (*StreamConnection, error) {
	if ownerKey == "" {
		return nil, errors.New("acquire connection: owner key is required")
	}

	m.mu.Lock()
	if m.baseCtx.Err() != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("acquire connection for %q: %w", ownerKey, domain.ErrPoolStopped)
	}

	// stale is an open connection that went quiet; it is replaced.
	var stale *StreamConnection
	if reg, ok := m.connections[ownerKey]; ok {
		conn := reg.conn
		switch state := conn.State(); {
		case state.Terminal():
			m.removeLocked(ownerKey, conn)
		case conn.IsHealthy():
			m.mu.Unlock()
			return conn, nil
		case state == domain.ConnectionStateOpen:
			m.removeLocked(ownerKey, conn)
			stale = conn
		default:
			m.mu.Unlock()
			if err := m.waitOpen(ctx, conn); err != nil {
				return nil, err
			}
			return conn, nil
		}
	}

	target, err := m.selectPoolLocked()
	if err != nil {
		m.mu.Unlock()
		closeStale(stale)
		return nil, fmt.Errorf("acquire connection for %q: %w", ownerKey, err)
	}

	var conn *StreamConnection
	conn = NewStreamConnection(ownerKey, target.id, m.transport, m.tokens, m.cfg.Stream, StreamOptions{
		Handler: opts.Handler,
		OnStateChange: func(info domain.ConnectionInfo) {
			m.onStateChange(conn, info)
		},
	})
	target.members[ownerKey] = struct{}{}
	m.connections[ownerKey] = &registration{conn: conn, opts: opts}
	conn.Start(m.baseCtx)
	m.mu.Unlock()

	if stale != nil {
		m.logger.Info("replacing inactive connection", "owner", ownerKey, "pool", string(stale.PoolID()))
		closeStale(stale)
	}
	m.logger.Debug("connection registered", "owner", ownerKey, "pool", string(target.id))

	if err := m.waitOpen(ctx, conn); err != nil {
		m.deregister(ownerKey, conn)
		return nil, err
	}
	return conn, nil
}

func closeStale(conn *StreamConnection) {
	if conn != nil {
		conn.Close()
	}
}

func (m *ConnectionPoolManager) waitOpen(ctx context.Context, conn *StreamConnection) error {
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	err := conn.WaitOpen(waitCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("acquire connection for %q: %w after %s", conn.OwnerKey(), domain.ErrConnectTimeout, m.cfg.ConnectTimeout)
	}
	return fmt.Errorf("acquire connection for %q: %w", conn.OwnerKey(), err)
}

// selectPoolLocked picks the least loaded pool with room, creating one when
// all are full and the ceiling allows. It must be called with m.mu held.
func (m *ConnectionPoolManager) selectPoolLocked() (*pool, error) {
	var best *pool
	bestLoad := 0.0
	for _, p := range m.pools {
		info := domain.PoolInfo{ID: p.id, Capacity: m.cfg.PoolCapacity, Members: make([]string, len(p.members))}
		if info.Full() {
			continue
		}
		if load := info.LoadPercent(); best == nil || load < bestLoad {
			best, bestLoad = p, load
		}
	}
	if best != nil {
		return best, nil
	}

	if len(m.pools) >= m.cfg.MaxPools {
		return nil, domain.ErrPoolsSaturated
	}
	created := m.newPool()
	m.pools = append(m.pools, created)
	m.logger.Info("connection pool created", "pool", string(created.id), "pools", len(m.pools))
	return created, nil
}

// ReleaseConnection closes and deregisters the owner's connection. It
// reports whether a connection existed.
func (m *ConnectionPoolManager) ReleaseConnection(ownerKey string) bool {
	m.mu.Lock()
	reg, ok := m.connections[ownerKey]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.removeLocked(ownerKey, reg.conn)
	m.mu.Unlock()

	reg.conn.Close()
	return true
}

func (m *ConnectionPoolManager) deregister(ownerKey string, conn *StreamConnection) {
	m.mu.Lock()
	removed := m.removeLocked(ownerKey, conn)
	m.mu.Unlock()

	if removed {
		conn.Close()
	}
}

// removeLocked drops conn from the registry if it is still the owner's
// current connection. It must be called with m.mu held.
func (m *ConnectionPoolManager) removeLocked(ownerKey string, conn *StreamConnection) bool {
	reg, ok := m.connections[ownerKey]
	if !ok || reg.conn != conn {
		return false
	}
	delete(m.connections, ownerKey)
	for _, p := range m.pools {
		if p.id == conn.PoolID() {
			delete(p.members, ownerKey)
		}
	}
	return true
}

func (m *ConnectionPoolManager) onStateChange(conn *StreamConnection, info domain.ConnectionInfo) {
	if info.State != domain.ConnectionStateFailed {
		return
	}

	m.bus.Publish(domain.ConnectionPermanentlyFailed{
		OwnerKey: info.OwnerKey,
		PoolID:   info.PoolID,
		Err:      conn.Err(),
		At:       m.clock.Now(),
	})

	m.mu.Lock()
	m.removeLocked(info.OwnerKey, conn)
	m.mu.Unlock()
}

// Connection returns the owner's registered connection, if any.
func (m *ConnectionPoolManager) Connection(ownerKey string) (*StreamConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.connections[ownerKey]
	if !ok {
		return nil, fmt.Errorf("connection for %q: %w", ownerKey, domain.ErrConnectionNotFound)
	}
	return reg.conn, nil
}

// cleanupPools removes empty pools beyond the retained minimum, newest
// first.
func (m *ConnectionPoolManager) cleanupPools() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for i := len(m.pools) - 1; i >= 0 && len(m.pools) > m.cfg.MinPools; i-- {
		if len(m.pools[i].members) > 0 {
			continue
		}
		m.logger.Info("connection pool removed", "pool", string(m.pools[i].id))
		m.pools = append(m.pools[:i], m.pools[i+1:]...)
		removed++
	}
	return removed
}

func (m *ConnectionPoolManager) Stats() domain.PoolStats {
	m.mu.Lock()
	pools := make([]domain.PoolInfo, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p.info(m.cfg.PoolCapacity))
	}
	conns := make([]*StreamConnection, 0, len(m.connections))
	for _, reg := range m.connections {
		conns = append(conns, reg.conn)
	}
	m.mu.Unlock()

	infos := make([]domain.ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].OwnerKey < infos[j].OwnerKey })

	return domain.PoolStats{Pools: pools, Connections: infos}
}
