package application

import (
	"context"
	"time"

	"github.com/bnema/sessionkeeper/internal/domain"
)

// Start runs the health monitor every HealthCheckInterval until Stop is
// called or ctx is done. Calling Start twice has no effect.
func (m *ConnectionPoolManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.monitoring {
		m.mu.Unlock()
		return
	}
	m.monitoring = true
	monitorCtx, cancel := context.WithCancel(ctx)
	m.monitorStop = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.HealthCheckInterval)
		defer ticker.Stop()

		m.logger.Info("health monitor started", "interval", m.cfg.HealthCheckInterval)
		for {
			select {
			case <-ticker.C:
				m.CheckHealth(monitorCtx)
			case <-monitorCtx.Done():
				m.logger.Info("health monitor stopped")
				return
			case <-m.baseCtx.Done():
				return
			}
		}
	}()
}

// Stop halts the monitor and pending reconnections, then closes every
// connection. Stop is final: later Start calls do nothing and
// AcquireConnection fails with domain.ErrPoolStopped.
func (m *ConnectionPoolManager) Stop() {
	m.mu.Lock()
	stop := m.monitorStop
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.mu.Lock()
	m.baseCancel()
	m.mu.Unlock()
	m.wg.Wait()

	m.mu.Lock()
	owners := make([]string, 0, len(m.connections))
	for owner := range m.connections {
		owners = append(owners, owner)
	}
	m.mu.Unlock()

	for _, owner := range owners {
		m.ReleaseConnection(owner)
	}
}

// CheckHealth runs one monitoring pass: degraded or inactive connections
// are scheduled for reconnection, then empty surplus pools are removed. It
// returns the number of reconnections scheduled.
func (m *ConnectionPoolManager) CheckHealth(ctx context.Context) int {
	m.mu.Lock()
	regs := make([]*registration, 0, len(m.connections))
	for _, reg := range m.connections {
		regs = append(regs, reg)
	}
	m.mu.Unlock()

	now := m.clock.Now()
	scheduled := 0
	for _, reg := range regs {
		info := reg.conn.Info()
		inactive := info.State == domain.ConnectionStateOpen && now.Sub(info.LastActivity) > m.cfg.InactivityThreshold
		if info.State != domain.ConnectionStateDegraded && !inactive {
			continue
		}
		if m.scheduleReconnection(ctx, reg) {
			scheduled++
		}
	}

	if removed := m.cleanupPools(); removed > 0 {
		m.logger.Debug("health check removed empty pools", "removed", removed)
	}
	return scheduled
}

// scheduleReconnection waits ReconnectDelay and a reconnect token, then
// replaces the owner's connection. At most one reconnection per owner runs
// at a time.
func (m *ConnectionPoolManager) scheduleReconnection(ctx context.Context, reg *registration) bool {
	owner := reg.conn.OwnerKey()

	m.mu.Lock()
	if m.baseCtx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	if _, busy := m.reconnecting[owner]; busy {
		m.mu.Unlock()
		return false
	}
	m.reconnecting[owner] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("reconnection scheduled", "owner", owner, "state", string(reg.conn.State()))

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.reconnecting, owner)
			m.mu.Unlock()
		}()

		reconnectCtx, cancel := mergeDone(ctx, m.baseCtx)
		defer cancel()

		if err := sleepContext(reconnectCtx, m.cfg.ReconnectDelay); err != nil {
			return
		}
		if err := m.limiter.Wait(reconnectCtx); err != nil {
			return
		}

		m.mu.Lock()
		current, ok := m.connections[owner]
		m.mu.Unlock()
		if !ok || current.conn != reg.conn {
			return
		}

		m.ReleaseConnection(owner)
		if _, err := m.AcquireConnection(reconnectCtx, owner, reg.opts); err != nil {
			m.logger.Warn("reconnection failed", "owner", owner, "error", err.Error())
			return
		}
		m.logger.Info("reconnected", "owner", owner)
	}()
	return true
}

// mergeDone returns a context canceled when either parent is done.
func mergeDone(ctx context.Context, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
