package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type PoolID string

type ConnectionState string

const (
	ConnectionStateConnecting ConnectionState = "connecting"
	ConnectionStateOpen       ConnectionState = "open"
	ConnectionStateDegraded   ConnectionState = "degraded"
	ConnectionStateClosed     ConnectionState = "closed"
	// ConnectionStateFailed is terminal: the retry budget is exhausted and
	// no further automatic reconnection happens.
	ConnectionStateFailed ConnectionState = "failed"
)

func (s ConnectionState) Terminal() bool {
	return s == ConnectionStateClosed || s == ConnectionStateFailed
}

type ConnectionInfo struct {
	ID                string
	OwnerKey          string
	PoolID            PoolID
	State             ConnectionState
	LastActivity      time.Time
	ReconnectAttempts int
	Healthy           bool
}

type PoolInfo struct {
	ID       PoolID
	Capacity int
	Members  []string
}

func (p PoolInfo) Validate() error {
	if strings.TrimSpace(string(p.ID)) == "" {
		return fmt.Errorf("id is required")
	}
	if p.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive")
	}
	if len(p.Members) > p.Capacity {
		return fmt.Errorf("pool %s holds %d members over capacity %d", p.ID, len(p.Members), p.Capacity)
	}

	return nil
}

// LoadPercent is the share of capacity in use, 0..100.
func (p PoolInfo) LoadPercent() float64 {
	if p.Capacity <= 0 {
		return 100
	}
	return float64(len(p.Members)) / float64(p.Capacity) * 100
}

func (p PoolInfo) Full() bool {
	return len(p.Members) >= p.Capacity
}

func (p *PoolInfo) NormalizeMembers() {
	if p == nil {
		return
	}

	members := make([]string, 0, len(p.Members))
	seen := make(map[string]struct{}, len(p.Members))
	for _, member := range p.Members {
		trimmed := strings.TrimSpace(member)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		members = append(members, trimmed)
	}
	sort.Strings(members)

	p.Members = members
}

type PoolStats struct {
	Pools       []PoolInfo
	Connections []ConnectionInfo
}

func (s PoolStats) ActivePools() int {
	return len(s.Pools)
}

func (s PoolStats) TotalConnections() int {
	return len(s.Connections)
}

// StreamEvent is one typed message received on a streaming connection.
type StreamEvent struct {
	Type       string
	Data       []byte
	ReceivedAt time.Time
}
