package status

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bnema/sessionkeeper/internal/domain"
)

// Snapshot is everything `sk status` shows.
type Snapshot struct {
	Session  SessionStatus
	Backends []BackendStatus
	Pools    domain.PoolStats
}

type SessionStatus struct {
	LoggedIn    bool
	Subject     string
	Token       string
	ExpiresAt   time.Time
	Refreshable bool
}

// BackendStatus is the result of reading one credential backend.
type BackendStatus struct {
	Name    string
	Present bool
	Err     string
}

type RenderOptions struct {
	Now time.Time
	// TokenLifetime scales the expiry colour ramp.
	TokenLifetime time.Duration
}

func renderView(snapshot Snapshot, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Session"),
		s.section.Render(renderSession(snapshot.Session, opts, s)),
		s.section.Render(s.title.Render("Credential backends")),
	}
	lines = append(lines, backendLines(snapshot.Backends, s)...)

	lines = append(lines,
		s.section.Render(s.title.Render("Connection pools")),
		s.header.Render(fmt.Sprintf("pools: %d  connections: %d", snapshot.Pools.ActivePools(), snapshot.Pools.TotalConnections())),
	)
	lines = append(lines, poolLines(snapshot.Pools, opts, s)...)

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderSession(session SessionStatus, opts RenderOptions, s styles) string {
	if !session.LoggedIn {
		return s.empty.Render("Not logged in.")
	}

	subject := strings.TrimSpace(session.Subject)
	if subject == "" {
		subject = "unknown subject"
	}
	parts := []string{
		s.subject.Render(subject),
		s.detail.Render("token: " + session.Token),
	}

	expiry := lipgloss.NewStyle().Foreground(expiryColor(session.ExpiresAt, opts)).Render(formatExpiry(session.ExpiresAt, opts.Now))
	line := lipgloss.JoinHorizontal(lipgloss.Top, s.key.Render("expires:"), " ", expiry)
	if session.Refreshable {
		line += " " + s.meta.Render("(refreshable)")
	}
	parts = append(parts, line)

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func backendLines(backends []BackendStatus, s styles) []string {
	if len(backends) == 0 {
		return []string{s.empty.Render("No credential backends configured.")}
	}

	width := 0
	for _, backend := range backends {
		width = max(width, len(backend.Name))
	}

	lines := make([]string, 0, len(backends))
	for _, backend := range backends {
		label := s.key.Render(fmt.Sprintf("%-*s", width, backend.Name))
		var state string
		switch {
		case backend.Err != "":
			state = s.warning.Render("unavailable: " + backend.Err)
		case backend.Present:
			state = s.ok.Render("credential stored")
		default:
			state = s.empty.Render("empty")
		}
		lines = append(lines, label+"  "+state)
	}
	return lines
}

func poolLines(stats domain.PoolStats, opts RenderOptions, s styles) []string {
	if len(stats.Pools) == 0 {
		return []string{s.empty.Render("No pools.")}
	}

	byPool := map[domain.PoolID][]domain.ConnectionInfo{}
	for _, conn := range stats.Connections {
		byPool[conn.PoolID] = append(byPool[conn.PoolID], conn)
	}

	lines := make([]string, 0, len(stats.Pools)+len(stats.Connections))
	for _, pool := range stats.Pools {
		load := pool.LoadPercent()
		line := lipgloss.JoinHorizontal(
			lipgloss.Top,
			s.key.Render(string(pool.ID)),
			" ",
			renderProgressBar(load, 20, s),
			" ",
			s.meta.Render(fmt.Sprintf("%d/%d (%3.0f%%)", len(pool.Members), pool.Capacity, load)),
		)
		if pool.Full() {
			line += " " + s.warning.Render("[full]")
		}
		lines = append(lines, line)

		for _, conn := range byPool[pool.ID] {
			lines = append(lines, "  "+connectionLine(conn, opts, s))
		}
	}
	return lines
}

func connectionLine(conn domain.ConnectionInfo, opts RenderOptions, s styles) string {
	state := string(conn.State)
	switch conn.State {
	case domain.ConnectionStateOpen:
		if conn.Healthy {
			state = s.ok.Render(state)
		} else {
			state = s.warning.Render(state + " (idle)")
		}
	case domain.ConnectionStateDegraded, domain.ConnectionStateFailed:
		state = s.warning.Render(state)
	default:
		state = s.meta.Render(state)
	}

	line := fmt.Sprintf("%s %s", s.detail.Render(conn.OwnerKey), state)
	if !conn.LastActivity.IsZero() && !opts.Now.IsZero() {
		line += " " + s.meta.Render("last activity "+formatAgo(opts.Now.Sub(conn.LastActivity)))
	}
	if conn.ReconnectAttempts > 0 {
		line += " " + s.meta.Render(fmt.Sprintf("reconnects: %d", conn.ReconnectAttempts))
	}
	return line
}

func renderProgressBar(percent float64, width int, s styles) string {
	if width <= 0 {
		return ""
	}

	filled := int(math.Round(float64(width) * clampPercent(percent) / 100))
	filled = min(max(filled, 0), width)

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		s.barFill.Render(strings.Repeat("=", filled)),
		s.barEmpty.Render(strings.Repeat("-", width-filled)),
		s.barBracket.Render("]"),
	)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func formatExpiry(expiresAt, now time.Time) string {
	if expiresAt.IsZero() {
		return "unknown"
	}
	if now.IsZero() {
		return expiresAt.Format(time.RFC3339)
	}
	if !expiresAt.After(now) {
		return "expired " + formatAgo(now.Sub(expiresAt))
	}

	remaining := expiresAt.Sub(now)
	if remaining < time.Hour {
		minutes := max(int(math.Ceil(remaining.Minutes())), 1)
		return fmt.Sprintf("in %d min (%s)", minutes, expiresAt.Format("15:04"))
	}
	if remaining < 24*time.Hour {
		hours := int(math.Ceil(remaining.Hours()))
		return fmt.Sprintf("in %d %s (%s)", hours, plural(hours, "hour"), expiresAt.Format("15:04"))
	}
	days := int(math.Ceil(remaining.Hours() / 24))
	return fmt.Sprintf("in %d %s (%s)", days, plural(days, "day"), expiresAt.Format("15:04 on 02 Jan"))
}

func formatAgo(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}

func interpolateColor(value, min, max float64) lipgloss.Color {
	if max == min {
		return lipgloss.Color("255")
	}

	normalized := (value - min) / (max - min)
	if normalized < 0 {
		normalized = 0
	}
	if normalized > 1 {
		normalized = 1
	}

	// ANSI 256 greyscale ramp from 240 (faded) to 255 (bright).
	baseColor := 240.0
	targetColor := 255.0
	return lipgloss.Color(fmt.Sprintf("%d", int(baseColor+(targetColor-baseColor)*normalized)))
}

// expiryColor brightens as expiry approaches; expired tokens are red.
func expiryColor(expiresAt time.Time, opts RenderOptions) lipgloss.Color {
	if expiresAt.IsZero() || opts.Now.IsZero() {
		return lipgloss.Color("255")
	}
	if !expiresAt.After(opts.Now) {
		return lipgloss.Color("203")
	}

	lifetime := opts.TokenLifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	inverted := lifetime.Seconds() - expiresAt.Sub(opts.Now).Seconds()
	return interpolateColor(inverted, 0, lifetime.Seconds())
}
