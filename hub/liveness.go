package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

type LivenessSettings struct {
	// Interval between heartbeats.
	Interval time.Duration
	// MaxMissed is how many consecutive heartbeat intervals a client may
	// stay silent before it is removed.
	MaxMissed int
}

func DefaultLivenessSettings() *LivenessSettings {
	return &LivenessSettings{
		Interval:  30 * time.Second,
		MaxMissed: 2,
	}
}

// Monitor pushes heartbeats and prunes clients that stopped talking.
// Any frame from a client counts as a sign of life: a message, an
// application ping, or the pong answering our websocket ping.
type Monitor struct {
	hub       *Hub
	settings  *LivenessSettings
	logger    *slog.Logger
	heartbeat []byte
}

func NewMonitor(h *Hub, settings *LivenessSettings, logger *slog.Logger) *Monitor {
	if settings == nil {
		settings = DefaultLivenessSettings()
	}
	if logger == nil {
		logger = slog.Default()
	}
	b, _ := json.Marshal(Outbound{Type: TypeHeartbeat})
	return &Monitor{
		hub:       h,
		settings:  settings,
		logger:    logger.With("component", "liveness"),
		heartbeat: b,
	}
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.settings.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Sweep checks every client once. It returns the number of clients removed.
func (m *Monitor) Sweep(now time.Time) int {
	pruned := 0
	for _, c := range m.hub.Clients() {
		if c.LastSeen().After(c.checkedAt) {
			c.missed = 0
		} else {
			c.missed++
		}
		c.checkedAt = now

		if c.missed >= m.settings.MaxMissed {
			m.logger.Info("client missed heartbeats, removing", "client", c.ID, "missed", c.missed, "last_seen", c.LastSeen())
			m.hub.Unregister(c)
			c.kick()
			m.hub.metrics.Pruned()
			pruned++
			continue
		}

		c.trySend(m.heartbeat)
		if err := c.ping(); err != nil {
			m.logger.Debug("ping failed", "client", c.ID, "error", err)
		}
	}
	return pruned
}
