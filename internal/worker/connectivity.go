package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Pinger probes the data service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Triggerer accepts drain requests.
type Triggerer interface {
	Trigger(reason string) bool
}

// ConnectivityMonitor probes the data service and requests a drain when it
// becomes reachable again. The service is considered offline until the
// first successful probe.
type ConnectivityMonitor struct {
	pinger   Pinger
	trigger  Triggerer
	interval time.Duration
	onChange func(online bool)
	online   atomic.Bool
}

// NewConnectivityMonitor creates a monitor. onChange is optional and is
// called on every state transition.
func NewConnectivityMonitor(p Pinger, t Triggerer, interval time.Duration, onChange func(online bool)) *ConnectivityMonitor {
	return &ConnectivityMonitor{
		pinger:   p,
		trigger:  t,
		interval: interval,
		onChange: onChange,
	}
}

// Online reports the result of the latest probe.
func (m *ConnectivityMonitor) Online() bool {
	return m.online.Load()
}

// Run starts the probe loop.
func (m *ConnectivityMonitor) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "connectivity-monitor",
		"action", "worker_started",
		"interval", m.interval.String(),
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probe(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "connectivity-monitor",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *ConnectivityMonitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	err := m.pinger.Ping(probeCtx)
	if ctx.Err() != nil {
		return
	}

	now := err == nil
	was := m.online.Swap(now)
	if was == now {
		return
	}

	if m.onChange != nil {
		m.onChange(now)
	}
	if now {
		slog.Info("data service reachable",
			"component", "worker",
			"worker", "connectivity-monitor",
			"action", "online",
		)
		m.trigger.Trigger(ReasonOnline)
		return
	}
	slog.Warn("data service unreachable",
		"component", "worker",
		"worker", "connectivity-monitor",
		"action", "offline",
		"error", err,
	)
}
