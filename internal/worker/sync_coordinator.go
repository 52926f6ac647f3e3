package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/bcmsync/internal/queue"
)

// Trigger reasons.
const (
	ReasonStartup  = "startup"
	ReasonInterval = "interval"
	ReasonFocus    = "focus"
	ReasonOnline   = "online"
	ReasonManual   = "manual"
)

// Drainer replays queued mutations against a service client.
type Drainer interface {
	Drain(ctx context.Context, client queue.ServiceClient) (queue.DrainResult, error)
}

// SyncCoordinator drains the offline queue on start, on every interval tick
// and whenever Trigger is called.
type SyncCoordinator struct {
	queue        Drainer
	client       queue.ServiceClient
	interval     time.Duration
	drainTimeout time.Duration
	online       func() bool
	triggers     chan string
}

// NewSyncCoordinator creates a coordinator draining q into client.
// drainTimeout <= 0 leaves a drain bounded only by the Run context.
func NewSyncCoordinator(q Drainer, client queue.ServiceClient, interval, drainTimeout time.Duration) *SyncCoordinator {
	return &SyncCoordinator{
		queue:        q,
		client:       client,
		interval:     interval,
		drainTimeout: drainTimeout,
		triggers:     make(chan string, 1),
	}
}

// SetConnectivity makes the coordinator skip drains while online reports
// false, so unreachable-service failures do not count against mutations.
// Must be called before Run.
func (c *SyncCoordinator) SetConnectivity(online func() bool) {
	c.online = online
}

// Trigger requests a drain. Requests arriving while one is already pending
// are coalesced; Trigger never blocks and reports whether it was accepted.
func (c *SyncCoordinator) Trigger(reason string) bool {
	select {
	case c.triggers <- reason:
		return true
	default:
		return false
	}
}

// Run starts the coordinator loop.
func (c *SyncCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sync(ctx, ReasonStartup)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.sync(ctx, ReasonInterval)
		case reason := <-c.triggers:
			c.sync(ctx, reason)
		}
	}
}

// sync runs one drain pass.
func (c *SyncCoordinator) sync(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	if c.online != nil && !c.online() {
		slog.Debug("sync skipped, data service offline",
			"component", "worker",
			"worker", "sync-coordinator",
			"action", "sync_skipped",
			"trigger", reason,
		)
		return
	}

	drainCtx := ctx
	if c.drainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, c.drainTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := c.queue.Drain(drainCtx, c.client)
	switch {
	case errors.Is(err, queue.ErrDrainInProgress):
		slog.Debug("sync skipped, drain in progress",
			"component", "worker",
			"worker", "sync-coordinator",
			"action", "sync_skipped",
			"trigger", reason,
		)
		return
	case err != nil && ctx.Err() != nil:
		return // Graceful shutdown, remainder already restored
	case err != nil:
		slog.Warn("sync cycle interrupted",
			"component", "worker",
			"worker", "sync-coordinator",
			"action", "cycle_interrupted",
			"trigger", reason,
			"applied", result.Applied,
			"abandoned", result.Abandoned,
			"error", err,
		)
		return
	}

	if result.Attempted > 0 {
		slog.Info("sync cycle completed",
			"component", "worker",
			"worker", "sync-coordinator",
			"action", "cycle_complete",
			"trigger", reason,
			"attempted", result.Attempted,
			"applied", result.Applied,
			"requeued", result.Requeued,
			"dead_lettered", result.DeadLettered,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
