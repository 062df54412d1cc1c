package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/corkboard/realtime/internal/v1/logging"
	"github.com/corkboard/realtime/internal/v1/metrics"
)

// RunHeartbeat sweeps session liveness on the configured interval until the
// context or the hub is cancelled. Run it on its own goroutine.
//
// Each tick gives every session one interval to answer the previous ping: a
// session still marked dead from the last tick is terminated, everyone else
// is marked dead and probed again. Unauthenticated sessions are swept the
// same way, so a client that connects and never speaks is reclaimed too.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *Hub) sweep(ctx context.Context) {
	dead, live := h.registry.SweepLiveness()

	for _, c := range dead {
		metrics.HeartbeatTerminations.Inc()
		logging.Warn(ctx, "Heartbeat missed, terminating session",
			zap.String("sessionId", c.sessionID),
			zap.String("userId", string(c.UserID())))
		c.Disconnect()
	}
	for _, c := range live {
		c.requestPing()
	}
}
