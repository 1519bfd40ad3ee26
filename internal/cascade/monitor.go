package cascade

import (
	"context"
	"time"

	"livefabric/internal/core/domain"
)

// RunMonitor watches cascaded sessions and tears down the ones idle for
// too long. Blocks until ctx is done.
func (c *Controller) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CheckTickTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkIdle(ctx)
		}
	}
}

func (c *Controller) checkIdle(ctx context.Context) {
	now := time.Now()
	for _, id := range c.streams.Streams() {
		f, err := c.streams.Forward(id)
		if err != nil {
			continue
		}

		// Cascaded-in stream whose local subscribers all left: release the
		// upstream push session and drop the local copy.
		if origin := f.CascadeOrigin(); origin != nil {
			leaveAt := f.SubscribeLeaveAt()
			if leaveAt > 0 && now.UnixMilli()-leaveAt > c.cfg.MaximumIdleTime.Milliseconds() {
				c.logger.Infow("cascade idle for long periods of time",
					"stream", id, "upstream", origin.UpstreamURL)
				if origin.SessionID != "" {
					if err := c.client.DeleteSession(ctx, origin.UpstreamURL, c.cfg.Authorization, id, domain.SessionID(origin.SessionID)); err != nil {
						c.logger.Warnw("cascade session delete failed",
							"stream", id, "session", origin.SessionID, "error", err)
					}
				}
				_ = c.streams.StreamDelete(id)
				continue
			}
		}

		// Outbound reforward sessions stuck off-connected are removed.
		for _, s := range f.ReforwardSubscribers() {
			if s.State() == domain.ConnectStateConnected {
				continue
			}
			if now.Sub(s.StateSince()) > c.cfg.ReforwardIdleTimeout {
				c.logger.Infow("reforward session idle, removing",
					"stream", id, "session", s.ID(), "state", s.State())
				_ = f.RemoveSession(s.ID())
			}
		}
	}
}
