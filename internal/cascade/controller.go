package cascade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"livefabric/internal/core/domain"
	"livefabric/internal/core/ports"
	"livefabric/internal/manager"
	"livefabric/pkg/retry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config carries the cascade policy of one node.
type Config struct {
	// PublicURL is this node's externally reachable base URL; upstream
	// nodes dial <PublicURL>/whip/<stream>.
	PublicURL string
	// Authorization / AdminAuthorization are this node's own credentials,
	// handed to upstreams that dial back.
	Authorization      string
	AdminAuthorization string

	CheckAttempts int
	CheckInterval time.Duration
	// CloseOtherSub deletes non-cascade subscribers on the upstream after a
	// successful pull, forcing clients to follow the cascade path.
	CloseOtherSub bool

	CheckTickTime        time.Duration
	MaximumIdleTime      time.Duration
	ReforwardIdleTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.CheckAttempts <= 0 {
		c.CheckAttempts = 5
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Second
	}
	if c.CheckTickTime <= 0 {
		c.CheckTickTime = domain.DefaultCheckTickTime
	}
	if c.MaximumIdleTime <= 0 {
		c.MaximumIdleTime = domain.DefaultReforwardIdleTimeout
	}
	if c.ReforwardIdleTimeout <= 0 {
		c.ReforwardIdleTimeout = domain.DefaultReforwardIdleTimeout
	}
	return c
}

// Controller performs the cross-node pull handshake and monitors cascaded
// sessions for prolonged idleness.
type Controller struct {
	cfg      Config
	registry ports.NodeRegistry
	client   *Client
	streams  *manager.Manager
	tracer   trace.Tracer
	logger   *zap.SugaredLogger
}

// NewController wires the cascade tier.
func NewController(cfg Config, registry ports.NodeRegistry, client *Client, streams *manager.Manager, tracer trace.Tracer, logger *zap.SugaredLogger) *Controller {
	return &Controller{
		cfg:      cfg.normalized(),
		registry: registry,
		client:   client,
		streams:  streams,
		tracer:   tracer,
		logger:   logger,
	}
}

var _ manager.CascadePuller = (*Controller)(nil)

// Pull provisions an upstream pull of the stream onto this node: select a
// source, ask it to push here, then verify. Idempotent: a pull for a stream
// that already has a connected cascaded publisher returns immediately.
func (c *Controller) Pull(ctx context.Context, stream domain.StreamID) error {
	ctx, span := c.tracer.Start(ctx, "cascade.pull",
		trace.WithAttributes(attribute.String("stream", string(stream))))
	defer span.End()

	if f, err := c.streams.Forward(stream); err == nil && f.Cascaded() {
		if info := f.Info(); info.PublisherConnected() {
			return nil
		}
	}

	upstream, err := c.selectNode(ctx, stream)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("upstream", upstream.URL))
	c.logger.Infow("cascade pull", "stream", stream, "upstream", upstream.URL)

	targetWhip := fmt.Sprintf("%s/whip/%s", strings.TrimSuffix(c.cfg.PublicURL, "/"), stream)
	if err := c.client.Reforward(ctx, upstream.URL, upstream.Metadata.Auth.AdminAuthorization, stream, targetWhip); err != nil {
		return err
	}

	if err := c.verify(ctx, upstream, stream); err != nil {
		c.teardownFailedPull(stream)
		return domain.ErrNoAvailableNode
	}

	if c.cfg.CloseOtherSub {
		c.closeOtherSubscribers(ctx, upstream, stream)
	}
	return nil
}

// selectNode picks the alive node holding the stream with the largest
// remaining subscribe capacity, ties broken by smallest reforward count.
func (c *Controller) selectNode(ctx context.Context, stream domain.StreamID) (domain.NodeRecord, error) {
	nodes, err := c.registry.Nodes(ctx)
	if err != nil {
		return domain.NodeRecord{}, err
	}
	owner, hasOwner, err := c.registry.StreamOwner(ctx, stream)
	if err != nil {
		return domain.NodeRecord{}, err
	}

	now := time.Now()
	var candidates []domain.NodeRecord
	for _, n := range nodes {
		if !n.Alive(now) || n.URL == c.cfg.PublicURL {
			continue
		}
		if hasOwner && domain.NodeAddr(n.URL) == owner {
			candidates = append(candidates, n)
			continue
		}
		// Without a registry owner entry, probe the node directly.
		if !hasOwner && c.nodeHoldsStream(ctx, n, stream) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return domain.NodeRecord{}, domain.ErrNoAvailableNode
	}

	best := candidates[0]
	for _, n := range candidates[1:] {
		switch {
		case n.RemainingSubCapacity() > best.RemainingSubCapacity():
			best = n
		case n.RemainingSubCapacity() == best.RemainingSubCapacity() &&
			n.Metrics.Reforward < best.Metrics.Reforward:
			best = n
		}
	}
	return best, nil
}

func (c *Controller) nodeHoldsStream(ctx context.Context, node domain.NodeRecord, stream domain.StreamID) bool {
	infos, err := c.client.StreamInfo(ctx, node.URL, node.Metadata.Auth.Authorization, []domain.StreamID{stream})
	if err != nil {
		return false
	}
	for _, info := range infos {
		if info.ID == stream && info.PublisherConnected() {
			return true
		}
	}
	return false
}

// verify polls the upstream until it reports the stream with a connected
// first publish session, up to CheckAttempts probes.
func (c *Controller) verify(ctx context.Context, upstream domain.NodeRecord, stream domain.StreamID) error {
	cfg := retry.Config{
		Enabled:      true,
		MaxAttempts:  c.cfg.CheckAttempts - 1,
		InitialDelay: c.cfg.CheckInterval,
		MaxDelay:     c.cfg.CheckInterval,
		Multiplier:   1,
	}
	return retry.Retry(ctx, cfg, func() error {
		infos, err := c.client.StreamInfo(ctx, upstream.URL, upstream.Metadata.Auth.Authorization, []domain.StreamID{stream})
		if err != nil {
			return err
		}
		for _, info := range infos {
			if info.ID == stream && info.PublisherConnected() {
				return nil
			}
		}
		return fmt.Errorf("stream %s not ready on %s", stream, upstream.URL)
	})
}

func (c *Controller) teardownFailedPull(stream domain.StreamID) {
	f, err := c.streams.Forward(stream)
	if err != nil {
		return
	}
	if f.Cascaded() || f.Info().Publish == nil {
		c.logger.Warnw("cascade pull failed, tearing down", "stream", stream)
		_ = c.streams.StreamDelete(stream)
	}
}

// closeOtherSubscribers deletes every non-cascade subscriber session on the
// upstream for this stream.
func (c *Controller) closeOtherSubscribers(ctx context.Context, upstream domain.NodeRecord, stream domain.StreamID) {
	infos, err := c.client.StreamInfo(ctx, upstream.URL, upstream.Metadata.Auth.Authorization, []domain.StreamID{stream})
	if err != nil {
		c.logger.Warnw("close other sub: info failed", "stream", stream, "error", err)
		return
	}
	for _, info := range infos {
		if info.ID != stream {
			continue
		}
		for _, sub := range info.Subscribers {
			if sub.Reforward != nil {
				continue
			}
			if err := c.client.DeleteSession(ctx, upstream.URL, upstream.Metadata.Auth.Authorization, stream, sub.ID); err != nil {
				c.logger.Warnw("close other sub failed",
					"stream", stream, "session", sub.ID, "error", err)
			}
		}
	}
}

// HandleReforward is the upstream side of the handshake: create a cascade
// egress for the stream and dial the requester's WHIP endpoint with it.
func (c *Controller) HandleReforward(ctx context.Context, stream domain.StreamID, targetURL string) error {
	ctx, span := c.tracer.Start(ctx, "cascade.reforward",
		trace.WithAttributes(
			attribute.String("stream", string(stream)),
			attribute.String("target", targetURL),
		))
	defer span.End()

	f, err := c.streams.Forward(stream)
	if err != nil {
		return err
	}

	// Idempotent: an existing push toward the same target is reused.
	for _, s := range f.ReforwardSubscribers() {
		if rf := s.Reforward(); rf != nil && rf.TargetURL == targetURL {
			return nil
		}
	}

	session, offer, err := f.DialSubscribe(targetURL)
	if err != nil {
		return err
	}

	answer, location, err := c.client.PostWhipOffer(ctx, targetURL, offer, DialOptions{
		Origin:        c.cfg.PublicURL,
		OriginSession: session.ID(),
		Authorization: c.cfg.Authorization,
	})
	if err != nil {
		_ = f.RemoveSession(session.ID())
		return err
	}
	session.SetResourceURL(location)
	if err := session.SetAnswer(answer); err != nil {
		_ = f.RemoveSession(session.ID())
		return err
	}

	c.logger.Infow("reforward established", "stream", stream, "target", targetURL, "session", session.ID())
	return nil
}
