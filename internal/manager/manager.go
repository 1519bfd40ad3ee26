package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"livefabric/internal/core/domain"
	"livefabric/internal/core/ports"
	"livefabric/internal/forward"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// CascadePuller provisions an upstream pull for a stream that is not
// published locally. Implemented by the cascade controller; nil disables
// cascading.
type CascadePuller interface {
	Pull(ctx context.Context, stream domain.StreamID) error
}

// Config carries the per-node stream policy.
type Config struct {
	// AutoCreateWhip lets a WHIP arrival create the stream on the fly, and
	// exempts pre-registered streams from publisher idle reaping.
	AutoCreateWhip bool
	IdlePolicy     domain.IdlePolicy
}

// Manager owns the StreamID → StreamForward mapping, emits lifecycle events
// and reaps idle streams. All mutations go through per-stream single-writer
// discipline; snapshots are taken without holding any forwarding lock.
type Manager struct {
	engine  *forward.Engine
	cfg     Config
	metrics ports.MetricsObserver

	mu       sync.RWMutex
	forwards map[domain.StreamID]*forward.StreamForward
	closed   bool

	bus     *Bus
	cascade CascadePuller
	logger  *zap.SugaredLogger
}

// New creates a stream manager.
func New(engine *forward.Engine, cfg Config, metrics ports.MetricsObserver, logger *zap.SugaredLogger) *Manager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	cfg.IdlePolicy = cfg.IdlePolicy.Normalized()
	return &Manager{
		engine:   engine,
		cfg:      cfg,
		metrics:  metrics,
		forwards: make(map[domain.StreamID]*forward.StreamForward),
		bus:      NewBus(),
		logger:   logger,
	}
}

// SetCascade wires the cross-node pull path; called once at startup.
func (m *Manager) SetCascade(c CascadePuller) {
	m.cascade = c
}

// Bus exposes the lifecycle event fanout.
func (m *Manager) Bus() *Bus { return m.bus }

// emit forwards stream events onto the bus and the metrics observer.
func (m *Manager) emit(e domain.Event) {
	switch e.Type {
	case domain.EventPublishUp:
		m.metrics.PublishUp(e.StreamID)
	case domain.EventPublishDown:
		m.metrics.PublishDown(e.StreamID)
	case domain.EventSubscribeUp:
		m.metrics.SubscribeUp(e.StreamID)
	case domain.EventSubscribeDown:
		m.metrics.SubscribeDown(e.StreamID)
	case domain.EventReforwardUp:
		m.metrics.ReforwardUp(e.StreamID)
	case domain.EventReforwardDown:
		m.metrics.ReforwardDown(e.StreamID)
	}
	m.bus.Publish(e)
}

// StreamCreate registers a stream with no sessions yet.
func (m *Manager) StreamCreate(id domain.StreamID) error {
	_, err := m.createForward(id, true)
	return err
}

func (m *Manager) createForward(id domain.StreamID, preRegistered bool) (*forward.StreamForward, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrStreamNotFound
	}
	if _, exists := m.forwards[id]; exists {
		m.mu.Unlock()
		return nil, domain.ErrStreamAlreadyExists
	}
	f := forward.NewStreamForward(id, m.engine, forward.ForwardOptions{
		PreRegistered: preRegistered,
		Emit:          m.emit,
	}, m.logger)
	m.forwards[id] = f
	m.mu.Unlock()

	m.metrics.StreamUp(id)
	m.emit(domain.Event{Type: domain.EventStreamUp, StreamID: id, Timestamp: time.Now()})
	return f, nil
}

// StreamDelete destroys a stream and every session it owns.
func (m *Manager) StreamDelete(id domain.StreamID) error {
	m.mu.Lock()
	f, ok := m.forwards[id]
	if ok {
		delete(m.forwards, id)
	}
	m.mu.Unlock()
	if !ok {
		return domain.ErrStreamNotFound
	}

	f.Close()
	m.metrics.StreamDown(id)
	m.emit(domain.Event{Type: domain.EventStreamDown, StreamID: id, Timestamp: time.Now()})
	return nil
}

func (m *Manager) lookup(id domain.StreamID) (*forward.StreamForward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.forwards[id]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	return f, nil
}

// getOrCreate resolves the stream, creating it on demand when allowed.
func (m *Manager) getOrCreate(id domain.StreamID, allowCreate bool) (*forward.StreamForward, error) {
	if f, err := m.lookup(id); err == nil {
		return f, nil
	}
	if !allowCreate {
		return nil, domain.ErrStreamNotFound
	}
	f, err := m.createForward(id, false)
	if err == domain.ErrStreamAlreadyExists {
		return m.lookup(id)
	}
	return f, err
}

// Publish handles a WHIP offer for the stream.
func (m *Manager) Publish(ctx context.Context, id domain.StreamID, offerSDP string) (string, domain.SessionID, error) {
	return m.PublishCascaded(ctx, id, offerSDP, nil)
}

// PublishCascaded is Publish with an optional cascade origin mark, used
// when the ingress is the output of a cross-node pull.
func (m *Manager) PublishCascaded(ctx context.Context, id domain.StreamID, offerSDP string, origin *domain.ReforwardOrigin) (string, domain.SessionID, error) {
	f, err := m.getOrCreate(id, m.cfg.AutoCreateWhip || origin != nil)
	if err != nil {
		return "", "", err
	}
	return f.Publish(offerSDP, origin)
}

// Subscribe handles a WHEP offer. On a local miss it asks the cascade
// controller to pull the stream first.
func (m *Manager) Subscribe(ctx context.Context, id domain.StreamID, offerSDP string) (string, domain.SessionID, error) {
	f, err := m.lookup(id)
	if err == nil {
		if answer, sid, serr := f.Subscribe(offerSDP); serr != domain.ErrNoPublisher {
			return answer, sid, serr
		}
	}

	if m.cascade == nil {
		if err != nil {
			return "", "", err
		}
		return "", "", domain.ErrNoPublisher
	}

	if err := m.cascade.Pull(ctx, id); err != nil {
		m.logger.Warnw("cascade pull failed", "stream", id, "error", err)
		return "", "", err
	}
	f, err = m.lookup(id)
	if err != nil {
		return "", "", domain.ErrNoAvailableNode
	}
	return f.Subscribe(offerSDP)
}

// SelectLayer switches a subscriber's simulcast layer.
func (m *Manager) SelectLayer(id domain.StreamID, session domain.SessionID, rid string) error {
	f, err := m.lookup(id)
	if err != nil {
		return err
	}
	return f.SelectLayer(session, rid)
}

// Layers lists the published encodings of a stream.
func (m *Manager) Layers(id domain.StreamID) ([]domain.Layer, error) {
	f, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return f.Layers()
}

// ChangeResource toggles forwarding of a kind for one session.
func (m *Manager) ChangeResource(id domain.StreamID, session domain.SessionID, kind webrtc.RTPCodecType, enabled bool) error {
	f, err := m.lookup(id)
	if err != nil {
		return err
	}
	return f.ChangeResource(session, kind, enabled)
}

// AddICECandidate hands a trickle ICE fragment to a session.
func (m *Manager) AddICECandidate(id domain.StreamID, session domain.SessionID, fragment string) error {
	f, err := m.lookup(id)
	if err != nil {
		return err
	}
	return f.AddICECandidate(session, fragment)
}

// RemoveSession deletes one session of a stream.
func (m *Manager) RemoveSession(id domain.StreamID, session domain.SessionID) error {
	f, err := m.lookup(id)
	if err != nil {
		return err
	}
	return f.RemoveSession(session)
}

// Forward resolves the StreamForward for cascade internals.
func (m *Manager) Forward(id domain.StreamID) (*forward.StreamForward, error) {
	return m.lookup(id)
}

// Info snapshots the requested streams, or all when ids is empty. Results
// are ordered by stream id.
func (m *Manager) Info(ids []domain.StreamID) []domain.StreamSnapshot {
	m.mu.RLock()
	targets := make([]*forward.StreamForward, 0, len(m.forwards))
	if len(ids) == 0 {
		for _, f := range m.forwards {
			targets = append(targets, f)
		}
	} else {
		for _, id := range ids {
			if f, ok := m.forwards[id]; ok {
				targets = append(targets, f)
			}
		}
	}
	m.mu.RUnlock()

	out := make([]domain.StreamSnapshot, 0, len(targets))
	for _, f := range targets {
		out = append(out, f.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SubscribeEvents returns a live event iterator filtered to ids (nil means
// all); cancel unregisters the observer.
func (m *Manager) SubscribeEvents(ids []domain.StreamID) (<-chan domain.Event, func()) {
	return m.bus.Subscribe(ids)
}

// RunReaper destroys streams whose publisher or subscriber side has been
// idle past the policy timeouts. Blocks until ctx is done.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	now := time.Now().UnixMilli()
	policy := m.cfg.IdlePolicy

	m.mu.RLock()
	candidates := make([]*forward.StreamForward, 0, len(m.forwards))
	for _, f := range m.forwards {
		candidates = append(candidates, f)
	}
	m.mu.RUnlock()

	for _, f := range candidates {
		// Pre-registered streams persist through publisher absence when
		// auto-create is on.
		exempt := m.cfg.AutoCreateWhip && f.PreRegistered()

		if leaveAt := f.PublishLeaveAt(); !exempt && leaveAt > 0 && now-leaveAt > policy.PublishLeaveTimeout.Milliseconds() {
			m.logger.Infow("reaping stream, publisher idle", "stream", f.StreamID())
			_ = m.StreamDelete(f.StreamID())
			continue
		}
		if leaveAt := f.SubscribeLeaveAt(); !exempt && leaveAt > 0 && now-leaveAt > policy.SubscribeLeaveTimeout.Milliseconds() {
			m.logger.Infow("reaping stream, subscribers idle", "stream", f.StreamID())
			_ = m.StreamDelete(f.StreamID())
		}
	}
}

// Streams lists the current stream ids.
func (m *Manager) Streams() []domain.StreamID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.StreamID, 0, len(m.forwards))
	for id := range m.forwards {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close destroys every stream and the event bus.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	forwards := make([]*forward.StreamForward, 0, len(m.forwards))
	for _, f := range m.forwards {
		forwards = append(forwards, f)
	}
	m.forwards = make(map[domain.StreamID]*forward.StreamForward)
	m.mu.Unlock()

	for _, f := range forwards {
		f.Close()
	}
	m.bus.Close()
}
