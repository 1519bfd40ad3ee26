package forward

import (
	"sync"
	"time"

	"livefabric/internal/core/domain"
	"livefabric/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// StreamForward binds one publisher to N subscribers for a given stream id.
// All session-set mutations go through its single lock; the lock is never
// held across I/O.
type StreamForward struct {
	streamID  domain.StreamID
	createdAt time.Time
	engine    *Engine

	mu          sync.Mutex
	publish     *PublishSession
	subscribers map[domain.SessionID]*SubscribeSession
	closed      bool

	// unix ms; zero while the respective side is attached.
	publishLeaveAt   int64
	subscribeLeaveAt int64

	// cascaded marks the publisher slot as fed by a cross-node pull, set
	// before the upstream dial lands.
	cascaded bool
	// preRegistered streams created via the bare lifecycle API survive
	// publisher idle reaping when auto-create is on.
	preRegistered bool

	emit   func(domain.Event)
	logger *zap.SugaredLogger
}

// ForwardOptions configures a new StreamForward.
type ForwardOptions struct {
	// PreRegistered marks a stream created by the bare lifecycle API
	// rather than by a WHIP/WHEP arrival.
	PreRegistered bool
	// Emit receives lifecycle events; must not block.
	Emit func(domain.Event)
}

// NewStreamForward creates the per-stream router.
func NewStreamForward(streamID domain.StreamID, engine *Engine, opts ForwardOptions, logger *zap.SugaredLogger) *StreamForward {
	now := time.Now()
	emit := opts.Emit
	if emit == nil {
		emit = func(domain.Event) {}
	}
	return &StreamForward{
		streamID:         streamID,
		createdAt:        now,
		engine:           engine,
		subscribers:      make(map[domain.SessionID]*SubscribeSession),
		publishLeaveAt:   now.UnixMilli(),
		subscribeLeaveAt: now.UnixMilli(),
		preRegistered:    opts.PreRegistered,
		emit:             emit,
		logger:           logger,
	}
}

// StreamID returns the stream id.
func (f *StreamForward) StreamID() domain.StreamID { return f.streamID }

// PreRegistered reports whether the stream was created by the lifecycle API.
func (f *StreamForward) PreRegistered() bool { return f.preRegistered }

// Publish negotiates an ingress session. At most one publisher may be
// active per stream.
func (f *StreamForward) Publish(offerSDP string, cascade *domain.ReforwardOrigin) (string, domain.SessionID, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return "", "", domain.ErrStreamNotFound
	}
	if f.publish != nil && f.publish.State().Active() {
		f.mu.Unlock()
		return "", "", domain.ErrStreamAlreadyExists
	}
	f.mu.Unlock()

	pc, err := f.engine.NewPeerConnection()
	if err != nil {
		return "", "", err
	}

	id := domain.SessionID(utils.GenerateSessionID())
	session, answerSDP, err := NewPublishSession(f.streamID, id, pc, offerSDP, PublishOptions{
		Cascade: cascade,
		OnState: f.onPublishState,
		OnTrack: f.onPublishTrack,
	}, f.logger)
	if err != nil {
		return "", "", err
	}

	f.mu.Lock()
	if f.closed || (f.publish != nil && f.publish.State().Active()) {
		closed := f.closed
		f.mu.Unlock()
		session.Close()
		if closed {
			return "", "", domain.ErrStreamNotFound
		}
		return "", "", domain.ErrStreamAlreadyExists
	}
	f.publish = session
	f.publishLeaveAt = 0
	f.cascaded = cascade != nil
	f.mu.Unlock()

	if cascade != nil {
		f.emitEvent(domain.EventReforwardUp, id)
	}
	f.emitEvent(domain.EventPublishUp, id)
	return answerSDP, id, nil
}

// Subscribe negotiates an egress session against the active publisher.
func (f *StreamForward) Subscribe(offerSDP string) (string, domain.SessionID, error) {
	source, err := f.publisherSource()
	if err != nil {
		return "", "", err
	}

	pc, err := f.engine.NewPeerConnection()
	if err != nil {
		return "", "", err
	}

	id := domain.SessionID(utils.GenerateSessionID())
	session, answerSDP, err := NewSubscribeSession(f.streamID, id, pc, source, offerSDP, SubscribeOptions{
		OnState: f.onSubscribeState,
	}, f.logger)
	if err != nil {
		return "", "", err
	}

	f.addSubscriber(session)
	f.emitEvent(domain.EventSubscribeUp, id)
	return answerSDP, id, nil
}

// DialSubscribe creates a cascade egress that pushes this stream to the
// WHIP endpoint of another node. The caller posts the returned offer and
// completes with session.SetAnswer.
func (f *StreamForward) DialSubscribe(targetURL string) (*SubscribeSession, string, error) {
	source, err := f.publisherSource()
	if err != nil {
		return nil, "", err
	}

	pc, err := f.engine.NewPeerConnection()
	if err != nil {
		return nil, "", err
	}

	id := domain.SessionID(utils.GenerateSessionID())
	session, offerSDP, err := NewDialSubscribeSession(f.streamID, id, pc, source, SubscribeOptions{
		Reforward: &domain.ReforwardInfo{TargetURL: targetURL},
		OnState:   f.onSubscribeState,
	}, f.logger)
	if err != nil {
		return nil, "", err
	}

	f.addSubscriber(session)
	f.emitEvent(domain.EventReforwardUp, id)
	f.emitEvent(domain.EventSubscribeUp, id)
	return session, offerSDP, nil
}

func (f *StreamForward) publisherSource() (*PublishSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, domain.ErrStreamNotFound
	}
	if f.publish == nil || !f.publish.State().Active() {
		return nil, domain.ErrNoPublisher
	}
	return f.publish, nil
}

func (f *StreamForward) addSubscriber(s *SubscribeSession) {
	f.mu.Lock()
	f.subscribers[s.ID()] = s
	f.subscribeLeaveAt = 0
	f.mu.Unlock()
}

// SelectLayer switches the video layer of a subscriber; empty rid disables
// video for it.
func (f *StreamForward) SelectLayer(id domain.SessionID, rid string) error {
	s, ok := f.subscriber(id)
	if !ok {
		return domain.ErrSessionNotFound
	}
	return s.SelectLayer(rid)
}

// ChangeResource toggles forwarding of one kind for a subscriber.
func (f *StreamForward) ChangeResource(id domain.SessionID, kind webrtc.RTPCodecType, enabled bool) error {
	s, ok := f.subscriber(id)
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.ChangeResource(kind, enabled)
	return nil
}

// AddICECandidate hands a trickle ICE fragment to either side's session.
func (f *StreamForward) AddICECandidate(id domain.SessionID, fragment string) error {
	f.mu.Lock()
	pub := f.publish
	sub := f.subscribers[id]
	f.mu.Unlock()

	if pub != nil && pub.ID() == id {
		return pub.AddICECandidate(fragment)
	}
	if sub != nil {
		return sub.AddICECandidate(fragment)
	}
	return domain.ErrSessionNotFound
}

// RemoveSession closes and detaches a session of either side.
func (f *StreamForward) RemoveSession(id domain.SessionID) error {
	f.mu.Lock()
	if f.publish != nil && f.publish.ID() == id {
		pub := f.publish
		f.publish = nil
		f.publishLeaveAt = time.Now().UnixMilli()
		cascaded := f.cascaded
		f.cascaded = false
		f.mu.Unlock()

		pub.Close()
		if cascaded {
			f.emitEvent(domain.EventReforwardDown, id)
		}
		f.emitEvent(domain.EventPublishDown, id)
		return nil
	}

	sub, ok := f.subscribers[id]
	if !ok {
		f.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	delete(f.subscribers, id)
	if len(f.subscribers) == 0 {
		f.subscribeLeaveAt = time.Now().UnixMilli()
	}
	f.mu.Unlock()

	reforward := sub.Reforward() != nil
	sub.Close()
	if reforward {
		f.emitEvent(domain.EventReforwardDown, id)
	}
	f.emitEvent(domain.EventSubscribeDown, id)
	return nil
}

func (f *StreamForward) subscriber(id domain.SessionID) (*SubscribeSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subscribers[id]
	return s, ok
}

// onPublishTrack offers a newly surfaced publisher track to subscribers
// whose binding is parked on that layer.
func (f *StreamForward) onPublishTrack(track *PublishTrack) {
	f.mu.Lock()
	subs := make([]*SubscribeSession, 0, len(f.subscribers))
	for _, s := range f.subscribers {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.HandleTrackAvailable(track)
	}
}

// onPublishState tracks the publisher slot: a closed or failed publisher
// starts the publish idle clock.
func (f *StreamForward) onPublishState(id domain.SessionID, state domain.ConnectState) {
	if state != domain.ConnectStateClosed && state != domain.ConnectStateFailed {
		return
	}
	f.mu.Lock()
	if f.publish == nil || f.publish.ID() != id {
		f.mu.Unlock()
		return
	}
	pub := f.publish
	f.publish = nil
	f.publishLeaveAt = time.Now().UnixMilli()
	cascaded := f.cascaded
	f.cascaded = false
	f.mu.Unlock()

	pub.Close()
	if cascaded {
		f.emitEvent(domain.EventReforwardDown, id)
	}
	f.emitEvent(domain.EventPublishDown, id)
}

func (f *StreamForward) onSubscribeState(id domain.SessionID, state domain.ConnectState) {
	if state != domain.ConnectStateClosed && state != domain.ConnectStateFailed {
		return
	}
	f.mu.Lock()
	sub, ok := f.subscribers[id]
	if !ok {
		f.mu.Unlock()
		return
	}
	delete(f.subscribers, id)
	if len(f.subscribers) == 0 {
		f.subscribeLeaveAt = time.Now().UnixMilli()
	}
	f.mu.Unlock()

	reforward := sub.Reforward() != nil
	sub.Close()
	if reforward {
		f.emitEvent(domain.EventReforwardDown, id)
	}
	f.emitEvent(domain.EventSubscribeDown, id)
}

// Layers lists the simulcast encodings of the active publisher.
func (f *StreamForward) Layers() ([]domain.Layer, error) {
	source, err := f.publisherSource()
	if err != nil {
		return nil, err
	}
	return source.Layers(), nil
}

// PublishLeaveAt is the unix-ms instant the publisher left, zero while
// attached.
func (f *StreamForward) PublishLeaveAt() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publishLeaveAt
}

// SubscribeLeaveAt is the unix-ms instant the last subscriber left, zero
// while at least one is attached.
func (f *StreamForward) SubscribeLeaveAt() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeLeaveAt
}

// Cascaded reports whether the publisher slot is fed by a cross-node pull.
func (f *StreamForward) Cascaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cascaded
}

// CascadeOrigin returns the upstream info of a cascaded-in publisher.
func (f *StreamForward) CascadeOrigin() *domain.ReforwardOrigin {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publish == nil {
		return nil
	}
	return f.publish.Cascade()
}

// ReforwardSubscribers snapshots subscribers that cascade out to other
// nodes.
func (f *StreamForward) ReforwardSubscribers() []*SubscribeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*SubscribeSession
	for _, s := range f.subscribers {
		if s.Reforward() != nil {
			out = append(out, s)
		}
	}
	return out
}

// Info snapshots the stream without blocking forwarding tasks.
func (f *StreamForward) Info() domain.StreamSnapshot {
	f.mu.Lock()
	pub := f.publish
	subs := make([]*SubscribeSession, 0, len(f.subscribers))
	for _, s := range f.subscribers {
		subs = append(subs, s)
	}
	snapshot := domain.StreamSnapshot{
		ID:                 f.streamID,
		CreateTime:         f.createdAt.UnixMilli(),
		PublishLeaveTime:   f.publishLeaveAt,
		SubscribeLeaveTime: f.subscribeLeaveAt,
	}
	f.mu.Unlock()

	if pub != nil {
		ps := pub.Snapshot()
		snapshot.Publish = &ps
		for _, t := range pub.Tracks() {
			snapshot.Codecs = append(snapshot.Codecs, t.CodecInfo())
		}
		snapshot.Layers = pub.Layers()
	}
	snapshot.Subscribers = make([]domain.SessionSnapshot, 0, len(subs))
	for _, s := range subs {
		snapshot.Subscribers = append(snapshot.Subscribers, s.Snapshot())
	}
	return snapshot
}

// Close destroys the StreamForward and every session it owns. Idempotent.
func (f *StreamForward) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	pub := f.publish
	f.publish = nil
	subs := make([]*SubscribeSession, 0, len(f.subscribers))
	for _, s := range f.subscribers {
		subs = append(subs, s)
	}
	f.subscribers = make(map[domain.SessionID]*SubscribeSession)
	cascaded := f.cascaded
	f.cascaded = false
	now := time.Now().UnixMilli()
	if f.publishLeaveAt == 0 {
		f.publishLeaveAt = now
	}
	if f.subscribeLeaveAt == 0 {
		f.subscribeLeaveAt = now
	}
	f.mu.Unlock()

	for _, s := range subs {
		reforward := s.Reforward() != nil
		s.Close()
		if reforward {
			f.emitEvent(domain.EventReforwardDown, s.ID())
		}
		f.emitEvent(domain.EventSubscribeDown, s.ID())
	}
	if pub != nil {
		pub.Close()
		if cascaded {
			f.emitEvent(domain.EventReforwardDown, pub.ID())
		}
		f.emitEvent(domain.EventPublishDown, pub.ID())
	}
}

func (f *StreamForward) emitEvent(t domain.EventType, session domain.SessionID) {
	info := f.Info()
	f.emit(domain.Event{
		Type:      t,
		StreamID:  f.streamID,
		SessionID: session,
		Timestamp: time.Now(),
		Snapshot:  &info,
	})
}
