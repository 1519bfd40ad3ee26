package forward

import (
	"strings"
	"sync"
	"time"

	"livefabric/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type trackKey struct {
	kind webrtc.RTPCodecType
	rid  string
}

// PublishSession is the ingress side of a StreamForward: one PeerConnection,
// its PublishTracks, and the upstream RTCP writer fed by the coalescer.
type PublishSession struct {
	id        domain.SessionID
	streamID  domain.StreamID
	createdAt time.Time

	pc *webrtc.PeerConnection

	mu     sync.RWMutex
	state  domain.ConnectState
	tracks map[trackKey]*PublishTrack

	// cascade marks this ingress as the output of a cross-node pull.
	cascade *domain.ReforwardOrigin

	coalescer *Coalescer
	onState   func(domain.SessionID, domain.ConnectState)
	onTrack   func(*PublishTrack)

	logger    *zap.SugaredLogger
	closeOnce sync.Once
	done      chan struct{}
}

// PublishOptions configures a new ingress session.
type PublishOptions struct {
	Cascade *domain.ReforwardOrigin
	// OnState observes connect_state transitions; called outside locks.
	OnState func(domain.SessionID, domain.ConnectState)
	// OnTrack observes each new PublishTrack.
	OnTrack func(*PublishTrack)
}

// NewPublishSession wires an ingress PeerConnection and answers the offer.
func NewPublishSession(streamID domain.StreamID, id domain.SessionID, pc *webrtc.PeerConnection, offerSDP string, opts PublishOptions, logger *zap.SugaredLogger) (*PublishSession, string, error) {
	s := &PublishSession{
		id:        id,
		streamID:  streamID,
		createdAt: time.Now(),
		pc:        pc,
		state:     domain.ConnectStateNew,
		tracks:    make(map[trackKey]*PublishTrack),
		cascade:   opts.Cascade,
		coalescer: NewCoalescer(),
		onState:   opts.OnState,
		onTrack:   opts.OnTrack,
		logger:    logger,
		done:      make(chan struct{}),
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.registerTrack(remote)
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.setState(domain.ConnectStateFrom(st))
	})

	answerSDP, err := answer(pc, offerSDP)
	if err != nil {
		s.Close()
		return nil, "", err
	}

	go s.writeFeedbackLoop()
	return s, answerSDP, nil
}

// registerTrack holds the at-most-one-per-(kind,rid) invariant.
func (s *PublishSession) registerTrack(remote *webrtc.TrackRemote) {
	key := trackKey{kind: remote.Kind(), rid: remote.RID()}

	s.mu.Lock()
	if _, exists := s.tracks[key]; exists {
		s.mu.Unlock()
		s.logger.Warnw("duplicate remote track ignored",
			"stream", s.streamID, "session", s.id, "kind", key.kind.String(), "rid", key.rid)
		return
	}
	track := NewPublishTrack(s.streamID, s.id, remote, s.logger)
	s.tracks[key] = track
	onTrack := s.onTrack
	s.mu.Unlock()

	if onTrack != nil {
		onTrack(track)
	}
}

func (s *PublishSession) setState(state domain.ConnectState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	onState := s.onState
	s.mu.Unlock()

	s.logger.Infow("publish session state",
		"stream", s.streamID, "session", s.id, "state", state)
	if onState != nil {
		onState(s.id, state)
	}
}

// writeFeedbackLoop drains the coalescer and writes RTCP to the ingress,
// rewriting the SSRC to the originally published one for the target track.
func (s *PublishSession) writeFeedbackLoop() {
	for f := range s.coalescer.Out() {
		track := s.lookupTrack(f.MediaKind, f.Rid)
		if track == nil {
			continue
		}
		if err := s.pc.WriteRTCP([]rtcp.Packet{f.ToRTCP(track.SSRC())}); err != nil {
			s.logger.Debugw("rtcp write failed",
				"stream", s.streamID, "session", s.id, "error", err)
			return
		}
	}
}

func (s *PublishSession) lookupTrack(kind webrtc.RTPCodecType, rid string) *PublishTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tracks[trackKey{kind: kind, rid: rid}]; ok {
		return t
	}
	// Feedback for a vanished layer falls back to any track of the kind so
	// the publisher still sees the keyframe request.
	for k, t := range s.tracks {
		if k.kind == kind {
			return t
		}
	}
	return nil
}

// Feedback accepts subscriber-origin RTCP via the coalescer.
func (s *PublishSession) Feedback(f Feedback) {
	s.coalescer.Push(f)
}

// Track returns the PublishTrack for (kind, rid), nil when absent.
func (s *PublishSession) Track(kind webrtc.RTPCodecType, rid string) *PublishTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracks[trackKey{kind: kind, rid: rid}]
}

// Tracks snapshots all registered tracks.
func (s *PublishSession) Tracks() []*PublishTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PublishTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

// Layers lists the simulcast encodings currently published for video.
func (s *PublishSession) Layers() []domain.Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var layers []domain.Layer
	for k := range s.tracks {
		if k.kind == webrtc.RTPCodecTypeVideo && k.rid != "" {
			layers = append(layers, domain.Layer{EncodingID: k.rid})
		}
	}
	return layers
}

// AddICECandidate hands a trickle ICE SDP fragment to the PeerConnection.
func (s *PublishSession) AddICECandidate(fragment string) error {
	return addICEFragment(s.pc, fragment)
}

// State reports the current connect state.
func (s *PublishSession) State() domain.ConnectState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ID returns the session id.
func (s *PublishSession) ID() domain.SessionID { return s.id }

// Cascade returns the reforward origin when this ingress was provisioned by
// a cross-node pull.
func (s *PublishSession) Cascade() *domain.ReforwardOrigin { return s.cascade }

// Snapshot returns the externally visible session state.
func (s *PublishSession) Snapshot() domain.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.SessionSnapshot{
		ID:           s.id,
		CreateTime:   s.createdAt.UnixMilli(),
		ConnectState: s.state,
		Cascade:      s.cascade,
	}
}

// Close tears down tracks, the coalescer and the PeerConnection. Idempotent.
func (s *PublishSession) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		tracks := make([]*PublishTrack, 0, len(s.tracks))
		for _, t := range s.tracks {
			tracks = append(tracks, t)
		}
		s.state = domain.ConnectStateClosed
		s.mu.Unlock()

		for _, t := range tracks {
			t.Close()
		}
		s.coalescer.Close()
		if err := s.pc.Close(); err != nil {
			s.logger.Debugw("publish pc close", "stream", s.streamID, "session", s.id, "error", err)
		}
		close(s.done)
	})
}

// Done is closed once the session is fully torn down.
func (s *PublishSession) Done() <-chan struct{} { return s.done }

// addICEFragment feeds every candidate line of a trickle ICE SDP fragment
// to the PeerConnection. Duplicate fragments are accepted by the stack, so
// re-PATCHing the same body is a protocol no-op.
func addICEFragment(pc *webrtc.PeerConnection, fragment string) error {
	for _, line := range strings.Split(fragment, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(line, "a="))
		if !strings.HasPrefix(line, "candidate:") {
			continue
		}
		if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: line}); err != nil {
			return err
		}
	}
	return nil
}
