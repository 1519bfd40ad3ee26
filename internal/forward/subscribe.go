package forward

import (
	"context"
	"sort"
	"sync"
	"time"

	"livefabric/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RTPWriter is the egress write surface of one local track.
// *webrtc.TrackLocalStaticRTP implements it.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// TrackSource resolves publish tracks and accepts upstream feedback. The
// publish session implements it; tests substitute fakes.
type TrackSource interface {
	Track(kind webrtc.RTPCodecType, rid string) *PublishTrack
	Feedback(f Feedback)
}

// SubscribeSession is the egress side: one PeerConnection, a per-kind
// forwarding task, layer selection and RTCP feedback routed upstream.
type SubscribeSession struct {
	id        domain.SessionID
	streamID  domain.StreamID
	createdAt time.Time

	pc     *webrtc.PeerConnection
	source TrackSource

	mu         sync.RWMutex
	state      domain.ConnectState
	stateSince time.Time
	reforward  *domain.ReforwardInfo

	video *kindForwarder
	audio *kindForwarder

	onState func(domain.SessionID, domain.ConnectState)

	cancel    context.CancelFunc
	logger    *zap.SugaredLogger
	closeOnce sync.Once
	done      chan struct{}
}

// SubscribeOptions configures a new egress session.
type SubscribeOptions struct {
	Reforward *domain.ReforwardInfo
	OnState   func(domain.SessionID, domain.ConnectState)
}

// NewSubscribeSession binds the publisher's tracks to a fresh egress
// PeerConnection and answers the offer.
func NewSubscribeSession(streamID domain.StreamID, id domain.SessionID, pc *webrtc.PeerConnection, source TrackSource, offerSDP string, opts SubscribeOptions, logger *zap.SugaredLogger) (*SubscribeSession, string, error) {
	s := newSubscribeSession(streamID, id, pc, source, opts, logger)
	if err := s.addLocalTracks(); err != nil {
		s.Close()
		return nil, "", err
	}

	answerSDP, err := answer(pc, offerSDP)
	if err != nil {
		s.Close()
		return nil, "", err
	}
	s.start()
	return s, answerSDP, nil
}

// NewDialSubscribeSession is the cascade variant: the node originates the
// offer and pushes media to a downstream WHIP endpoint. The caller delivers
// the remote answer via SetAnswer.
func NewDialSubscribeSession(streamID domain.StreamID, id domain.SessionID, pc *webrtc.PeerConnection, source TrackSource, opts SubscribeOptions, logger *zap.SugaredLogger) (*SubscribeSession, string, error) {
	s := newSubscribeSession(streamID, id, pc, source, opts, logger)
	if err := s.addLocalTracks(); err != nil {
		s.Close()
		return nil, "", err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.Close()
		return nil, "", err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		s.Close()
		return nil, "", err
	}
	<-gatherComplete

	return s, pc.LocalDescription().SDP, nil
}

func newSubscribeSession(streamID domain.StreamID, id domain.SessionID, pc *webrtc.PeerConnection, source TrackSource, opts SubscribeOptions, logger *zap.SugaredLogger) *SubscribeSession {
	s := &SubscribeSession{
		id:        id,
		streamID:  streamID,
		createdAt:  time.Now(),
		pc:         pc,
		source:     source,
		state:      domain.ConnectStateNew,
		stateSince: time.Now(),
		reforward:  opts.Reforward,
		onState:   opts.OnState,
		logger:    logger,
		done:      make(chan struct{}),
	}
	if pc != nil {
		pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
			s.setState(domain.ConnectStateFrom(st))
		})
	}
	return s
}

// SetAnswer completes a dial-originated session.
func (s *SubscribeSession) SetAnswer(sdp string) error {
	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		return err
	}
	s.start()
	return nil
}

// addLocalTracks mirrors the publisher's kinds onto the egress connection
// and wires one RTCP reader per sender.
func (s *SubscribeSession) addLocalTracks() error {
	initialRid := s.defaultVideoRid()

	if video := s.source.Track(webrtc.RTPCodecTypeVideo, initialRid); video != nil {
		local, err := webrtc.NewTrackLocalStaticRTP(video.Codec().RTPCodecCapability, "video", string(s.streamID))
		if err != nil {
			return err
		}
		sender, err := s.pc.AddTrack(local)
		if err != nil {
			return err
		}
		s.video = newKindForwarder(webrtc.RTPCodecTypeVideo, local, s.source, initialRid, s.logger)
		go s.readRTCPLoop(sender, webrtc.RTPCodecTypeVideo)
	}

	if audio := s.source.Track(webrtc.RTPCodecTypeAudio, ""); audio != nil {
		local, err := webrtc.NewTrackLocalStaticRTP(audio.Codec().RTPCodecCapability, "audio", string(s.streamID))
		if err != nil {
			return err
		}
		sender, err := s.pc.AddTrack(local)
		if err != nil {
			return err
		}
		s.audio = newKindForwarder(webrtc.RTPCodecTypeAudio, local, s.source, "", s.logger)
		go s.readRTCPLoop(sender, webrtc.RTPCodecTypeAudio)
	}

	return nil
}

// defaultVideoRid picks the non-simulcast track when present, otherwise the
// first layer in encoding-id order.
func (s *SubscribeSession) defaultVideoRid() string {
	if t := s.source.Track(webrtc.RTPCodecTypeVideo, ""); t != nil {
		return ""
	}
	type layered interface{ Layers() []domain.Layer }
	if src, ok := s.source.(layered); ok {
		layers := src.Layers()
		ids := make([]string, 0, len(layers))
		for _, l := range layers {
			ids = append(ids, l.EncodingID)
		}
		sort.Strings(ids)
		if len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}

func (s *SubscribeSession) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	if s.video != nil {
		go s.video.run(ctx)
	}
	if s.audio != nil {
		go s.audio.run(ctx)
	}
}

// readRTCPLoop parses egress RTCP and forwards keyframe requests upstream,
// tagged with the layer the subscriber is currently on.
func (s *SubscribeSession) readRTCPLoop(sender *webrtc.RTPSender, kind webrtc.RTPCodecType) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			s.logger.Debugw("rtcp unmarshal failed", "stream", s.streamID, "session", s.id, "error", err)
			continue
		}
		rid := ""
		if kind == webrtc.RTPCodecTypeVideo && s.video != nil {
			rid = s.video.currentRid()
		}
		for _, pkt := range pkts {
			if f, ok := FeedbackFromRTCP(pkt, kind, rid); ok {
				s.source.Feedback(f)
			}
		}
	}
}

// SelectLayer atomically switches the video binding to the given rid, or
// disables video with domain.LayerDisabled. A switch raises a PLI and gates
// output on the next keyframe. A rid the publisher does not currently offer
// keeps the previous binding and still reports success.
func (s *SubscribeSession) SelectLayer(rid string) error {
	if s.video == nil {
		return nil
	}
	if rid == domain.LayerDisabled {
		s.video.disable()
		return nil
	}
	track := s.source.Track(webrtc.RTPCodecTypeVideo, rid)
	if track == nil {
		// Publisher temporarily dropped the layer; keep the old binding.
		s.logger.Debugw("requested layer absent, keeping binding",
			"stream", s.streamID, "session", s.id, "rid", rid)
		return nil
	}
	if s.video.rebind(track, rid) {
		s.source.Feedback(Feedback{Kind: FeedbackPLI, MediaKind: webrtc.RTPCodecTypeVideo, Rid: rid})
	}
	return nil
}

// HandleTrackAvailable re-establishes a parked binding when a layer the
// subscriber wanted reappears at the publisher.
func (s *SubscribeSession) HandleTrackAvailable(track *PublishTrack) {
	f := s.forwarder(track.Kind())
	if f == nil {
		return
	}
	f.mu.Lock()
	parked := f.recv == nil
	want := f.rid
	f.mu.Unlock()
	if !parked || track.Rid() != want {
		return
	}
	if f.rebind(track, want) && track.Kind() == webrtc.RTPCodecTypeVideo {
		s.source.Feedback(Feedback{Kind: FeedbackPLI, MediaKind: webrtc.RTPCodecTypeVideo, Rid: want})
	}
}

// ChangeResource toggles forwarding per kind; disabled means "forward
// nothing on this kind until re-enabled".
func (s *SubscribeSession) ChangeResource(kind webrtc.RTPCodecType, enabled bool) {
	f := s.forwarder(kind)
	if f == nil {
		return
	}
	if !enabled {
		f.disable()
		return
	}
	rid := f.lastRid()
	track := s.source.Track(kind, rid)
	if track == nil && kind == webrtc.RTPCodecTypeAudio {
		track = s.source.Track(kind, "")
	}
	if track != nil && f.rebind(track, rid) && kind == webrtc.RTPCodecTypeVideo {
		s.source.Feedback(Feedback{Kind: FeedbackPLI, MediaKind: kind, Rid: rid})
	}
}

func (s *SubscribeSession) forwarder(kind webrtc.RTPCodecType) *kindForwarder {
	if kind == webrtc.RTPCodecTypeVideo {
		return s.video
	}
	return s.audio
}

// AddICECandidate hands a trickle ICE SDP fragment to the PeerConnection.
func (s *SubscribeSession) AddICECandidate(fragment string) error {
	return addICEFragment(s.pc, fragment)
}

func (s *SubscribeSession) setState(state domain.ConnectState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.stateSince = time.Now()
	onState := s.onState
	s.mu.Unlock()

	s.logger.Infow("subscribe session state",
		"stream", s.streamID, "session", s.id, "state", state)
	if onState != nil {
		onState(s.id, state)
	}
}

// State reports the current connect state.
func (s *SubscribeSession) State() domain.ConnectState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ID returns the session id.
func (s *SubscribeSession) ID() domain.SessionID { return s.id }

// Reforward returns the cascade target when this egress pushes to another
// node.
func (s *SubscribeSession) Reforward() *domain.ReforwardInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reforward
}

// SetResourceURL records the session resource created on the cascade target.
func (s *SubscribeSession) SetResourceURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reforward != nil {
		s.reforward.ResourceURL = url
	}
}

// CreatedAt is the session creation timestamp.
func (s *SubscribeSession) CreatedAt() time.Time { return s.createdAt }

// StateSince is when the current connect state was entered; the cascade
// monitor uses it to time out reforward sessions stuck off-connected.
func (s *SubscribeSession) StateSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateSince
}

// Snapshot returns the externally visible session state.
func (s *SubscribeSession) Snapshot() domain.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rf *domain.ReforwardInfo
	if s.reforward != nil {
		cp := *s.reforward
		rf = &cp
	}
	return domain.SessionSnapshot{
		ID:           s.id,
		CreateTime:   s.createdAt.UnixMilli(),
		ConnectState: s.state,
		Reforward:    rf,
	}
}

// Close cancels the forwarding tasks and closes the PeerConnection; after
// it returns no further RTP is written. Idempotent.
func (s *SubscribeSession) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.state = domain.ConnectStateClosed
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if s.video != nil {
			s.video.detach()
		}
		if s.audio != nil {
			s.audio.detach()
		}
		if s.pc != nil {
			if err := s.pc.Close(); err != nil {
				s.logger.Debugw("subscribe pc close", "stream", s.streamID, "session", s.id, "error", err)
			}
		}
		close(s.done)
	})
}

// Done is closed once the session is fully torn down.
func (s *SubscribeSession) Done() <-chan struct{} { return s.done }

// kindForwarder is the per-kind forwarding task: one ring receiver, one
// egress writer, an output sequence space that stays monotonic across layer
// switches.
type kindForwarder struct {
	kind webrtc.RTPCodecType
	out  RTPWriter

	mu sync.Mutex
	// recv is nil while the kind is disabled or the wanted layer is absent;
	// rid keeps the wanted layer across parking.
	recv         *RingReceiver
	track        *PublishTrack
	rid          string
	waitKeyframe bool
	rebound      chan struct{}

	seq     uint16
	started bool

	logger *zap.SugaredLogger
}

func newKindForwarder(kind webrtc.RTPCodecType, out RTPWriter, source TrackSource, rid string, logger *zap.SugaredLogger) *kindForwarder {
	f := &kindForwarder{
		kind:    kind,
		out:     out,
		rid:     rid,
		rebound: make(chan struct{}, 1),
		logger:  logger,
	}
	if t := source.Track(kind, rid); t != nil {
		f.track = t
		f.recv = t.Subscribe()
	}
	return f
}

// rebind atomically swaps the source track. Reports whether a swap
// happened; a no-op rebind to the current track does not re-gate output.
func (f *kindForwarder) rebind(track *PublishTrack, rid string) bool {
	f.mu.Lock()
	if f.track == track && f.recv != nil {
		f.mu.Unlock()
		return false
	}
	old := f.recv
	f.track = track
	f.rid = rid
	f.recv = track.Subscribe()
	if f.kind == webrtc.RTPCodecTypeVideo {
		f.waitKeyframe = true
	}
	f.mu.Unlock()

	if old != nil {
		old.Close()
	}
	select {
	case f.rebound <- struct{}{}:
	default:
	}
	return true
}

func (f *kindForwarder) disable() {
	f.mu.Lock()
	old := f.recv
	f.recv = nil
	f.track = nil
	f.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (f *kindForwarder) detach() {
	f.disable()
}

func (f *kindForwarder) currentRid() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rid
}

// lastRid is the layer to restore when the kind is re-enabled.
func (f *kindForwarder) lastRid() string {
	return f.currentRid()
}

func (f *kindForwarder) run(ctx context.Context) {
	for {
		f.mu.Lock()
		recv := f.recv
		track := f.track
		f.mu.Unlock()

		if recv == nil {
			select {
			case <-f.rebound:
				continue
			case <-ctx.Done():
				return
			}
		}

		pkt, err := recv.Recv(ctx)
		if err == ErrRingClosed {
			// Source track ended or we were rebound; park until rebind.
			f.mu.Lock()
			if f.recv == recv {
				f.recv = nil
				f.track = nil
			}
			f.mu.Unlock()
			continue
		}
		if err != nil {
			return
		}

		f.mu.Lock()
		stale := f.recv != recv
		gated := f.waitKeyframe
		f.mu.Unlock()
		if stale {
			continue
		}

		if f.kind == webrtc.RTPCodecTypeVideo && gated {
			if !isKeyframeStart(track.Codec().MimeType, pkt.Payload) {
				continue
			}
			f.mu.Lock()
			f.waitKeyframe = false
			f.mu.Unlock()
		}

		f.write(pkt)
	}
}

// write emits the packet with a rewritten monotonic sequence number;
// timestamps and markers pass through untouched.
func (f *kindForwarder) write(pkt *rtp.Packet) {
	out := *pkt
	if !f.started {
		f.seq = pkt.SequenceNumber
		f.started = true
	} else {
		f.seq++
	}
	out.SequenceNumber = f.seq
	if err := f.out.WriteRTP(&out); err != nil {
		f.logger.Debugw("egress write failed", "kind", f.kind.String(), "error", err)
	}
}
