package forward

import (
	"livefabric/pkg/errors"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// EngineConfig carries the WebRTC settings shared by every session.
type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Engine builds PeerConnections with a shared media engine and interceptor
// registry. One engine per node.
type Engine struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewEngine sets up the pion API with default codecs and interceptors.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	s := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := s.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, err
		}
	}

	return &Engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(i),
			webrtc.WithSettingEngine(s),
		),
		config: webrtc.Configuration{ICEServers: cfg.ICEServers},
	}, nil
}

// NewPeerConnection creates a session PeerConnection.
func (e *Engine) NewPeerConnection() (*webrtc.PeerConnection, error) {
	return e.api.NewPeerConnection(e.config)
}

// answer runs the offer/answer exchange on pc and returns the local SDP
// after ICE gathering completes.
func answer(pc *webrtc.PeerConnection, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", errors.NewInvalidSdpError(err)
	}

	ans, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", errors.NewInvalidSdpError(err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(ans); err != nil {
		return "", errors.NewInvalidSdpError(err)
	}
	<-gatherComplete

	return pc.LocalDescription().SDP, nil
}
