package domain

import (
	"time"

	"github.com/pion/webrtc/v3"
)

type StreamID string
type SessionID string
type NodeAddr string

// LayerDisabled is the sentinel rid meaning "forward nothing on this kind
// until re-enabled".
const LayerDisabled = ""

// ConnectState is the canonical IETF PeerConnection state set. Any sentinel
// or unknown state at the boundary maps to ConnectStateNew.
type ConnectState string

const (
	ConnectStateNew          ConnectState = "new"
	ConnectStateConnecting   ConnectState = "connecting"
	ConnectStateConnected    ConnectState = "connected"
	ConnectStateDisconnected ConnectState = "disconnected"
	ConnectStateFailed       ConnectState = "failed"
	ConnectStateClosed       ConnectState = "closed"
)

// ConnectStateFrom maps a pion connection state onto the canonical set.
func ConnectStateFrom(s webrtc.PeerConnectionState) ConnectState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectStateClosed
	default:
		return ConnectStateNew
	}
}

// Active reports whether the session still occupies its slot. A publisher
// whose state is closed no longer blocks a new publish attempt.
func (s ConnectState) Active() bool {
	return s != ConnectStateClosed
}

// Layer is one simulcast encoding of a published video track.
type Layer struct {
	EncodingID string `json:"encodingId"`
}

// CodecInfo describes one negotiated codec of a published track.
type CodecInfo struct {
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels"`
	Fmtp      string `json:"fmtp,omitempty"`
}

// ReforwardInfo marks a subscribe session that cascades out to another node.
type ReforwardInfo struct {
	TargetURL   string `json:"targetUrl"`
	ResourceURL string `json:"resourceUrl,omitempty"`
}

// ReforwardOrigin marks a publish session whose media is pulled from an
// upstream node instead of an end-user publisher.
type ReforwardOrigin struct {
	UpstreamURL string `json:"upstreamUrl"`
	SessionID   string `json:"sessionId,omitempty"`
}

// SessionSnapshot is the externally visible state of one session.
type SessionSnapshot struct {
	ID           SessionID        `json:"id"`
	CreateTime   int64            `json:"createTime"`
	ConnectState ConnectState     `json:"connectState"`
	Reforward    *ReforwardInfo   `json:"reforward,omitempty"`
	Cascade      *ReforwardOrigin `json:"cascade,omitempty"`
}

// StreamSnapshot is the externally visible state of one StreamForward.
// Leave timestamps are unix milliseconds, zero while the respective side is
// attached.
type StreamSnapshot struct {
	ID                 StreamID          `json:"id"`
	CreateTime         int64             `json:"createTime"`
	PublishLeaveTime   int64             `json:"publishLeaveTime"`
	SubscribeLeaveTime int64             `json:"subscribeLeaveTime"`
	Publish            *SessionSnapshot  `json:"publishSessionInfo,omitempty"`
	Subscribers        []SessionSnapshot `json:"subscribeSessionInfos"`
	Codecs             []CodecInfo       `json:"codecs,omitempty"`
	Layers             []Layer           `json:"layers,omitempty"`
}

// PublisherConnected reports whether the snapshot carries a connected
// publish session. Cascade verification probes key off this.
func (s StreamSnapshot) PublisherConnected() bool {
	return s.Publish != nil && s.Publish.ConnectState == ConnectStateConnected
}

// IdlePolicy consolidates the idle-reaping knobs that were historically
// spread over publish_leave_timeout, reforward_maximum_idle_time and
// cascade.maximum_idle_time. Zero values fall back to defaults.
type IdlePolicy struct {
	PublishLeaveTimeout   time.Duration `yaml:"publish_leave_timeout"`
	SubscribeLeaveTimeout time.Duration `yaml:"subscribe_leave_timeout"`
	ReforwardIdleTimeout  time.Duration `yaml:"reforward_idle_timeout"`
	CheckTickTime         time.Duration `yaml:"check_tick_time"`
}

const (
	DefaultPublishLeaveTimeout   = 15 * time.Second
	DefaultSubscribeLeaveTimeout = 15 * time.Second
	DefaultReforwardIdleTimeout  = 60 * time.Second
	DefaultCheckTickTime         = 60 * time.Second
)

// Normalized returns the policy with defaults applied to zero fields.
func (p IdlePolicy) Normalized() IdlePolicy {
	if p.PublishLeaveTimeout <= 0 {
		p.PublishLeaveTimeout = DefaultPublishLeaveTimeout
	}
	if p.SubscribeLeaveTimeout <= 0 {
		p.SubscribeLeaveTimeout = DefaultSubscribeLeaveTimeout
	}
	if p.ReforwardIdleTimeout <= 0 {
		p.ReforwardIdleTimeout = DefaultReforwardIdleTimeout
	}
	if p.CheckTickTime <= 0 {
		p.CheckTickTime = DefaultCheckTickTime
	}
	return p
}
