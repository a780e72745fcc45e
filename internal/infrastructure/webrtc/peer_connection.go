package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lza051119/chat8/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Config holds the ICE and transport settings shared by data links and calls.
type Config struct {
	ICEServers       []webrtc.ICEServer
	DataChannelLabel string
	PortRange        struct {
		Min uint16
		Max uint16
	}
}

// NewAPI builds a pion API with the configured UDP port range.
func NewAPI(cfg Config, opts ...func(*webrtc.API)) (*webrtc.API, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	return webrtc.NewAPI(append([]func(*webrtc.API){webrtc.WithSettingEngine(settingEngine)}, opts...)...), nil
}

func (c Config) configuration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers:   c.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}
}

func toPionDescription(d domain.SessionDescription) (webrtc.SessionDescription, error) {
	typ := webrtc.NewSDPType(d.Type)
	if typ == 0 {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown sdp type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: typ, SDP: d.SDP}, nil
}

func fromPionDescription(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func toPionCandidate(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromPionCandidate(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// transport is the peer connection behind one data link. Implementations
// must not be asked to add candidates before the remote description is set.
type transport interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error)
	SetAnswer(answer domain.SessionDescription) error
	AddCandidate(c domain.ICECandidate) error
	OnLocalCandidate(fn func(domain.ICECandidate))
	OnOpen(fn func())
	OnMessage(fn func([]byte))
	OnFailed(fn func(error))
	Send(data []byte) error
	Close() error
}

type transportFactory func() (transport, error)

var errDataChannelNotOpen = errors.New("data channel not open")

// pionTransport carries a single ordered data channel.
type pionTransport struct {
	pc    *webrtc.PeerConnection
	label string

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	onOpen    func()
	onMessage func([]byte)
	onFailed  func(error)
}

func newPionTransportFactory(cfg Config) (transportFactory, error) {
	api, err := NewAPI(cfg)
	if err != nil {
		return nil, err
	}
	label := cfg.DataChannelLabel
	if label == "" {
		label = "chat"
	}
	return func() (transport, error) {
		pc, err := api.NewPeerConnection(cfg.configuration())
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}
		t := &pionTransport{pc: pc, label: label}
		pc.OnDataChannel(t.attach)
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			if state == webrtc.PeerConnectionStateFailed {
				t.failed(fmt.Errorf("peer connection %s", state))
			}
		})
		return t, nil
	}, nil
}

func (t *pionTransport) attach(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		t.mu.Lock()
		fn := t.onOpen
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		fn := t.onMessage
		t.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
	dc.OnError(func(err error) {
		t.failed(err)
	})
}

func (t *pionTransport) failed(err error) {
	t.mu.Lock()
	fn := t.onFailed
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (t *pionTransport) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	ordered := true
	dc, err := t.pc.CreateDataChannel(t.label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create data channel: %w", err)
	}
	t.attach(dc)

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(offer), nil
}

func (t *pionTransport) CreateAnswer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	remote, err := toPionDescription(offer)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(answer), nil
}

func (t *pionTransport) SetAnswer(answer domain.SessionDescription) error {
	remote, err := toPionDescription(answer)
	if err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(remote)
}

func (t *pionTransport) AddCandidate(c domain.ICECandidate) error {
	return t.pc.AddICECandidate(toPionCandidate(c))
}

func (t *pionTransport) OnLocalCandidate(fn func(domain.ICECandidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		fn(fromPionCandidate(c.ToJSON()))
	})
}

func (t *pionTransport) OnOpen(fn func()) {
	t.mu.Lock()
	t.onOpen = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnMessage(fn func([]byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnFailed(fn func(error)) {
	t.mu.Lock()
	t.onFailed = fn
	t.mu.Unlock()
}

func (t *pionTransport) Send(data []byte) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errDataChannelNotOpen
	}
	return dc.SendText(string(data))
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
