package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	opusClockRate   = 48000
	opusPayloadType = 111
	rtpMTU          = 1200
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// AudioSource yields encoded Opus frames, one per frame interval.
type AudioSource interface {
	NextFrame() ([]byte, error)
}

// AudioSink receives decoded-from-wire Opus frames of a call.
type AudioSink interface {
	WriteFrame(peer domain.PeerID, frame []byte)
}

// SilenceSource stands in for a microphone on headless nodes.
type SilenceSource struct{}

func (SilenceSource) NextFrame() ([]byte, error) { return opusSilence, nil }

// DiscardSink drops received audio.
type DiscardSink struct{}

func (DiscardSink) WriteFrame(domain.PeerID, []byte) {}

type CallMediaConfig struct {
	RTC           Config
	Self          domain.PeerID
	FrameInterval time.Duration
	EncryptAudio  bool
	NewSource     func() AudioSource
	Sink          AudioSink
}

// CallMediaFactory builds pion audio peer connections for calls.
type CallMediaFactory struct {
	api     *webrtc.API
	cfg     CallMediaConfig
	metrics ports.Metrics
	logger  *zap.SugaredLogger
}

func NewCallMediaFactory(cfg CallMediaConfig, metrics ports.Metrics, logger *zap.SugaredLogger) (*CallMediaFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	// Default interceptors emit the receiver reports that feed packet loss.
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api, err := NewAPI(cfg.RTC, webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir))
	if err != nil {
		return nil, err
	}

	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 20 * time.Millisecond
	}
	if cfg.NewSource == nil {
		cfg.NewSource = func() AudioSource { return SilenceSource{} }
	}
	if cfg.Sink == nil {
		cfg.Sink = DiscardSink{}
	}
	return &CallMediaFactory{api: api, cfg: cfg, metrics: metrics, logger: logger.With("component", "call_media")}, nil
}

func (f *CallMediaFactory) NewCallMedia(ctx context.Context, callID string, peer domain.PeerID, key []byte) (ports.CallMedia, error) {
	if !f.cfg.EncryptAudio {
		key = nil
	}
	outCipher, err := NewAudioCipher(key, callID, string(peer))
	if err != nil {
		return nil, err
	}
	inCipher, err := NewAudioCipher(key, callID, string(f.cfg.Self))
	if err != nil {
		return nil, err
	}

	pc, err := f.api.NewPeerConnection(f.cfg.RTC.configuration())
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio",
		"call-"+callID,
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to add audio track: %w", err)
	}

	mctx, cancel := context.WithCancel(context.Background())
	cm := &pionCallMedia{
		callID:    callID,
		peer:      peer,
		pc:        pc,
		track:     track,
		outCipher: outCipher,
		inCipher:  inCipher,
		source:    f.cfg.NewSource(),
		sink:      f.cfg.Sink,
		interval:  f.cfg.FrameInterval,
		metrics:   f.metrics,
		logger:    f.logger.With("call_id", callID, "peer_id", peer),
		ctx:       mctx,
		cancel:    cancel,
	}

	pc.OnTrack(cm.receive)
	pc.OnConnectionStateChange(cm.connectionStateChanged)

	cm.wg.Add(1)
	go cm.readSenderRTCP(sender)

	cm.logger.Debugw("call media created", "obfuscated", outCipher.Enabled())
	return cm, nil
}

type pionCallMedia struct {
	callID    string
	peer      domain.PeerID
	pc        *webrtc.PeerConnection
	track     *webrtc.TrackLocalStaticRTP
	outCipher *AudioCipher
	inCipher  *AudioCipher
	source    AudioSource
	sink      AudioSink
	interval  time.Duration
	metrics   ports.Metrics
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	remoteSet bool
	pending   []domain.ICECandidate
	onState   func(ports.MediaState)
	sending   bool
	closed    bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (m *pionCallMedia) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(offer), nil
}

func (m *pionCallMedia) Accept(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	if err := m.setRemote(offer); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(answer), nil
}

func (m *pionCallMedia) SetAnswer(answer domain.SessionDescription) error {
	return m.setRemote(answer)
}

func (m *pionCallMedia) setRemote(d domain.SessionDescription) error {
	remote, err := toPionDescription(d)
	if err != nil {
		return err
	}
	if err := m.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteSet = true
	for _, c := range m.pending {
		if err := m.pc.AddICECandidate(toPionCandidate(c)); err != nil {
			m.logger.Debugw("queued candidate rejected", "error", err)
		}
	}
	m.pending = nil
	return nil
}

func (m *pionCallMedia) AddRemoteCandidate(c domain.ICECandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.remoteSet {
		m.pending = append(m.pending, c)
		return nil
	}
	return m.pc.AddICECandidate(toPionCandidate(c))
}

func (m *pionCallMedia) OnLocalCandidate(fn func(domain.ICECandidate)) {
	m.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(fromPionCandidate(c.ToJSON()))
	})
}

func (m *pionCallMedia) OnStateChange(fn func(ports.MediaState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *pionCallMedia) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.cancel()
		err = m.pc.Close()
		m.wg.Wait()
	})
	return err
}

func mediaState(s webrtc.PeerConnectionState) (ports.MediaState, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		return ports.MediaConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return ports.MediaConnected, true
	case webrtc.PeerConnectionStateFailed:
		return ports.MediaFailed, true
	case webrtc.PeerConnectionStateClosed:
		return ports.MediaClosed, true
	default:
		// disconnected may still recover
		return "", false
	}
}

func (m *pionCallMedia) connectionStateChanged(s webrtc.PeerConnectionState) {
	m.logger.Infow("call connection state changed", "connection_state", s)

	state, ok := mediaState(s)
	if !ok {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	fn := m.onState
	if state == ports.MediaConnected && !m.sending {
		m.sending = true
		m.wg.Add(1)
		go m.sendLoop()
	}
	m.mu.Unlock()

	if fn != nil {
		fn(state)
	}
}

// sendLoop paces source frames onto the outbound track.
func (m *pionCallMedia) sendLoop() {
	defer m.wg.Done()

	samples := uint32(m.interval.Seconds() * opusClockRate)
	packetizer := rtp.NewPacketizer(rtpMTU, opusPayloadType, rand.Uint32(), &codecs.OpusPayloader{}, rtp.NewRandomSequencer(), opusClockRate)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := m.source.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Warnw("audio source failed", "error", err)
			}
			return
		}
		for _, pkt := range packetizer.Packetize(frame, samples) {
			if err := m.writePacket(pkt); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
				m.logger.Debugw("error writing RTP packet", "error", err)
			}
		}
	}
}

func (m *pionCallMedia) writePacket(pkt *rtp.Packet) error {
	payload, err := m.outCipher.Apply(&pkt.Header, pkt.Payload)
	if err != nil {
		return err
	}
	pkt.Payload = payload
	return m.track.WriteRTP(pkt)
}

func (m *pionCallMedia) receive(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	m.logger.Infow("remote audio track started", "track_id", track.ID(), "codec", track.Codec().MimeType)

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Debugw("error reading remote track", "error", err)
			}
			return
		}
		frame, err := m.inCipher.Apply(&pkt.Header, pkt.Payload)
		if err != nil {
			continue
		}
		m.sink.WriteFrame(m.peer, frame)
	}
}

// readSenderRTCP drains RTCP for the outbound track and reports the loss
// the peer sees.
func (m *pionCallMedia) readSenderRTCP(sender *webrtc.RTPSender) {
	defer m.wg.Done()
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		if loss, ok := lossFromRTCP(packets); ok {
			m.metrics.RecordPacketLoss(loss)
		}
	}
}

// lossFromRTCP averages the fraction lost over all receiver report blocks.
func lossFromRTCP(packets []rtcp.Packet) (float64, bool) {
	var total float64
	n := 0
	for _, packet := range packets {
		rr, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, report := range rr.Reports {
			total += float64(report.FractionLost) / 256
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return total / float64(n), true
}
