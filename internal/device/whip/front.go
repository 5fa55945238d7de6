package whip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"home-sentinel/internal/device"
	"home-sentinel/internal/protocol"
)

// Front is a front device whose user connects with a browser over WebRTC.
// The user's microphone is published on Audio and agent audio written with
// WriteAudio is played back on a local Opus track.
type Front struct {
	device.Media
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticRTP
	closed bool
}

// NewFront creates an unbound front device.
func NewFront(cfg Config) *Front {
	cfg = cfg.withDefaults()
	return &Front{
		Media:  device.NewMedia(),
		cfg:    cfg,
		logger: cfg.Logger.With("device", protocol.FrontWHIP),
	}
}

// FrontFactory returns a device.FrontFactory building WHIP front devices.
func FrontFactory(cfg Config) device.FrontFactory {
	return func() (device.FrontDevice, error) { return NewFront(cfg), nil }
}

func (f *Front) Name() string { return protocol.FrontWHIP }

// HandleOffer replaces any previous peer connection with a fresh one bound
// to sdp and returns the answer.
func (f *Front) HandleOffer(ctx context.Context, sdp string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", fmt.Errorf("front device closed")
	}
	if f.pc != nil {
		f.pc.Close()
		f.pc, f.track = nil, nil
	}

	pc, err := f.cfg.newPeerConnection()
	if err != nil {
		return "", fmt.Errorf("creating PeerConnection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "home-sentinel")
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("creating audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("adding audio track: %w", err)
	}
	go drainRTCP(sender)

	audio := f.Audio()
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		readTrack(remote, audio.Publish)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		f.logger.Info("connection state changed", "state", state.String())
	})

	answer, err := f.cfg.answer(ctx, pc, sdp)
	if err != nil {
		pc.Close()
		return "", err
	}
	f.pc, f.track = pc, track
	return answer, nil
}

func (f *Front) HandleCandidate(ctx context.Context, payload json.RawMessage) error {
	candidate, err := ParseCandidate(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	pc := f.pc
	f.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("front device has no peer connection")
	}
	return pc.AddICECandidate(candidate)
}

func (f *Front) WriteAudio(pkt *rtp.Packet) {
	f.mu.Lock()
	track := f.track
	f.mu.Unlock()
	if track == nil {
		return
	}
	if err := track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		f.logger.Warn("write audio", "error", err)
	}
}

// WriteVideo is a no-op; the browser front only plays audio.
func (f *Front) WriteVideo(*rtp.Packet) {}

func (f *Front) Close() error {
	f.mu.Lock()
	pc := f.pc
	f.pc, f.track = nil, nil
	f.closed = true
	f.mu.Unlock()

	f.CloseStreams()
	if pc != nil {
		return pc.Close()
	}
	return nil
}

// readTrack publishes every packet read from remote until the track ends.
func readTrack(remote *webrtc.TrackRemote, publish func(*rtp.Packet)) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		publish(pkt)
	}
}

// drainRTCP reads incoming RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

var _ device.FrontDevice = (*Front)(nil)
