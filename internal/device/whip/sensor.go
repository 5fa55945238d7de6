package whip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"home-sentinel/internal/clock"
	"home-sentinel/internal/device"
	"home-sentinel/internal/protocol"
)

// Sensor is a sensor device that publishes VP8 video and Opus audio over
// WHIP. Once video starts flowing it requests a keyframe every
// KeyframeInterval so a newly attached agent gets a decodable picture
// quickly.
type Sensor struct {
	device.Media
	id     string
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	local    string
	keyframe clock.Timer
	closed   bool
}

// NewSensor creates a sensor with no peer connection.
func NewSensor(id string, cfg Config) *Sensor {
	cfg = cfg.withDefaults()
	s := &Sensor{Media: device.NewMedia(), id: id, cfg: cfg}
	s.logger = cfg.Logger.With("sensor", s.Name())
	return s
}

// SensorSetup returns a device.SensorSetup that answers the offer of each
// WHIP credential in the descriptor.
func SensorSetup(cfg Config) device.SensorSetup {
	return func(ctx context.Context, raw json.RawMessage) ([]device.SensorDevice, error) {
		creds, err := decodeCredentials(raw)
		if err != nil {
			return nil, err
		}

		sensors := make([]device.SensorDevice, 0, len(creds))
		for _, cred := range creds {
			if cred.ID == "" || cred.Offer == "" {
				closeAll(sensors)
				return nil, fmt.Errorf("whip sensor requires id and offer")
			}
			s := NewSensor(cred.ID, cfg)
			if _, err := s.HandleOffer(ctx, cred.Offer); err != nil {
				s.Close()
				closeAll(sensors)
				return nil, fmt.Errorf("whip sensor %s: %w", cred.ID, err)
			}
			sensors = append(sensors, s)
		}
		return sensors, nil
	}
}

func decodeCredentials(raw json.RawMessage) ([]protocol.WHIPSensorCredential, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var one protocol.WHIPSensorCredential
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("decode whip sensor: %w", err)
		}
		return []protocol.WHIPSensorCredential{one}, nil
	}
	var creds []protocol.WHIPSensorCredential
	if err := json.Unmarshal(trimmed, &creds); err != nil {
		return nil, fmt.Errorf("decode whip sensors: %w", err)
	}
	return creds, nil
}

func closeAll(sensors []device.SensorDevice) {
	for _, s := range sensors {
		s.Close()
	}
}

func (s *Sensor) ID() string                    { return s.id }
func (s *Sensor) Name() string                  { return "WHIP_" + s.id }
func (s *Sensor) VideoCodec() device.VideoCodec { return device.VP8 }

// Negotiation returns the local SDP answer, or an empty string before the
// first offer.
func (s *Sensor) Negotiation() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// HandleOffer replaces the peer connection and answers sdp.
func (s *Sensor) HandleOffer(ctx context.Context, sdp string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("sensor %s closed", s.id)
	}
	s.resetLocked()

	pc, err := s.cfg.newPeerConnection()
	if err != nil {
		return "", fmt.Errorf("creating PeerConnection: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return "", fmt.Errorf("adding audio transceiver: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return "", fmt.Errorf("adding video transceiver: %w", err)
	}

	audio, video := s.Audio(), s.Video()
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		switch remote.Kind() {
		case webrtc.RTPCodecTypeAudio:
			readTrack(remote, audio.Publish)
		case webrtc.RTPCodecTypeVideo:
			var once sync.Once
			readTrack(remote, func(pkt *rtp.Packet) {
				once.Do(func() { s.startKeyframes(pc, uint32(remote.SSRC())) })
				video.Publish(pkt)
			})
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info("connection state changed", "state", state.String())
	})

	answer, err := s.cfg.answer(ctx, pc, sdp)
	if err != nil {
		pc.Close()
		return "", err
	}
	s.pc, s.local = pc, answer
	return answer, nil
}

// HandleNegotiation adds a trickled ICE candidate.
func (s *Sensor) HandleNegotiation(ctx context.Context, payload json.RawMessage) (any, error) {
	candidate, err := ParseCandidate(payload)
	if err != nil {
		return nil, err
	}
	if err := s.AddCandidate(candidate); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// AddCandidate adds a remote ICE candidate to the current peer connection.
func (s *Sensor) AddCandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("sensor %s has no peer connection", s.id)
	}
	return pc.AddICECandidate(candidate)
}

// startKeyframes sends a PLI for ssrc every KeyframeInterval until pc is
// replaced or the sensor closes.
func (s *Sensor) startKeyframes(pc *webrtc.PeerConnection, ssrc uint32) {
	var tick func()
	tick = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.pc != pc {
			return
		}
		if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			s.logger.Warn("send PLI", "error", err)
		}
		s.keyframe = s.cfg.Clock.AfterFunc(s.cfg.KeyframeInterval, tick)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.keyframe != nil {
		return
	}
	s.keyframe = s.cfg.Clock.AfterFunc(s.cfg.KeyframeInterval, tick)
}

func (s *Sensor) resetLocked() {
	if s.keyframe != nil {
		s.keyframe.Stop()
		s.keyframe = nil
	}
	if s.pc != nil {
		s.pc.Close()
		s.pc = nil
	}
}

func (s *Sensor) Close() error {
	s.mu.Lock()
	s.closed = true
	s.resetLocked()
	s.mu.Unlock()

	s.CloseStreams()
	return nil
}

var _ device.SensorDevice = (*Sensor)(nil)
