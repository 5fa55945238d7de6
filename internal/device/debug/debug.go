// Package debug provides in-memory devices. They negotiate nothing and let
// callers inject media directly, which makes them useful for local
// development and for exercising sessions without a network.
package debug

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/rtp"

	"home-sentinel/internal/device"
	"home-sentinel/internal/protocol"
	"home-sentinel/internal/stream"
)

// answerSDP is returned for every offer a debug front device receives.
const answerSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=home-sentinel-debug\r\nt=0 0\r\n"

// Sensor is an in-memory sensor device.
type Sensor struct {
	device.Media
	id    string
	name  string
	codec device.VideoCodec

	mu          sync.Mutex
	negotiation []json.RawMessage
	closed      bool
}

// NewSensor creates a sensor. An empty name defaults to "DEBUG_<id>".
func NewSensor(id, name string) *Sensor {
	if name == "" {
		name = "DEBUG_" + id
	}
	return &Sensor{Media: device.NewMedia(), id: id, name: name, codec: device.VP8}
}

func (s *Sensor) ID() string                        { return s.id }
func (s *Sensor) Name() string                      { return s.name }
func (s *Sensor) VideoCodec() device.VideoCodec     { return s.codec }
func (s *Sensor) Negotiation() any                  { return map[string]string{"type": "debug"} }
func (s *Sensor) InjectAudio(pkt *rtp.Packet)       { s.Audio().Publish(pkt) }
func (s *Sensor) InjectVideo(pkt *rtp.Packet)       { s.Video().Publish(pkt) }
func (s *Sensor) SetVideoCodec(c device.VideoCodec) { s.codec = c }

// HandleNegotiation records the payload and echoes it back.
func (s *Sensor) HandleNegotiation(ctx context.Context, payload json.RawMessage) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("sensor %s closed", s.id)
	}
	s.negotiation = append(s.negotiation, payload)
	return payload, nil
}

// Negotiations returns every payload received so far.
func (s *Sensor) Negotiations() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]json.RawMessage, len(s.negotiation))
	copy(out, s.negotiation)
	return out
}

// Closed reports whether Close was called.
func (s *Sensor) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Sensor) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.CloseStreams()
	return nil
}

// SetupSensors accepts a single descriptor object or an array of them.
func SetupSensors(ctx context.Context, raw json.RawMessage) ([]device.SensorDevice, error) {
	var descriptors []protocol.DebugSensorDescriptor
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var one protocol.DebugSensorDescriptor
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("decode debug sensor: %w", err)
		}
		descriptors = append(descriptors, one)
	} else if err := json.Unmarshal(trimmed, &descriptors); err != nil {
		return nil, fmt.Errorf("decode debug sensors: %w", err)
	}

	sensors := make([]device.SensorDevice, 0, len(descriptors))
	for _, d := range descriptors {
		if d.ID == "" {
			return nil, fmt.Errorf("debug sensor requires an id")
		}
		sensors = append(sensors, NewSensor(d.ID, d.Name))
	}
	return sensors, nil
}

// Front is an in-memory front device.
type Front struct {
	device.Media
	played *stream.Stream[*rtp.Packet]

	mu         sync.Mutex
	offers     []string
	candidates []json.RawMessage
	closed     bool
}

// NewFront creates a front device.
func NewFront() *Front {
	return &Front{Media: device.NewMedia(), played: stream.New[*rtp.Packet](0)}
}

// NewFrontDevice adapts NewFront to device.FrontFactory.
func NewFrontDevice() (device.FrontDevice, error) { return NewFront(), nil }

func (f *Front) Name() string { return protocol.FrontDebug }

// Played carries every packet written to the device with WriteAudio.
func (f *Front) Played() *stream.Stream[*rtp.Packet] { return f.played }

// InjectAudio publishes pkt as if the user had spoken it.
func (f *Front) InjectAudio(pkt *rtp.Packet) { f.Audio().Publish(pkt) }

func (f *Front) WriteAudio(pkt *rtp.Packet) { f.played.Publish(pkt) }

func (f *Front) WriteVideo(*rtp.Packet) {}

func (f *Front) HandleOffer(ctx context.Context, sdp string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", fmt.Errorf("front device closed")
	}
	f.offers = append(f.offers, sdp)
	return answerSDP, nil
}

func (f *Front) HandleCandidate(ctx context.Context, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, payload)
	return nil
}

// Offers returns the offers received so far.
func (f *Front) Offers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.offers...)
}

// Candidates returns the candidates received so far.
func (f *Front) Candidates() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.candidates...)
}

func (f *Front) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.CloseStreams()
	f.played.Close()
	return nil
}
