// Package device defines the capabilities of the endpoints a session talks
// to: the front device the user converses through and the sensor devices
// tasks observe. Concrete devices live in subpackages and are constructed
// through a Registry keyed by a device type tag.
package device

import (
	"context"
	"encoding/json"

	"github.com/pion/rtp"

	"home-sentinel/internal/stream"
)

// VideoCodec is the codec a sensor publishes video in.
type VideoCodec string

const (
	VP8  VideoCodec = "vp8"
	H264 VideoCodec = "h264"
)

// FrontDevice is the conversational transport endpoint of the user.
type FrontDevice interface {
	// Name is the device type tag, e.g. "whip".
	Name() string

	// Audio carries the user's microphone audio.
	Audio() *stream.Stream[*rtp.Packet]

	// WriteAudio plays agent audio to the user. Packets written before
	// negotiation completes are dropped.
	WriteAudio(pkt *rtp.Packet)
	WriteVideo(pkt *rtp.Packet)

	// HandleOffer binds the transport and returns the SDP answer.
	HandleOffer(ctx context.Context, sdp string) (string, error)
	HandleCandidate(ctx context.Context, payload json.RawMessage) error

	Close() error
}

// SensorDevice is a peripheral whose audio and video a task can observe.
type SensorDevice interface {
	ID() string
	// Name is what the conversational agent uses to address the device.
	Name() string
	VideoCodec() VideoCodec

	Audio() *stream.Stream[*rtp.Packet]
	Video() *stream.Stream[*rtp.Packet]

	// Negotiation is the device's current signaling state (for WHIP, the
	// local SDP answer) handed back to the caller that attached it.
	Negotiation() any
	HandleNegotiation(ctx context.Context, payload json.RawMessage) (any, error)

	Close() error
}

// Media holds the audio and video streams shared by device implementations.
type Media struct {
	audio *stream.Stream[*rtp.Packet]
	video *stream.Stream[*rtp.Packet]
}

// NewMedia creates lossy media streams.
func NewMedia() Media {
	return Media{
		audio: stream.New[*rtp.Packet](0),
		video: stream.New[*rtp.Packet](0),
	}
}

func (m Media) Audio() *stream.Stream[*rtp.Packet] { return m.audio }

func (m Media) Video() *stream.Stream[*rtp.Packet] { return m.video }

// CloseStreams detaches every media subscriber.
func (m Media) CloseStreams() {
	m.audio.Close()
	m.video.Close()
}
