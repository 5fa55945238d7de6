// Package proxy implements agent.Agent on top of a WebRTC media proxy in
// front of a live multimodal model. Media flows over RTP tracks; setup,
// text, and tool calls flow as JSON over a data channel named "gemini".
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"google.golang.org/genai"

	"home-sentinel/internal/agent"
	"home-sentinel/internal/clock"
	"home-sentinel/internal/device"
	"home-sentinel/internal/stream"
)

const (
	dataChannelLabel = "gemini"

	defaultModel         = "models/gemini-2.0-flash-exp"
	defaultGatherTimeout = 10 * time.Second

	// Opus frames are re-stamped at 20ms, 48kHz.
	audioTimestampStep = 960
)

// Options configure the connection to the proxy.
type Options struct {
	// Endpoint receives the SDP offer (POST) and the teardown (DELETE).
	Endpoint string
	APIKey   string
	// Model is used when agent.Config.Model is empty.
	Model         string
	ICEServers    []webrtc.ICEServer
	GatherTimeout time.Duration
	HTTPClient    *http.Client
	Clock         clock.Clock
	Logger        *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Model == "" {
		o.Model = defaultModel
	}
	if o.GatherTimeout <= 0 {
		o.GatherTimeout = defaultGatherTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Factory returns an agent.Factory that connects through opts.
func Factory(opts Options) agent.Factory {
	return func(cfg agent.Config) (agent.Agent, error) { return New(opts, cfg) }
}

// Agent is an agent.Agent backed by the proxy.
type Agent struct {
	opts   Options
	cfg    agent.Config
	logger *slog.Logger

	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	audioTrack *webrtc.TrackLocalStaticRTP
	videoTrack *webrtc.TrackLocalStaticRTP

	audio     *stream.Stream[*rtp.Packet]
	toolCalls *stream.Stream[agent.ToolCall]
	complete  *stream.Stream[string]
	streaming *stream.Stream[string]
	gate      *agent.MuteGate

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	seq      uint16
	ts       uint32
	location string
	closed   bool
}

// New builds an agent with its peer connection. Nothing is sent until
// Start.
func New(opts Options, cfg agent.Config) (*Agent, error) {
	opts = opts.withDefaults()
	if opts.Endpoint == "" {
		return nil, errors.New("proxy endpoint is required")
	}
	if cfg.Modality == "" {
		cfg.Modality = agent.ModalityAudio
	}
	if cfg.Model == "" {
		cfg.Model = opts.Model
	}

	a := &Agent{
		opts:      opts,
		cfg:       cfg,
		logger:    opts.Logger.With("agent", cfg.Model, "modality", string(cfg.Modality)),
		audio:     stream.New[*rtp.Packet](0),
		toolCalls: stream.NewReliable[agent.ToolCall](0),
		complete:  stream.NewReliable[string](0),
		streaming: stream.New[string](0),
		gate:      agent.NewMuteGate(0),
		ready:     make(chan struct{}),
	}
	if err := a.setupPeerConnection(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Agent) setupPeerConnection() error {
	audioCodec, videoCodec := codecs(a.cfg.VideoCodec)

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(audioCodec, webrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("register audio codec: %w", err)
	}
	if err := m.RegisterCodec(videoCodec, webrtc.RTPCodecTypeVideo); err != nil {
		return fmt.Errorf("register video codec: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: a.opts.ICEServers})
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}

	a.audioTrack, err = webrtc.NewTrackLocalStaticRTP(audioCodec.RTPCodecCapability, "audio", "home-sentinel")
	if err == nil {
		a.videoTrack, err = webrtc.NewTrackLocalStaticRTP(videoCodec.RTPCodecCapability, "video", "home-sentinel")
	}
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating tracks: %w", err)
	}
	for _, track := range []*webrtc.TrackLocalStaticRTP{a.audioTrack, a.videoTrack} {
		if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			pc.Close()
			return fmt.Errorf("adding transceiver: %w", err)
		}
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating data channel: %w", err)
	}
	dc.OnOpen(a.sendSetup)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			a.handleMessage(msg.Data)
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return
			}
			a.gate.ShouldMute(a.opts.Clock.Now())
			a.audio.Publish(pkt)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		a.logger.Debug("connection state changed", "state", state.String())
	})

	a.pc, a.dc = pc, dc
	return nil
}

func codecs(video device.VideoCodec) (webrtc.RTPCodecParameters, webrtc.RTPCodecParameters) {
	audio := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
	if video == device.H264 {
		return audio, webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeH264,
				ClockRate:   90000,
				SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			},
			PayloadType: 102,
		}
	}
	return audio, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}
}

// Start offers the peer connection to the proxy and applies its answer.
func (a *Agent) Start(ctx context.Context) error {
	offer, err := a.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(a.pc)
	if err := a.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	timer := time.NewTimer(a.opts.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		return fmt.Errorf("ICE gathering timed out after %s", a.opts.GatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	answer, location, err := a.postOffer(ctx, a.pc.LocalDescription().SDP)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.location = location
	a.mu.Unlock()

	if err := a.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (a *Agent) postOffer(ctx context.Context, sdp string) (answer, location string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.Endpoint, bytes.NewBufferString(sdp))
	if err != nil {
		return "", "", fmt.Errorf("building offer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	if a.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.opts.APIKey)
	}

	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("posting offer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", "", fmt.Errorf("reading answer: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("proxy rejected offer: %s", resp.Status)
	}
	return string(body), resp.Header.Get("Location"), nil
}

// setupMessage is the first data channel message: the model and the live
// session config.
type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model  string                   `json:"model"`
	Config *genai.LiveConnectConfig `json:"config"`
}

func (a *Agent) liveConfig() *genai.LiveConnectConfig {
	modality := genai.ModalityAudio
	if a.cfg.Modality == agent.ModalityText {
		modality = genai.ModalityText
	}
	cfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{modality},
	}
	if a.cfg.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(a.cfg.SystemInstruction, genai.RoleUser)
	}
	if len(a.cfg.Declarations) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: a.cfg.Declarations}}
	}
	return cfg
}

func (a *Agent) sendSetup() {
	if err := a.sendJSON(setupMessage{Setup: setupPayload{Model: a.cfg.Model, Config: a.liveConfig()}}); err != nil {
		a.logger.Warn("send setup", "error", err)
	}
}

// inbound is a message from the proxy. Every field is optional.
type inbound struct {
	StreamingText *string         `json:"streamingText,omitempty"`
	CompleteText  *string         `json:"completeText,omitempty"`
	Call          *agent.ToolCall `json:"call,omitempty"`
	ImageSent     bool            `json:"imageSent,omitempty"`
}

// outbound is a message to the proxy.
type outbound struct {
	CompleteText *string             `json:"completeText,omitempty"`
	Response     *agent.ToolResponse `json:"response,omitempty"`
}

func (a *Agent) handleMessage(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		a.logger.Debug("drop malformed proxy message", "error", err)
		return
	}
	if msg.StreamingText != nil {
		a.streaming.Publish(*msg.StreamingText)
	}
	if msg.CompleteText != nil {
		if *msg.CompleteText == "" {
			a.gate.Unmute(a.opts.Clock.Now())
		}
		a.complete.Publish(*msg.CompleteText)
	}
	if msg.Call != nil {
		a.toolCalls.Publish(*msg.Call)
	}
	if msg.ImageSent {
		a.readyOnce.Do(func() { close(a.ready) })
	}
}

func (a *Agent) Audio() *stream.Stream[*rtp.Packet]        { return a.audio }
func (a *Agent) ToolCalls() *stream.Stream[agent.ToolCall] { return a.toolCalls }
func (a *Agent) CompleteText() *stream.Stream[string]      { return a.complete }
func (a *Agent) StreamingText() *stream.Stream[string]     { return a.streaming }
func (a *Agent) Ready() <-chan struct{}                    { return a.ready }
func (a *Agent) Gate() *agent.MuteGate                     { return a.gate }

// SendAudio forwards pkt unless the gate is muted. Packets are re-stamped
// so the proxy sees a continuous 20ms cadence regardless of the source.
func (a *Agent) SendAudio(pkt *rtp.Packet) {
	if a.gate.Muted() {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.seq++
	a.ts += audioTimestampStep
	out := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         pkt.Marker,
			SequenceNumber: a.seq,
			Timestamp:      a.ts,
		},
		Payload: pkt.Payload,
	}
	a.mu.Unlock()

	if err := a.audioTrack.WriteRTP(out); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		a.logger.Debug("write audio", "error", err)
	}
}

func (a *Agent) SendVideo(pkt *rtp.Packet) {
	if err := a.videoTrack.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		a.logger.Debug("write video", "error", err)
	}
}

func (a *Agent) SendText(text string) error {
	return a.sendJSON(outbound{CompleteText: &text})
}

func (a *Agent) SendToolResponse(resp agent.ToolResponse) error {
	return a.sendJSON(outbound{Response: &resp})
}

func (a *Agent) sendJSON(v any) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return agent.ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode proxy message: %w", err)
	}
	if err := a.dc.SendText(string(data)); err != nil {
		return fmt.Errorf("send proxy message: %w", err)
	}
	return nil
}

// Close tears down the peer connection and releases the proxy session.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	location := a.location
	a.mu.Unlock()

	if location != "" {
		a.deleteSession(location)
	}
	a.audio.Close()
	a.toolCalls.Close()
	a.complete.Close()
	a.streaming.Close()
	return a.pc.Close()
}

func (a *Agent) deleteSession(location string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	target, err := a.resolve(location)
	if err != nil {
		a.logger.Warn("resolve proxy session", "location", location, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return
	}
	if a.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.opts.APIKey)
	}
	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		a.logger.Warn("delete proxy session", "error", err)
		return
	}
	resp.Body.Close()
}

var _ agent.Agent = (*Agent)(nil)

// resolve makes a Location header absolute against the endpoint.
func (a *Agent) resolve(location string) (string, error) {
	base, err := url.Parse(a.opts.Endpoint)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
