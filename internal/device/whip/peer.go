// Package whip implements front and sensor devices that publish media over
// WebRTC using WHIP-style signaling: the remote side sends an SDP offer and
// receives a complete (non-trickle) answer, then optionally trickles ICE
// candidates.
package whip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"home-sentinel/internal/clock"
	"home-sentinel/internal/protocol"
)

const (
	defaultGatherTimeout    = 10 * time.Second
	defaultKeyframeInterval = time.Second
)

// Config is shared by every WHIP device.
type Config struct {
	// ICEServers is the list of STUN/TURN servers used during gathering.
	ICEServers []webrtc.ICEServer
	// GatherTimeout bounds candidate gathering when answering an offer.
	GatherTimeout time.Duration
	// KeyframeInterval is how often a sensor requests a keyframe once video
	// is flowing.
	KeyframeInterval time.Duration
	Clock            clock.Clock
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = defaultGatherTimeout
	}
	if c.KeyframeInterval <= 0 {
		c.KeyframeInterval = defaultKeyframeInterval
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// newPeerConnection creates a pion PeerConnection with the configured ICE
// servers. Loopback candidates are included so devices on the same host
// can connect.
func (c Config) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: c.ICEServers})
}

// answer applies the remote offer to pc and returns the local answer once
// gathering is complete.
func (c Config) answer(ctx context.Context, pc *webrtc.PeerConnection, sdp string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	timer := time.NewTimer(c.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		return "", fmt.Errorf("ICE gathering timed out after %s", c.GatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return pc.LocalDescription().SDP, nil
}

// ParseCandidate decodes an ICE candidate payload. It accepts either the
// JSON object a browser produces or a bare candidate string.
func ParseCandidate(raw json.RawMessage) (webrtc.ICECandidateInit, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return webrtc.ICECandidateInit{}, fmt.Errorf("empty candidate")
	}

	if trimmed[0] == '"' {
		var line string
		if err := json.Unmarshal(trimmed, &line); err != nil {
			return webrtc.ICECandidateInit{}, fmt.Errorf("decode candidate: %w", err)
		}
		return webrtc.ICECandidateInit{Candidate: strings.TrimPrefix(line, "a=")}, nil
	}

	var payload protocol.CandidatePayload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode candidate: %w", err)
	}
	return webrtc.ICECandidateInit{
		Candidate:        payload.Candidate,
		SDPMid:           payload.SDPMid,
		SDPMLineIndex:    payload.SDPMLineIndex,
		UsernameFragment: payload.UsernameFragment,
	}, nil
}

// ParseSDPFragment extracts the candidates of a trickle-ice-sdpfrag body
// (RFC 8840), as sent by WHIP clients in PATCH requests.
func ParseSDPFragment(body string) []webrtc.ICECandidateInit {
	var (
		candidates []webrtc.ICECandidateInit
		mid        *string
		ufrag      *string
		index      uint16
		sections   int
	)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			v := strings.TrimPrefix(line, "a=ice-ufrag:")
			ufrag = &v
		case strings.HasPrefix(line, "m="):
			if sections > 0 {
				index++
			}
			sections++
			mid = nil
		case strings.HasPrefix(line, "a=mid:"):
			v := strings.TrimPrefix(line, "a=mid:")
			mid = &v
		case strings.HasPrefix(line, "a=candidate:"):
			i := index
			candidates = append(candidates, webrtc.ICECandidateInit{
				Candidate:        strings.TrimPrefix(line, "a="),
				SDPMid:           mid,
				SDPMLineIndex:    &i,
				UsernameFragment: ufrag,
			})
		}
	}
	return candidates
}
