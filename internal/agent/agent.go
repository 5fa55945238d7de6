// Package agent defines the contract of a conversational or analytical LLM
// backend: it consumes audio and video, and produces audio, text and
// structured tool calls.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/rtp"
	"google.golang.org/genai"

	"home-sentinel/internal/device"
	"home-sentinel/internal/stream"
)

// ErrClosed is returned when sending to an agent that has been closed.
var ErrClosed = errors.New("agent closed")

// Modality is the kind of output the agent responds with.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// ToolCall is a structured invocation emitted by an agent.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// DecodeArgs unmarshals the call arguments into v. Absent arguments leave v
// untouched.
func (c ToolCall) DecodeArgs(v any) error {
	if len(c.Args) == 0 || string(c.Args) == "null" {
		return nil
	}
	if err := json.Unmarshal(c.Args, v); err != nil {
		return fmt.Errorf("decode %s args: %w", c.Name, err)
	}
	return nil
}

// ToolResponse answers a ToolCall with the same ID.
type ToolResponse struct {
	ID       string `json:"id"`
	Response any    `json:"response"`
}

// Config describes the agent to build.
type Config struct {
	SystemInstruction string
	Declarations      []*genai.FunctionDeclaration
	Modality          Modality
	// Model overrides the backend's default model when set.
	Model      string
	VideoCodec device.VideoCodec
}

// Agent is a live LLM session.
type Agent interface {
	// Start connects to the backend. It returns once media can flow.
	Start(ctx context.Context) error

	// Audio carries synthesized speech.
	Audio() *stream.Stream[*rtp.Packet]
	ToolCalls() *stream.Stream[ToolCall]
	// CompleteText carries each finished text turn. An empty string marks
	// the end of a spoken turn.
	CompleteText() *stream.Stream[string]
	StreamingText() *stream.Stream[string]
	// Ready is closed once the first video frame has reached the backend.
	Ready() <-chan struct{}

	SendAudio(pkt *rtp.Packet)
	SendVideo(pkt *rtp.Packet)
	SendText(text string) error
	SendToolResponse(resp ToolResponse) error

	// Gate suppresses inbound audio while the agent is speaking.
	Gate() *MuteGate

	Close() error
}

// Factory builds an agent from a config.
type Factory func(cfg Config) (Agent, error)
