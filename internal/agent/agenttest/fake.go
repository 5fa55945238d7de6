// Package agenttest provides an in-memory agent.Agent for tests.
package agenttest

import (
	"context"
	"sync"
	"time"

	"github.com/pion/rtp"

	"home-sentinel/internal/agent"
	"home-sentinel/internal/stream"
)

// Agent is a scriptable agent. Tests drive its output with the Emit
// methods and observe what was sent to it.
type Agent struct {
	Config agent.Config

	audio     *stream.Stream[*rtp.Packet]
	toolCalls *stream.Stream[agent.ToolCall]
	complete  *stream.Stream[string]
	streaming *stream.Stream[string]
	gate      *agent.MuteGate

	ready     chan struct{}
	readyOnce sync.Once

	texts     chan string
	responses chan agent.ToolResponse

	mu        sync.Mutex
	startHold <-chan struct{}
	sendHold  *hold
	started   bool
	closed    bool
	startErr  error
	audioIn   int
	videoIn   int
	sentTexts []string
}

// New creates a fake agent.
func New(cfg agent.Config) *Agent {
	return &Agent{
		Config:    cfg,
		audio:     stream.New[*rtp.Packet](0),
		toolCalls: stream.NewReliable[agent.ToolCall](0),
		complete:  stream.NewReliable[string](0),
		streaming: stream.New[string](0),
		gate:      agent.NewMuteGate(0),
		ready:     make(chan struct{}),
		texts:     make(chan string, 256),
		responses: make(chan agent.ToolResponse, 256),
	}
}

type hold struct {
	entered chan<- struct{}
	release <-chan struct{}
}

func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	wait := a.startHold
	a.mu.Unlock()
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return a.startErr
	}
	a.started = true
	return nil
}

func (a *Agent) Audio() *stream.Stream[*rtp.Packet]        { return a.audio }
func (a *Agent) ToolCalls() *stream.Stream[agent.ToolCall] { return a.toolCalls }
func (a *Agent) CompleteText() *stream.Stream[string]      { return a.complete }
func (a *Agent) StreamingText() *stream.Stream[string]     { return a.streaming }
func (a *Agent) Ready() <-chan struct{}                    { return a.ready }
func (a *Agent) Gate() *agent.MuteGate                     { return a.gate }

func (a *Agent) SendAudio(*rtp.Packet) {
	a.mu.Lock()
	a.audioIn++
	a.mu.Unlock()
}

func (a *Agent) SendVideo(*rtp.Packet) {
	a.mu.Lock()
	a.videoIn++
	a.mu.Unlock()
}

func (a *Agent) SendText(text string) error {
	a.mu.Lock()
	h := a.sendHold
	a.sendHold = nil
	a.mu.Unlock()
	if h != nil {
		h.entered <- struct{}{}
		<-h.release
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return agent.ErrClosed
	}
	a.sentTexts = append(a.sentTexts, text)
	a.texts <- text
	return nil
}

func (a *Agent) SendToolResponse(resp agent.ToolResponse) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return agent.ErrClosed
	}
	a.responses <- resp
	return nil
}

func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.audio.Close()
	a.toolCalls.Close()
	a.complete.Close()
	a.streaming.Close()
	return nil
}

// FailStart makes the next Start return err.
func (a *Agent) FailStart(err error) {
	a.mu.Lock()
	a.startErr = err
	a.mu.Unlock()
}

// HoldStart makes Start wait until release is closed or its context is
// done.
func (a *Agent) HoldStart(release <-chan struct{}) {
	a.mu.Lock()
	a.startHold = release
	a.mu.Unlock()
}

// HoldSendText makes the next SendText signal entered and then wait for
// release before sending.
func (a *Agent) HoldSendText(entered chan<- struct{}, release <-chan struct{}) {
	a.mu.Lock()
	a.sendHold = &hold{entered: entered, release: release}
	a.mu.Unlock()
}

// MarkReady closes Ready as if the first frame had been sent.
func (a *Agent) MarkReady() { a.readyOnce.Do(func() { close(a.ready) }) }

// EmitToolCall publishes call as if the backend had issued it.
func (a *Agent) EmitToolCall(call agent.ToolCall) { a.toolCalls.Publish(call) }

// EmitCompleteText publishes a finished text turn.
func (a *Agent) EmitCompleteText(text string) { a.complete.Publish(text) }

// EmitAudio publishes synthesized speech.
func (a *Agent) EmitAudio(pkt *rtp.Packet) { a.audio.Publish(pkt) }

// NextText waits for the next text sent to the agent.
func (a *Agent) NextText(timeout time.Duration) (string, bool) {
	select {
	case text := <-a.texts:
		return text, true
	case <-time.After(timeout):
		return "", false
	}
}

// NextResponse waits for the next tool response sent to the agent.
func (a *Agent) NextResponse(timeout time.Duration) (agent.ToolResponse, bool) {
	select {
	case resp := <-a.responses:
		return resp, true
	case <-time.After(timeout):
		return agent.ToolResponse{}, false
	}
}

// Texts returns every text sent so far.
func (a *Agent) Texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sentTexts...)
}

func (a *Agent) Started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

func (a *Agent) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// MediaIn returns how many audio and video packets were sent to the agent.
func (a *Agent) MediaIn() (audio, video int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.audioIn, a.videoIn
}

// Factory records every agent it builds.
type Factory struct {
	// Err, when set, is returned instead of building an agent.
	Err error
	// OnBuild, when set, runs on every new agent before it is returned.
	OnBuild func(*Agent)

	mu     sync.Mutex
	agents []*Agent
	built  chan *Agent
}

// NewFactory creates a recording factory.
func NewFactory() *Factory {
	return &Factory{built: make(chan *Agent, 64)}
}

// New implements agent.Factory.
func (f *Factory) New(cfg agent.Config) (agent.Agent, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	a := New(cfg)
	if f.OnBuild != nil {
		f.OnBuild(a)
	}
	f.mu.Lock()
	f.agents = append(f.agents, a)
	f.mu.Unlock()
	f.built <- a
	return a, nil
}

// Agents returns the agents built so far in creation order.
func (f *Factory) Agents() []*Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Agent(nil), f.agents...)
}

// Next waits for the next agent to be built.
func (f *Factory) Next(timeout time.Duration) (*Agent, bool) {
	select {
	case a := <-f.built:
		return a, true
	case <-time.After(timeout):
		return nil, false
	}
}
