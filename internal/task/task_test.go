package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"

	"home-sentinel/internal/agent"
	"home-sentinel/internal/agent/agenttest"
	"home-sentinel/internal/clock"
	"home-sentinel/internal/device/debug"
	"home-sentinel/internal/prompt"
)

const wait = 2 * time.Second

type harness struct {
	clock   *clock.Fake
	factory *agenttest.Factory
	sensor  *debug.Sensor

	mu          sync.Mutex
	completions []Completion
	completed   chan Completion
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		clock:     clock.NewFake(time.Unix(1700000000, 0)),
		factory:   agenttest.NewFactory(),
		sensor:    debug.NewSensor("cam", ""),
		completed: make(chan Completion, 4),
	}
}

func (h *harness) newTask(t *testing.T, description string, record time.Duration) *Task {
	t.Helper()
	tk, err := New(Options{
		Description:    description,
		Device:         h.sensor,
		AgentFactory:   h.factory.New,
		Clock:          h.clock,
		RecordDuration: record,
		RecordDir:      t.TempDir(),
		OnComplete: func(c Completion) {
			h.mu.Lock()
			h.completions = append(h.completions, c)
			h.mu.Unlock()
			h.completed <- c
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tk
}

func (h *harness) start(t *testing.T, tk *Task) *agenttest.Agent {
	t.Helper()
	if err := tk.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	a, ok := h.factory.Next(wait)
	if !ok {
		t.Fatal("no agent built")
	}
	return a
}

func TestStart_ConfiguresTextAgent(t *testing.T) {
	h := newHarness(t)
	tk := h.newTask(t, "watch the door", 0)
	if tk.State() != Created {
		t.Fatalf("expected Created, got %s", tk.State())
	}
	a := h.start(t, tk)

	if tk.State() != Running {
		t.Errorf("expected Running, got %s", tk.State())
	}
	if a.Config.Modality != agent.ModalityText {
		t.Errorf("expected text modality, got %s", a.Config.Modality)
	}
	if len(a.Config.Declarations) != len(prompt.TaskDeclarations()) {
		t.Errorf("expected task declarations, got %d", len(a.Config.Declarations))
	}
	if !a.Started() {
		t.Error("expected agent started")
	}
	if err := tk.Start(context.Background()); !errors.Is(err, ErrNotCreated) {
		t.Errorf("expected ErrNotCreated on second Start, got %v", err)
	}
	tk.Abort()
}

func TestStart_AgentFailure(t *testing.T) {
	h := newHarness(t)
	h.factory.Err = errors.New("no backend")
	tk := h.newTask(t, "x", 0)
	if err := tk.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if tk.State() != Aborted {
		t.Errorf("expected Aborted, got %s", tk.State())
	}
}

func TestStart_ForwardsSensorMedia(t *testing.T) {
	h := newHarness(t)
	tk := h.newTask(t, "x", 0)
	a := h.start(t, tk)
	defer tk.Abort()

	h.sensor.InjectAudio(&rtp.Packet{})
	h.sensor.InjectVideo(&rtp.Packet{})

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		audio, video := a.MediaIn()
		if audio == 1 && video == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sensor media not forwarded to task agent")
}

func TestReminder_RepeatsUntilAbort(t *testing.T) {
	h := newHarness(t)
	tk := h.newTask(t, "watch the door", 0)
	a := h.start(t, tk)

	if _, ok := a.NextText(50 * time.Millisecond); ok {
		t.Fatal("no reminder expected before the agent is ready")
	}

	a.MarkReady()
	want := prompt.Default().WatchTaskText("watch the door")
	text, ok := a.NextText(wait)
	if !ok || text != want {
		t.Fatalf("expected initial reminder %q, got %q (%v)", want, text, ok)
	}

	h.clock.Advance(DefaultReminderInterval)
	if text, ok := a.NextText(wait); !ok || text != want {
		t.Fatalf("expected repeated reminder, got %q (%v)", text, ok)
	}

	if !tk.Abort() {
		t.Fatal("expected Abort to report a live task")
	}
	if h.clock.Pending() != 0 {
		t.Errorf("expected no pending timers after abort, got %d", h.clock.Pending())
	}
	h.clock.Advance(10 * DefaultReminderInterval)
	if _, ok := a.NextText(50 * time.Millisecond); ok {
		t.Error("reminder sent after abort")
	}
	if !a.Closed() {
		t.Error("expected agent closed on abort")
	}
	if h.sensor.Audio().Len() != 0 || h.sensor.Video().Len() != 0 {
		t.Error("expected sensor subscriptions released on abort")
	}
	if tk.Abort() {
		t.Error("second Abort must report false")
	}
}

func TestAbort_WaitsForReminderInFlight(t *testing.T) {
	h := newHarness(t)
	tk := h.newTask(t, "watch the door", 0)
	a := h.start(t, tk)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	a.HoldSendText(entered, release)
	a.MarkReady()
	select {
	case <-entered:
	case <-time.After(wait):
		t.Fatal("reminder not sent")
	}

	aborted := make(chan bool, 1)
	go func() { aborted <- tk.Abort() }()
	select {
	case <-aborted:
		t.Fatal("Abort returned while a reminder send was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case live := <-aborted:
		if !live {
			t.Error("expected Abort to report a live task")
		}
	case <-time.After(wait):
		t.Fatal("Abort did not return")
	}

	h.clock.Advance(10 * DefaultReminderInterval)
	if got := a.Texts(); len(got) != 1 {
		t.Errorf("expected only the in-flight reminder, got %d texts", len(got))
	}
	if h.clock.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", h.clock.Pending())
	}
}

func TestGetTime(t *testing.T) {
	h := newHarness(t)
	tk := h.newTask(t, "x", 0)
	a := h.start(t, tk)
	defer tk.Abort()

	h.clock.Advance(7*time.Second + 300*time.Millisecond)
	a.EmitToolCall(agent.ToolCall{ID: "c1", Name: prompt.ToolGetTime})

	resp, ok := a.NextResponse(wait)
	if !ok {
		t.Fatal("no response to get_time")
	}
	data, _ := json.Marshal(resp.Response)
	if resp.ID != "c1" || string(data) != `{"time":7}` {
		t.Errorf("unexpected response %s %s", resp.ID, data)
	}
}

func TestComplete_EmitsOnce(t *testing.T) {
	h := newHarness(t)
	tk := h.newTask(t, "tell me when the kettle boils", DefaultRecordDuration)
	a := h.start(t, tk)
	a.MarkReady()
	a.NextText(wait)

	a.EmitToolCall(agent.ToolCall{ID: "c1", Name: prompt.ToolComplete, Args: json.RawMessage(`{"result":"boiling"}`)})

	resp, ok := a.NextResponse(wait)
	if !ok {
		t.Fatal("no response to complete")
	}
	data, _ := json.Marshal(resp.Response)
	if string(data) != `{"ok":true}` {
		t.Errorf("unexpected response %s", data)
	}

	select {
	case c := <-h.completed:
		if c.Description != "tell me when the kettle boils" || c.Result != "boiling" || c.TaskID != tk.ID() {
			t.Errorf("unexpected completion %+v", c)
		}
	case <-time.After(wait):
		t.Fatal("completion not emitted")
	}
	if tk.State() != Completed {
		t.Errorf("expected Completed, got %s", tk.State())
	}
	if !a.Closed() {
		t.Error("expected agent closed on completion")
	}

	// The recording is the only timer left; let it finish.
	if h.clock.Pending() != 1 {
		t.Errorf("expected only the recording timer pending, got %d", h.clock.Pending())
	}
	h.clock.Advance(DefaultRecordDuration)

	a.EmitToolCall(agent.ToolCall{ID: "c2", Name: prompt.ToolComplete, Args: json.RawMessage(`{"result":"again"}`)})
	tk.complete("again")
	if tk.Abort() {
		t.Error("Abort after completion must report false")
	}

	select {
	case c := <-h.completed:
		t.Fatalf("completion emitted twice: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnknownTool(t *testing.T) {
	h := newHarness(t)
	tk := h.newTask(t, "x", 0)
	a := h.start(t, tk)
	defer tk.Abort()

	a.EmitToolCall(agent.ToolCall{ID: "c9", Name: "launch_rocket"})
	resp, ok := a.NextResponse(wait)
	if !ok {
		t.Fatal("no response")
	}
	data, _ := json.Marshal(resp.Response)
	if string(data) != `{"ok":false}` {
		t.Errorf("unexpected response %s", data)
	}
	if tk.State() != Running {
		t.Errorf("unknown tool must not end the task, got %s", tk.State())
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	tk := h.newTask(t, "watch", 0)
	if tk.Status().StartedAt != "" {
		t.Error("expected no startedAt before Start")
	}
	h.start(t, tk)
	defer tk.Abort()

	st := tk.Status()
	if st.ID != tk.ID() || st.Device != "DEBUG_cam" || st.State != "running" || st.StartedAt == "" {
		t.Errorf("unexpected status %+v", st)
	}
}
