// Package task runs delegated observation work: one task binds one sensor
// device to a dedicated text agent, keeps reminding that agent of the task
// until it calls complete, and reports the result upward exactly once.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"home-sentinel/internal/agent"
	"home-sentinel/internal/clock"
	"home-sentinel/internal/device"
	"home-sentinel/internal/prompt"
	"home-sentinel/internal/protocol"
	"home-sentinel/internal/stream"
)

// Defaults for Options.
const (
	DefaultReminderInterval = 2 * time.Second
	DefaultRecordDuration   = 5 * time.Second
)

// ErrNotCreated is returned by Start on a task that already started.
var ErrNotCreated = errors.New("task already started")

// State is a task's lifecycle state.
type State int

const (
	Created State = iota
	Running
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Completion is emitted once when a task's agent calls complete.
type Completion struct {
	TaskID      string
	Description string
	Result      string
	CompletedAt time.Time
}

// Options configure a task.
type Options struct {
	Description  string
	Device       device.SensorDevice
	AgentFactory agent.Factory
	Prompts      *prompt.Set
	// Model overrides the agent backend's default model.
	Model            string
	Clock            clock.Clock
	ReminderInterval time.Duration
	// RecordDuration bounds the audit recording taken on completion. Zero
	// or negative disables recording.
	RecordDuration time.Duration
	RecordDir      string
	// OnComplete runs after the task has released its resources.
	OnComplete func(Completion)
	Logger     *slog.Logger
}

// Task is one delegation. All methods are safe for concurrent use.
type Task struct {
	id     string
	opts   Options
	logger *slog.Logger

	// sendMu is held across a reminder send and across every transition
	// out of Running, so no reminder is sent once the task has ended.
	sendMu sync.Mutex

	mu        sync.Mutex
	state     State
	agent     agent.Agent
	startedAt time.Time
	reminder  clock.Timer
	subs      []*stream.Subscription
	toolSub   *stream.Subscription
	done      chan struct{}
}

// New creates a task in the Created state.
func New(opts Options) (*Task, error) {
	if opts.Device == nil {
		return nil, errors.New("task requires a device")
	}
	if opts.AgentFactory == nil {
		return nil, errors.New("task requires an agent factory")
	}
	if opts.Prompts == nil {
		opts.Prompts = prompt.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ReminderInterval <= 0 {
		opts.ReminderInterval = DefaultReminderInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	id := uuid.New().String()
	return &Task{
		id:     id,
		opts:   opts,
		logger: opts.Logger.With("task", id, "device", opts.Device.Name()),
		state:  Created,
		done:   make(chan struct{}),
	}, nil
}

func (t *Task) ID() string          { return t.id }
func (t *Task) Description() string { return t.opts.Description }
func (t *Task) DeviceName() string  { return t.opts.Device.Name() }

func (t *Task) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Status returns a snapshot for inspection.
func (t *Task) Status() protocol.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := protocol.TaskStatus{
		ID:          t.id,
		Description: t.opts.Description,
		Device:      t.opts.Device.Name(),
		State:       t.state.String(),
	}
	if !t.startedAt.IsZero() {
		status.StartedAt = t.startedAt.UTC().Format(time.RFC3339)
	}
	return status
}

// Start builds the task agent, binds the device's media to it and starts
// it. Reminders begin once the agent reports it has seen a frame.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state != Created {
		t.mu.Unlock()
		return ErrNotCreated
	}

	a, err := t.opts.AgentFactory(agent.Config{
		SystemInstruction: t.opts.Prompts.TaskSystemInstruction(),
		Declarations:      prompt.TaskDeclarations(),
		Modality:          agent.ModalityText,
		Model:             t.opts.Model,
		VideoCodec:        t.opts.Device.VideoCodec(),
	})
	if err != nil {
		t.state = Aborted
		close(t.done)
		t.mu.Unlock()
		return fmt.Errorf("create task agent: %w", err)
	}

	t.agent = a
	t.startedAt = t.opts.Clock.Now()
	t.state = Running
	t.subs = []*stream.Subscription{
		t.opts.Device.Audio().Subscribe(a.SendAudio),
		t.opts.Device.Video().Subscribe(a.SendVideo),
	}
	t.toolSub = a.ToolCalls().Subscribe(t.handleToolCall)
	t.mu.Unlock()

	if err := a.Start(ctx); err != nil {
		t.Abort()
		return fmt.Errorf("start task agent: %w", err)
	}

	go t.awaitReady(a)
	t.logger.Info("task started", "description", t.opts.Description)
	return nil
}

func (t *Task) awaitReady(a agent.Agent) {
	select {
	case <-a.Ready():
		t.remind()
	case <-t.done:
	}
}

// remind sends the watch prompt and schedules the next reminder.
func (t *Task) remind() {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	if t.state != Running {
		t.mu.Unlock()
		return
	}
	a := t.agent
	t.reminder = t.opts.Clock.AfterFunc(t.opts.ReminderInterval, t.remind)
	t.mu.Unlock()

	if err := a.SendText(t.opts.Prompts.WatchTaskText(t.opts.Description)); err != nil {
		t.logger.Warn("send reminder", "error", err)
	}
}

func (t *Task) handleToolCall(call agent.ToolCall) {
	switch call.Name {
	case prompt.ToolGetTime:
		elapsed := int64(t.opts.Clock.Now().Sub(t.StartedAt()) / time.Second)
		t.respond(call.ID, map[string]int64{"time": elapsed})

	case prompt.ToolComplete:
		var args struct {
			Result string `json:"result"`
		}
		if err := call.DecodeArgs(&args); err != nil {
			t.logger.Warn("bad complete args", "error", err)
		}
		t.respond(call.ID, map[string]bool{"ok": true})
		t.complete(args.Result)

	default:
		t.logger.Warn("unknown task tool", "tool", call.Name)
		t.respond(call.ID, map[string]bool{"ok": false})
	}
}

func (t *Task) respond(id string, response any) {
	t.mu.Lock()
	a := t.agent
	t.mu.Unlock()
	if err := a.SendToolResponse(agent.ToolResponse{ID: id, Response: response}); err != nil {
		t.logger.Warn("send tool response", "error", err)
	}
}

func (t *Task) complete(result string) {
	t.sendMu.Lock()
	t.mu.Lock()
	if t.state != Running {
		t.mu.Unlock()
		t.sendMu.Unlock()
		return
	}
	t.state = Completed
	a := t.releaseLocked()
	t.mu.Unlock()
	t.sendMu.Unlock()

	t.record()
	a.Close()

	t.logger.Info("task completed", "result", result)
	if t.opts.OnComplete != nil {
		t.opts.OnComplete(Completion{
			TaskID:      t.id,
			Description: t.opts.Description,
			Result:      result,
			CompletedAt: t.opts.Clock.Now(),
		})
	}
}

func (t *Task) record() {
	if t.opts.RecordDuration <= 0 {
		return
	}
	rec, err := device.Record(t.opts.Device, device.RecordOptions{
		Duration: t.opts.RecordDuration,
		Dir:      t.opts.RecordDir,
		Prefix:   "task-",
		Clock:    t.opts.Clock,
		Logger:   t.logger,
	})
	if err != nil {
		t.logger.Warn("start recording", "error", err)
		return
	}
	t.logger.Info("recording", "audio", rec.AudioPath, "video", rec.VideoPath)
}

// Abort stops a Created or Running task. The reminder is stopped and every
// subscription detached before Abort returns; a reminder send already in
// flight finishes first. No completion is emitted.
// It reports whether the task was live.
func (t *Task) Abort() bool {
	t.sendMu.Lock()
	t.mu.Lock()
	if t.state == Completed || t.state == Aborted {
		t.mu.Unlock()
		t.sendMu.Unlock()
		return false
	}
	t.state = Aborted
	a := t.releaseLocked()
	t.mu.Unlock()
	t.sendMu.Unlock()

	if a != nil {
		a.Close()
	}
	t.logger.Info("task aborted")
	return true
}

// releaseLocked stops the reminder and detaches every subscription. It
// returns the agent for the caller to close outside the lock.
func (t *Task) releaseLocked() agent.Agent {
	if t.reminder != nil {
		t.reminder.Stop()
		t.reminder = nil
	}
	for _, sub := range t.subs {
		sub.Unsubscribe()
	}
	t.subs = nil
	t.toolSub.Unsubscribe()
	t.toolSub = nil
	close(t.done)
	return t.agent
}
