package session

import (
	"fmt"
	"time"

	"home-sentinel/internal/agent"
	"home-sentinel/internal/device"
	"home-sentinel/internal/prompt"
	"home-sentinel/internal/protocol"
	"home-sentinel/internal/task"
)

type okResponse struct {
	OK bool `json:"ok"`
}

// dispatch answers a tool call from the conversational agent. Failures are
// reported to the agent as {"ok": false} so the conversation continues.
// set_task answers asynchronously: starting a task agent can take seconds
// and other tool calls must not queue behind it.
func (s *Session) dispatch(call agent.ToolCall) {
	if call.Name == prompt.ToolSetTask {
		go func() { s.respond(call, s.setTask(call)) }()
		return
	}

	var response any
	switch call.Name {
	case prompt.ToolDeviceList:
		response = map[string][]string{"devices": s.DeviceNames()}

	case prompt.ToolTaskList:
		response = map[string][]string{"list": s.TaskDescriptions()}

	case prompt.ToolAbortTask:
		var args struct {
			ID string `json:"id"`
		}
		if err := call.DecodeArgs(&args); err != nil {
			s.logger.Warn("bad abort_task args", "error", err)
			response = okResponse{OK: false}
			break
		}
		response = okResponse{OK: s.AbortTask(args.ID) == nil}

	default:
		s.logger.Warn("unknown tool", "tool", call.Name)
		response = okResponse{OK: false}
	}
	s.respond(call, response)
}

func (s *Session) setTask(call agent.ToolCall) any {
	var args struct {
		Task   string `json:"task"`
		Device string `json:"device"`
	}
	if err := call.DecodeArgs(&args); err != nil {
		s.logger.Warn("bad set_task args", "error", err)
		return okResponse{OK: false}
	}
	id, err := s.StartTask(args.Task, args.Device)
	if err != nil {
		s.logger.Warn("set_task failed", "device", args.Device, "error", err)
		return okResponse{OK: false}
	}
	return map[string]string{"id": id}
}

func (s *Session) respond(call agent.ToolCall, response any) {
	s.mu.Lock()
	a := s.agent
	s.mu.Unlock()
	if a == nil {
		return
	}
	if err := a.SendToolResponse(agent.ToolResponse{ID: call.ID, Response: response}); err != nil {
		s.logger.Warn("send tool response", "tool", call.Name, "error", err)
	}
}

// StartTask starts a task on the sensor named deviceName and returns its
// id. The task agent is started without holding the session lock, so
// other session operations proceed while it connects.
func (s *Session) StartTask(description, deviceName string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	var sensor device.SensorDevice
	for _, candidate := range s.sensors {
		if candidate.Name() == deviceName {
			sensor = candidate
			break
		}
	}
	s.mu.Unlock()
	if sensor == nil {
		return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceName)
	}

	t, err := task.New(task.Options{
		Description:      description,
		Device:           sensor,
		AgentFactory:     s.opts.AgentFactory,
		Prompts:          s.opts.Prompts.Load(),
		Model:            s.opts.Model,
		Clock:            s.opts.Clock,
		ReminderInterval: s.opts.Task.ReminderInterval,
		RecordDuration:   s.opts.Task.RecordDuration,
		RecordDir:        s.opts.Task.RecordDir,
		OnComplete:       s.onTaskComplete,
		Logger:           s.logger,
	})
	if err != nil {
		return "", err
	}
	if err := t.Start(s.ctx); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.Abort()
		return "", ErrClosed
	}
	// A task that completed while starting has already reported.
	if t.State() == task.Running {
		s.tasks = append(s.tasks, t)
	}
	s.mu.Unlock()
	return t.ID(), nil
}

// AbortTask aborts the first task whose id is key, or failing that the
// first whose description equals key. Two tasks with the same description
// are indistinguishable by description; the earlier one is aborted.
func (s *Session) AbortTask(key string) error {
	s.mu.Lock()
	idx := -1
	for i, t := range s.tasks {
		if t.ID() == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		for i, t := range s.tasks {
			if t.Description() == key {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, key)
	}
	t := s.tasks[idx]
	s.tasks = append(s.tasks[:idx:idx], s.tasks[idx+1:]...)
	s.mu.Unlock()

	t.Abort()
	return nil
}

// onTaskComplete removes the finished task, records its result, and tells
// the conversational agent about it.
func (s *Session) onTaskComplete(c task.Completion) {
	s.mu.Lock()
	for i, t := range s.tasks {
		if t.ID() == c.TaskID {
			s.tasks = append(s.tasks[:i:i], s.tasks[i+1:]...)
			break
		}
	}
	s.history.Write(protocol.TaskResult{
		Description: c.Description,
		Result:      c.Result,
		CompletedAt: c.CompletedAt.UTC().Format(time.RFC3339),
	})
	a := s.agent
	closed := s.closed
	s.mu.Unlock()

	if closed || a == nil {
		return
	}
	text := s.opts.Prompts.Load().CompleteTaskText(c.Description, c.Result)
	if err := a.SendText(text); err != nil {
		s.logger.Warn("report task result", "task", c.TaskID, "error", err)
	}
}
