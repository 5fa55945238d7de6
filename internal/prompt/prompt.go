// Package prompt holds the instructions and tool declarations given to the
// conversational agent and to task agents.
package prompt

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"text/template"

	"google.golang.org/genai"
	"gopkg.in/yaml.v3"
)

// Tools the conversational agent may call.
const (
	ToolDeviceList = "device_list"
	ToolSetTask    = "set_task"
	ToolTaskList   = "task_list"
	ToolAbortTask  = "abort_task"
)

// Tools a task agent may call.
const (
	ToolComplete = "complete"
	ToolGetTime  = "get_time"
)

// Set is one revision of every prompt. Templates use text/template syntax.
type Set struct {
	FrontInstruction string `yaml:"frontInstruction"`
	TaskInstruction  string `yaml:"taskInstruction"`
	WatchTask        string `yaml:"watchTask"`
	CompleteTask     string `yaml:"completeTask"`
}

// Default returns the built-in prompts.
func Default() *Set {
	return &Set{
		FrontInstruction: `You are my assistant. Help with requests of any kind.
The initial device list is [{{join .Devices ","}}].
The user can pick a device from the list and run a task on it. Use set_task to run a task.
Use device_list to refresh the device list.
Use task_list when the user asks about running tasks.
Use abort_task when the user wants to stop a task.
Never read task ids aloud.
If the speaker output seems to loop back into the microphone, do not answer it.`,
		TaskInstruction: `You analyse video and audio for the task you are given and do nothing else.
Call complete only when the video or audio meets the task's end condition or request. Never use complete to report progress.
If the task mentions a duration, call get_time to read the elapsed time and call complete once it exceeds the duration.`,
		WatchTask: `Run the following task on what you currently see or hear. If the video or audio does not meet the task's end condition yet, say so.
{{.Task}}`,
		CompleteTask: `Report the following task and its result. Summarise both briefly for the user.
Task: {{.Task}}
Result: {{.Result}}`,
	}
}

// FrontSystemInstruction renders the conversational agent's instruction.
func (s *Set) FrontSystemInstruction(devices []string) string {
	return render(s.FrontInstruction, map[string]any{"Devices": devices})
}

// WatchTaskText renders the reminder repeatedly sent to a task agent.
func (s *Set) WatchTaskText(task string) string {
	return render(s.WatchTask, map[string]any{"Task": task})
}

// CompleteTaskText renders the report injected into the conversation when
// a task finishes.
func (s *Set) CompleteTaskText(task, result string) string {
	return render(s.CompleteTask, map[string]any{"Task": task, "Result": result})
}

var funcs = template.FuncMap{"join": strings.Join}

func render(text string, data map[string]any) string {
	out, err := execute("prompt", text, data)
	if err != nil {
		slog.Warn("prompt template failed, using it unrendered", "error", err)
		return text
	}
	return out
}

func execute(name, text string, data map[string]any) (string, error) {
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Validate parses and executes every template with sample data and reports
// the first failure.
func (s *Set) Validate() error {
	task, result := "watch the door", "the door is closed"
	for _, tmpl := range []struct {
		name, text string
		data       map[string]any
	}{
		{"frontInstruction", s.FrontInstruction, map[string]any{"Devices": []string{"DEBUG_cam"}}},
		{"taskInstruction", s.TaskInstruction, nil},
		{"watchTask", s.WatchTask, map[string]any{"Task": task}},
		{"completeTask", s.CompleteTask, map[string]any{"Task": task, "Result": result}},
	} {
		if _, err := execute(tmpl.name, tmpl.text, tmpl.data); err != nil {
			return fmt.Errorf("prompt %s: %w", tmpl.name, err)
		}
	}
	return nil
}

// LoadFile reads YAML overrides from path. Fields absent from the file keep
// their default value.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt file: %w", err)
	}
	set := Default()
	if err := yaml.Unmarshal(data, set); err != nil {
		return nil, fmt.Errorf("parse prompt file %s: %w", path, err)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

// Store publishes the current Set. Sessions and tasks read it when they
// build an agent, so reloads only affect agents created afterwards.
type Store struct {
	current atomic.Pointer[Set]
}

// NewStore returns a store holding set, or the defaults when set is nil.
func NewStore(set *Set) *Store {
	if set == nil {
		set = Default()
	}
	s := &Store{}
	s.current.Store(set)
	return s
}

func (s *Store) Load() *Set { return s.current.Load() }

func (s *Store) Swap(set *Set) { s.current.Store(set) }

// Reload replaces the current set with the contents of path. On error the
// current set is kept.
func (s *Store) Reload(path string) error {
	set, err := LoadFile(path)
	if err != nil {
		return err
	}
	s.Swap(set)
	return nil
}

// FrontDeclarations are the tools offered to the conversational agent.
func FrontDeclarations() []*genai.FunctionDeclaration {
	return []*genai.FunctionDeclaration{
		{
			Name: ToolDeviceList,
			Description: `Refreshes the device list. Devices are returned in the devices property.
Shorten device names longer than 10 characters to 10 characters when speaking.`,
		},
		{
			Name:        ToolSetTask,
			Description: "Runs a task on the selected device and returns the task id. Remember which id belongs to which task.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"task": {
						Type:        genai.TypeString,
						Description: "What to do, e.g. tell me whether the thermometer in the video shows 20 degrees or less.",
					},
					"device": {
						Type:        genai.TypeString,
						Description: "Full name of the target device. Fails if the device is not in the device list.",
					},
				},
				Required: []string{"task", "device"},
			},
		},
		{
			Name:        ToolTaskList,
			Description: "Lists running tasks. Summarise the task contents briefly for the user.",
		},
		{
			Name:        ToolAbortTask,
			Description: "Stops a running task. Pass the id of the task whose content matches what the user named.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"id": {
						Type:        genai.TypeString,
						Description: "The task id bound to the content the user named.",
					},
				},
				Required: []string{"id"},
			},
		},
	}
}

// TaskDeclarations are the tools offered to a task agent.
func TaskDeclarations() []*genai.FunctionDeclaration {
	return []*genai.FunctionDeclaration{
		{
			Name:        ToolComplete,
			Description: "Returns the analysis result once the task's end condition or request is met.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"result": {Type: genai.TypeString, Description: "Analysis result."},
				},
				Required: []string{"result"},
			},
		},
		{
			Name:        ToolGetTime,
			Description: "Returns the elapsed time of the task in seconds.",
		},
	}
}

// TaskSystemInstruction renders a task agent's instruction.
func (s *Set) TaskSystemInstruction() string {
	return render(s.TaskInstruction, nil)
}
