// Package session owns a user's conversation: one front device, one
// conversational agent, the sensors attached so far, and the tasks the
// agent has delegated to them.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"golang.org/x/sync/errgroup"

	"home-sentinel/internal/agent"
	"home-sentinel/internal/clock"
	"home-sentinel/internal/device"
	"home-sentinel/internal/prompt"
	"home-sentinel/internal/protocol"
	"home-sentinel/internal/stream"
	"home-sentinel/internal/task"
)

const defaultHistorySize = 32

// Sentinel errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSensorNotFound  = errors.New("sensor not found")
	ErrDeviceNotFound  = errors.New("device not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrFrontNotBound   = errors.New("front device not bound")
	ErrDuplicateSensor = errors.New("sensor id already attached")
	ErrNotInitialized  = errors.New("session not initialized")
	ErrClosed          = errors.New("session closed")
	ErrSessionLimit    = errors.New("maximum session limit reached")
)

// TaskConfig is applied to every task a session starts.
type TaskConfig struct {
	ReminderInterval time.Duration
	RecordDuration   time.Duration
	RecordDir        string
}

// Options configure a session.
type Options struct {
	ID           string
	AgentFactory agent.Factory
	Devices      *device.Registry
	Prompts      *prompt.Store
	Task         TaskConfig
	// Model overrides the agent backend's default model.
	Model string
	// Sensors are attached before Init, so the agent's instruction names
	// them from the start.
	Sensors     []device.SensorDevice
	HistorySize int
	Clock       clock.Clock
	Logger      *slog.Logger
}

type frontSlot struct{ dev device.FrontDevice }

// Session is safe for concurrent use. Mutating operations run to
// completion under the session lock, so a failed call leaves no partial
// state behind.
type Session struct {
	id        string
	opts      Options
	logger    *slog.Logger
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	front atomic.Pointer[frontSlot]

	mu        sync.Mutex
	agent     agent.Agent
	agentSubs []*stream.Subscription
	frontSub  *stream.Subscription
	sensors   []device.SensorDevice
	tasks     []*task.Task
	history   *stream.RingBuffer[protocol.TaskResult]
	closed    bool
}

// New creates a session. Call Init before attaching devices.
func New(opts Options) (*Session, error) {
	if opts.ID == "" {
		return nil, errors.New("session requires an id")
	}
	if opts.AgentFactory == nil {
		return nil, errors.New("session requires an agent factory")
	}
	if opts.Devices == nil {
		opts.Devices = device.NewRegistry()
	}
	if opts.Prompts == nil {
		opts.Prompts = prompt.NewStore(nil)
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        opts.ID,
		opts:      opts,
		logger:    opts.Logger.With("session", opts.ID),
		createdAt: opts.Clock.Now(),
		ctx:       ctx,
		cancel:    cancel,
		sensors:   append([]device.SensorDevice(nil), opts.Sensors...),
		history:   stream.NewRingBuffer[protocol.TaskResult](opts.HistorySize),
	}, nil
}

func (s *Session) ID() string           { return s.id }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Init builds and starts the conversational agent and wires its audio,
// tool calls and completed text.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.agent != nil {
		s.mu.Unlock()
		return errors.New("session already initialized")
	}

	a, err := s.opts.AgentFactory(agent.Config{
		SystemInstruction: s.opts.Prompts.Load().FrontSystemInstruction(s.deviceNamesLocked()),
		Declarations:      prompt.FrontDeclarations(),
		Modality:          agent.ModalityAudio,
		Model:             s.opts.Model,
	})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("create agent: %w", err)
	}
	s.agent = a
	s.agentSubs = []*stream.Subscription{
		a.Audio().Subscribe(s.playToFront),
		a.ToolCalls().Subscribe(s.dispatch),
		a.CompleteText().Subscribe(func(string) { a.Gate().Unmute(s.opts.Clock.Now()) }),
	}
	s.mu.Unlock()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	s.logger.Info("session initialized")
	return nil
}

func (s *Session) playToFront(pkt *rtp.Packet) {
	if slot := s.front.Load(); slot != nil {
		slot.dev.WriteAudio(pkt)
	}
}

// AttachFront binds a front device of type tag. Only the first call binds;
// later calls return the existing device and false.
func (s *Session) AttachFront(tag string) (device.FrontDevice, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	if slot := s.front.Load(); slot != nil {
		return slot.dev, false, nil
	}
	if s.agent == nil {
		return nil, false, ErrNotInitialized
	}

	dev, err := s.opts.Devices.NewFront(tag)
	if err != nil {
		return nil, false, err
	}
	s.frontSub = dev.Audio().Subscribe(s.agent.SendAudio)
	s.front.Store(&frontSlot{dev: dev})
	s.logger.Info("front device bound", "device", dev.Name())
	return dev, true, nil
}

// FrontDevice returns the bound front device, if any.
func (s *Session) FrontDevice() (device.FrontDevice, bool) {
	if slot := s.front.Load(); slot != nil {
		return slot.dev, true
	}
	return nil, false
}

// HandleFrontOffer answers sdp on the bound front device.
func (s *Session) HandleFrontOffer(ctx context.Context, sdp string) (string, error) {
	dev, ok := s.FrontDevice()
	if !ok {
		return "", ErrFrontNotBound
	}
	return dev.HandleOffer(ctx, sdp)
}

// HandleFrontCandidate relays an ICE candidate to the bound front device.
func (s *Session) HandleFrontCandidate(ctx context.Context, payload json.RawMessage) error {
	dev, ok := s.FrontDevice()
	if !ok {
		return ErrFrontNotBound
	}
	return dev.HandleCandidate(ctx, payload)
}

// AddSensors resolves every descriptor in init and attaches the resulting
// devices. Setups run concurrently; if any fails, or any id is already
// attached, nothing is attached.
func (s *Session) AddSensors(ctx context.Context, init protocol.SensorInit) ([]protocol.SensorAddResult, error) {
	if len(init) == 0 {
		return nil, errors.New("no sensors given")
	}
	tags := make([]string, 0, len(init))
	for tag := range init {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	resolved := make([][]device.SensorDevice, len(tags))
	g, gctx := errgroup.WithContext(ctx)
	for i, tag := range tags {
		g.Go(func() error {
			sensors, err := s.opts.Devices.SetupSensors(gctx, tag, init[tag])
			if err != nil {
				return fmt.Errorf("setup %s sensors: %w", tag, err)
			}
			resolved[i] = sensors
			return nil
		})
	}
	err := g.Wait()

	var added []device.SensorDevice
	for _, sensors := range resolved {
		added = append(added, sensors...)
	}
	if err != nil {
		closeSensors(added)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		closeSensors(added)
		return nil, ErrClosed
	}
	seen := make(map[string]bool, len(s.sensors)+len(added))
	for _, existing := range s.sensors {
		seen[existing.ID()] = true
	}
	for _, sensor := range added {
		if seen[sensor.ID()] {
			closeSensors(added)
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSensor, sensor.ID())
		}
		seen[sensor.ID()] = true
	}

	s.sensors = append(s.sensors, added...)
	results := make([]protocol.SensorAddResult, 0, len(added))
	for _, sensor := range added {
		results = append(results, protocol.SensorAddResult{SensorID: sensor.ID(), Negotiation: sensor.Negotiation()})
		s.logger.Info("sensor attached", "sensor", sensor.Name())
	}
	return results, nil
}

// HandleSensorNegotiation forwards payload to the sensor with id sensorID.
func (s *Session) HandleSensorNegotiation(ctx context.Context, sensorID string, payload json.RawMessage) (any, error) {
	sensor, err := s.Sensor(sensorID)
	if err != nil {
		return nil, err
	}
	return sensor.HandleNegotiation(ctx, payload)
}

// Sensor returns the attached sensor with the given id.
func (s *Session) Sensor(id string) (device.SensorDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sensor := range s.sensors {
		if sensor.ID() == id {
			return sensor, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSensorNotFound, id)
}

// DeviceNames returns the sensor names in attach order.
func (s *Session) DeviceNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceNamesLocked()
}

func (s *Session) deviceNamesLocked() []string {
	names := make([]string, 0, len(s.sensors))
	for _, sensor := range s.sensors {
		names = append(names, sensor.Name())
	}
	return names
}

// TaskDescriptions returns the descriptions of live tasks in start order.
func (s *Session) TaskDescriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, t.Description())
	}
	return list
}

// Status returns a snapshot for inspection.
func (s *Session) Status() protocol.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := protocol.SessionStatus{
		ID:        s.id,
		Devices:   s.deviceNamesLocked(),
		Tasks:     make([]protocol.TaskStatus, 0, len(s.tasks)),
		Results:   s.history.ReadAll(),
		CreatedAt: s.createdAt.UTC().Format(time.RFC3339),
	}
	if slot := s.front.Load(); slot != nil {
		status.FrontDevice = slot.dev.Name()
	}
	for _, t := range s.tasks {
		status.Tasks = append(status.Tasks, t.Status())
	}
	if s.agent != nil {
		status.Agent = map[string]any{"muted": s.agent.Gate().Muted()}
	}
	return status
}

// Close aborts every task and closes the agent and all devices.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tasks := s.tasks
	s.tasks = nil
	subs := append(s.agentSubs, s.frontSub)
	s.agentSubs, s.frontSub = nil, nil
	a := s.agent
	sensors := s.sensors
	s.mu.Unlock()

	s.cancel()
	for _, t := range tasks {
		t.Abort()
	}
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if a != nil {
		a.Close()
	}
	if dev, ok := s.FrontDevice(); ok {
		dev.Close()
	}
	closeSensors(sensors)
	s.logger.Info("session closed")
	return nil
}

func closeSensors(sensors []device.SensorDevice) {
	for _, sensor := range sensors {
		sensor.Close()
	}
}
