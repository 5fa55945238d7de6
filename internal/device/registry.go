package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Sentinel errors for the device registry.
var (
	ErrUnknownDeviceType = errors.New("unknown device type")
	ErrAlreadyRegistered = errors.New("device type already registered")
)

// FrontFactory builds an unbound front device.
type FrontFactory func() (FrontDevice, error)

// SensorSetup resolves a type-specific descriptor into ready devices. It
// runs the device's own negotiation, so it may block on the network.
type SensorSetup func(ctx context.Context, descriptor json.RawMessage) ([]SensorDevice, error)

// Registry maps device type tags to constructors.
type Registry struct {
	mu      sync.RWMutex
	fronts  map[string]FrontFactory
	sensors map[string]SensorSetup
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		fronts:  make(map[string]FrontFactory),
		sensors: make(map[string]SensorSetup),
	}
}

// RegisterFront adds a front device type.
func (r *Registry) RegisterFront(tag string, factory FrontFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fronts[tag]; exists {
		return fmt.Errorf("%w: front %s", ErrAlreadyRegistered, tag)
	}
	r.fronts[tag] = factory
	return nil
}

// RegisterSensor adds a sensor type.
func (r *Registry) RegisterSensor(tag string, setup SensorSetup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sensors[tag]; exists {
		return fmt.Errorf("%w: sensor %s", ErrAlreadyRegistered, tag)
	}
	r.sensors[tag] = setup
	return nil
}

// NewFront builds a front device of the given type.
func (r *Registry) NewFront(tag string) (FrontDevice, error) {
	r.mu.RLock()
	factory, ok := r.fronts[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: front %s", ErrUnknownDeviceType, tag)
	}
	return factory()
}

// SetupSensors resolves a descriptor of the given sensor type.
func (r *Registry) SetupSensors(ctx context.Context, tag string, descriptor json.RawMessage) ([]SensorDevice, error) {
	r.mu.RLock()
	setup, ok := r.sensors[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sensor %s", ErrUnknownDeviceType, tag)
	}
	return setup(ctx, descriptor)
}

// SensorTypes lists registered sensor tags in sorted order.
func (r *Registry) SensorTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.sensors))
	for tag := range r.sensors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
