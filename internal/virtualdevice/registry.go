package virtualdevice

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nonu1l/unairplay/internal/eventbus"
)

// Registry is a read-only, eventually-consistent view of every Virtual
// Device's state, built entirely from bus events. The Web API and the
// DLNA Service both use it to answer listing/snapshot queries without
// ever calling back into a Device directly, per the no-cross-component-
// calls design: a Registry only ever reads what Device already
// publishes.
type Registry struct {
	bus *eventbus.Bus
	log *slog.Logger

	mu      sync.RWMutex
	devices map[string]StateSnapshot
}

// NewRegistry returns a Registry that has not yet subscribed to bus; call
// Run to start consuming events.
func NewRegistry(bus *eventbus.Bus, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		bus:     bus,
		log:     log,
		devices: make(map[string]StateSnapshot),
	}
}

// Name implements supervisor.Service.
func (r *Registry) Name() string { return "device-registry" }

// Run implements supervisor.Service: it merges DEVICE_ADDED, DEVICE_REMOVED,
// STATE_CHANGED, VOLUME_CHANGED and DSP_CHANGED for every device into this
// Registry's map until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	topics := []eventbus.EventType{
		eventbus.DeviceAdded, eventbus.DeviceRemoved,
		eventbus.StateChanged, eventbus.VolumeChanged, eventbus.DSPChanged,
	}

	merged := make(chan eventbus.Event, 64)
	var wg sync.WaitGroup
	for _, t := range topics {
		ch := r.bus.Subscribe(ctx, t, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range ch {
				select {
				case merged <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() { wg.Wait(); close(merged) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-merged:
			if !ok {
				return nil
			}
			r.apply(ev)
		}
	}
}

func (r *Registry) apply(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.DeviceRemoved:
		r.mu.Lock()
		delete(r.devices, ev.DeviceID)
		r.mu.Unlock()
	case eventbus.DeviceAdded, eventbus.StateChanged, eventbus.DSPChanged:
		snap, ok := ev.Payload.(StateSnapshot)
		if !ok {
			r.log.Warn("registry event with unexpected payload", "type", ev.Type)
			return
		}
		r.mu.Lock()
		r.devices[ev.DeviceID] = snap
		r.mu.Unlock()
	case eventbus.VolumeChanged:
		// cmdSetVolume publishes a partial snapshot carrying only
		// DeviceID/Volume, so merge that one field rather than
		// overwriting everything else this registry already knows.
		partial, ok := ev.Payload.(StateSnapshot)
		if !ok {
			return
		}
		r.mu.Lock()
		if existing, ok := r.devices[ev.DeviceID]; ok {
			existing.Volume = partial.Volume
			r.devices[ev.DeviceID] = existing
		}
		r.mu.Unlock()
	}
}

// List returns a snapshot of every known device, in no particular order.
func (r *Registry) List() []StateSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StateSnapshot, 0, len(r.devices))
	for _, s := range r.devices {
		out = append(out, s)
	}
	return out
}

// Get returns the known snapshot for deviceID, if any.
func (r *Registry) Get(deviceID string) (StateSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.devices[deviceID]
	return s, ok
}
