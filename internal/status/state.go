package status

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"plansync/internal/bus"
)

// State represents a client runtime state.
type State string

const (
	Booting      State = "BOOTING"
	Connecting   State = "CONNECTING"
	Live         State = "LIVE"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Connecting, Error},
	Connecting:   {Live, Reconnecting, Degraded, Error},
	Live:         {Reconnecting, Degraded, Error},
	Reconnecting: {Live, Connecting, Degraded, Error},
	Degraded:     {Connecting, Reconnecting, Live, Error},
	Error:        {Booting},
}

// Machine tracks and enforces client runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "client.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}

// Watcher drives the machine from subscription health events on the bus:
// an active topic means the client is live, a reconnecting one means the
// feed dropped, a degraded one means the retry budget ran out.
type Watcher struct {
	machine *Machine
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
	unsub   func()
}

// NewWatcher creates a watcher for subscription health events.
func NewWatcher(m *Machine, b *bus.Bus, logger *zap.Logger) *Watcher {
	return &Watcher{machine: m, bus: b, logger: logger}
}

// Start begins consuming subscription events.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	ch, unsub := w.bus.Subscribe("subscription.", 64)
	w.unsub = unsub
	go w.loop(ctx, ch)
}

// Stop ends consumption.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.unsub != nil {
		w.unsub()
	}
}

func (w *Watcher) loop(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			w.apply(evt)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) apply(evt bus.Event) {
	var target State
	switch evt.Kind {
	case "subscription.active":
		target = Live
	case "subscription.reconnecting":
		target = Reconnecting
	case "subscription.degraded":
		target = Degraded
	default:
		return
	}
	if err := w.machine.Transition(target); err != nil {
		w.logger.Debug("status transition skipped",
			zap.String("kind", evt.Kind), zap.Error(err))
	}
}
