package status

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"plansync/internal/bus"
)

// walkPaths are the shortest transition chains from Booting to each state.
var walkPaths = map[State][]State{
	Booting:      {},
	Connecting:   {Connecting},
	Live:         {Connecting, Live},
	Reconnecting: {Connecting, Live, Reconnecting},
	Degraded:     {Connecting, Degraded},
	Error:        {Error},
}

func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	for _, s := range walkPaths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walk to %s: %v", target, err)
		}
	}
}

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Connecting},
		{Connecting, Live},
		{Live, Reconnecting},
		{Reconnecting, Live},
		{Reconnecting, Degraded},
		{Degraded, Connecting},
		{Degraded, Live},
		{Live, Degraded},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Live); err == nil {
		t.Error("Transition(BOOTING -> LIVE) should fail")
	}
	if m.Current() != Booting {
		t.Errorf("state changed on invalid transition: %s", m.Current())
	}
}

// TestSameStateTransitionIsNoOp covers the multi-topic case: every active
// topic reports subscription.active, and only the first one may change
// anything or publish an event.
func TestSameStateTransitionIsNoOp(t *testing.T) {
	b := bus.New()
	m := NewMachine(b)
	walkTo(t, m, Live)

	ch, unsub := b.Subscribe("client.", 10)
	defer unsub()

	if err := m.Transition(Live); err != nil {
		t.Fatalf("same-state transition: %v", err)
	}
	select {
	case evt := <-ch:
		t.Errorf("same-state transition published %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("client.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "client.status_changed" {
			t.Errorf("event kind = %q, want client.status_changed", evt.Kind)
		}
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
		}
		if change.From != Booting || change.To != Connecting {
			t.Errorf("change = %v -> %v, want BOOTING -> CONNECTING", change.From, change.To)
		}
	case <-time.After(time.Second):
		t.Fatal("no status change event published")
	}
}

func TestWatcherDrivesMachine(t *testing.T) {
	b := bus.New()
	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(m, b, zap.NewNop())
	w.Start(context.Background())
	defer w.Stop()

	steps := []struct {
		kind string
		want State
	}{
		{"subscription.active", Live},
		{"subscription.reconnecting", Reconnecting},
		{"subscription.active", Live},
		{"subscription.degraded", Degraded},
	}
	for _, step := range steps {
		b.Publish(bus.Event{Kind: step.kind, Topic: "catalog", Timestamp: time.Now()})
		waitState(t, m, step.want)
	}
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.Current(), want)
}
