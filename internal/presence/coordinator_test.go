package presence

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"plansync/internal/bus"
	"plansync/internal/feed"
	"plansync/internal/store"
)

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return !t.fired
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

type broadcastCall struct {
	contractID string
	userID     string
	typing     bool
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (b *fakeBroadcaster) SetTyping(_ context.Context, contractID, userID string, typing bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcastCall{contractID, userID, typing})
	return nil
}

func (b *fakeBroadcaster) all() []broadcastCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broadcastCall, len(b.calls))
	copy(out, b.calls)
	return out
}

func newTestCoordinator() (*Coordinator, *fakeBroadcaster, *fakeClock) {
	clock := newFakeClock()
	bc := &fakeBroadcaster{}
	cfg := Config{IdleTimeout: time.Second, Staleness: 5 * time.Second}
	c := NewCoordinator(bc, clock, bus.New(), zap.NewNop(), "me", cfg)
	return c, bc, clock
}

func TestActivityBroadcastsOncePerWindow(t *testing.T) {
	c, bc, clock := newTestCoordinator()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.Activity(ctx, "c1")
		clock.Advance(100 * time.Millisecond)
	}

	calls := bc.all()
	if len(calls) != 1 || !calls[0].typing {
		t.Fatalf("calls after rapid keystrokes = %v, want single typing=true", calls)
	}
	if calls[0].contractID != "c1" || calls[0].userID != "me" {
		t.Errorf("broadcast = %v", calls[0])
	}

	clock.Advance(time.Second)
	calls = bc.all()
	if len(calls) != 2 || calls[1].typing {
		t.Fatalf("calls after idle window = %v, want trailing typing=false", calls)
	}
}

func TestActivityResetsIdleTimer(t *testing.T) {
	c, bc, clock := newTestCoordinator()
	ctx := context.Background()

	c.Activity(ctx, "c1")
	clock.Advance(600 * time.Millisecond)
	c.Activity(ctx, "c1")
	clock.Advance(600 * time.Millisecond)

	// 1.2s after the first keystroke, but only 600ms after the last one.
	if calls := bc.all(); len(calls) != 1 {
		t.Fatalf("calls = %v, stop broadcast fired before idle window elapsed", calls)
	}

	clock.Advance(500 * time.Millisecond)
	calls := bc.all()
	if len(calls) != 2 || calls[1].typing {
		t.Fatalf("calls = %v, want typing=false after idle window", calls)
	}
}

func TestIdleBroadcastsStopExactlyOnce(t *testing.T) {
	c, bc, clock := newTestCoordinator()
	ctx := context.Background()

	c.Activity(ctx, "c1")
	c.Idle(ctx, "c1")
	c.Idle(ctx, "c1")
	clock.Advance(2 * time.Second) // the debounce timer must not fire a second stop

	calls := bc.all()
	if len(calls) != 2 {
		t.Fatalf("calls = %v, want exactly one start and one stop", calls)
	}
	if calls[0].typing != true || calls[1].typing != false {
		t.Errorf("calls = %v", calls)
	}
}

func TestLeaveForcesStop(t *testing.T) {
	c, bc, _ := newTestCoordinator()
	ctx := context.Background()

	c.Leave(ctx, "c1") // nothing outstanding
	if calls := bc.all(); len(calls) != 0 {
		t.Fatalf("leave without typing broadcast %v", calls)
	}

	c.Activity(ctx, "c1")
	c.Leave(ctx, "c1")
	calls := bc.all()
	if len(calls) != 2 || calls[1].typing {
		t.Fatalf("calls = %v, want forced typing=false on leave", calls)
	}
}

func TestConversationsDebounceIndependently(t *testing.T) {
	c, bc, _ := newTestCoordinator()
	ctx := context.Background()

	c.Activity(ctx, "c1")
	c.Activity(ctx, "c2")
	c.Idle(ctx, "c1")

	calls := bc.all()
	if len(calls) != 3 {
		t.Fatalf("calls = %v", calls)
	}
	if calls[2].contractID != "c1" || calls[2].typing {
		t.Errorf("stop broadcast = %v, want c1 typing=false", calls[2])
	}
}

func TestRemoteSignalExpiresByStaleness(t *testing.T) {
	c, _, clock := newTestCoordinator()

	c.Observe(store.TypingSignal{
		ContractID: "c1", UserID: "advisor",
		IsTyping: true, UpdatedAt: clock.Now().UnixMilli(),
	})
	if !c.IsRemoteTyping("c1") {
		t.Fatal("fresh remote signal not reported as typing")
	}

	// No explicit stop ever arrives; the signal must age out.
	clock.Advance(6 * time.Second)
	if c.IsRemoteTyping("c1") {
		t.Fatal("stale remote signal still reported as typing")
	}
}

func TestRemoteExplicitStop(t *testing.T) {
	c, _, clock := newTestCoordinator()

	now := clock.Now().UnixMilli()
	c.Observe(store.TypingSignal{ContractID: "c1", UserID: "advisor", IsTyping: true, UpdatedAt: now})
	c.Observe(store.TypingSignal{ContractID: "c1", UserID: "advisor", IsTyping: false, UpdatedAt: now + 200})
	if c.IsRemoteTyping("c1") {
		t.Fatal("explicit stop signal ignored")
	}
}

func TestRemoteOutOfOrderSignalIgnored(t *testing.T) {
	c, _, clock := newTestCoordinator()

	now := clock.Now().UnixMilli()
	c.Observe(store.TypingSignal{ContractID: "c1", UserID: "advisor", IsTyping: false, UpdatedAt: now + 500})
	c.Observe(store.TypingSignal{ContractID: "c1", UserID: "advisor", IsTyping: true, UpdatedAt: now})
	if c.IsRemoteTyping("c1") {
		t.Fatal("older typing=true overwrote newer stop signal")
	}
}

func TestMultipleTypersTrackedPerUser(t *testing.T) {
	c, _, clock := newTestCoordinator()

	now := clock.Now().UnixMilli()
	c.Observe(store.TypingSignal{ContractID: "c1", UserID: "u1", IsTyping: true, UpdatedAt: now})
	c.Observe(store.TypingSignal{ContractID: "c1", UserID: "u2", IsTyping: true, UpdatedAt: now})
	if got := len(c.TypingUsers("c1")); got != 2 {
		t.Fatalf("typing users = %d, want 2", got)
	}

	c.Observe(store.TypingSignal{ContractID: "c1", UserID: "u1", IsTyping: false, UpdatedAt: now + 100})
	users := c.TypingUsers("c1")
	if len(users) != 1 || users[0] != "u2" {
		t.Fatalf("typing users = %v, want [u2]", users)
	}
	if !c.IsRemoteTyping("c1") {
		t.Fatal("one typer remaining but conversation reported idle")
	}
}

func TestOwnEchoIgnored(t *testing.T) {
	c, _, clock := newTestCoordinator()

	c.Observe(store.TypingSignal{
		ContractID: "c1", UserID: "me",
		IsTyping: true, UpdatedAt: clock.Now().UnixMilli(),
	})
	if c.IsRemoteTyping("c1") {
		t.Fatal("own echoed signal counted as remote typing")
	}
}

func TestBusFeedDrivesRemoteState(t *testing.T) {
	clock := newFakeClock()
	b := bus.New()
	c := NewCoordinator(&fakeBroadcaster{}, clock, b, zap.NewNop(), "me", Config{})
	c.Start(context.Background())
	defer c.Stop()

	changed, unsub := b.Subscribe("presence.changed", 8)
	defer unsub()

	topic := feed.ContractTyping("c1")
	b.Publish(bus.Event{
		Kind:      "feed.presence",
		Topic:     topic.Key(),
		Timestamp: clock.Now(),
		Payload: feed.Event{
			Topic:  topic,
			Change: feed.ChangeUpdated,
			Typing: &store.TypingSignal{ContractID: "c1", UserID: "advisor", IsTyping: true, UpdatedAt: clock.Now().UnixMilli()},
		},
	})

	select {
	case evt := <-changed:
		sig := evt.Payload.(store.TypingSignal)
		if sig.UserID != "advisor" {
			t.Errorf("presence.changed payload = %v", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for presence.changed")
	}
	if !c.IsRemoteTyping("c1") {
		t.Fatal("bus-delivered signal not reflected in remote state")
	}
}
