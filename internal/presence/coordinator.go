package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"plansync/internal/bus"
	"plansync/internal/feed"
	"plansync/internal/store"
)

// Broadcaster writes the local user's typing state to the remote service.
type Broadcaster interface {
	SetTyping(ctx context.Context, contractID, userID string, typing bool) error
}

// Config bounds presence timing.
type Config struct {
	// IdleTimeout is the silence after the last keystroke before a stop
	// broadcast goes out.
	IdleTimeout time.Duration
	// Staleness is the age past which a remote typing signal counts as
	// not-typing even without an explicit stop.
	Staleness time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Second
	}
	if c.Staleness <= 0 {
		c.Staleness = 5 * time.Second
	}
	return c
}

// Coordinator owns all typing state. The local side coalesces keystroke
// activity into at most one typing=true broadcast per idle window; the remote
// side tracks the latest signal per (contract, user) and expires it by
// staleness, so a peer that disconnects without a stop signal does not leave
// a stuck indicator.
type Coordinator struct {
	broadcaster Broadcaster
	clock       Clock
	bus         *bus.Bus
	logger      *zap.Logger
	userID      string
	cfg         Config

	mu     sync.Mutex
	local  map[string]*localTyping
	remote map[string]map[string]store.TypingSignal

	cancel context.CancelFunc
	unsub  func()
}

// localTyping marks an outstanding typing=true broadcast for one contract.
// Its presence in the map is the token that guarantees the matching
// typing=false goes out exactly once, whether via the timer or an explicit
// Idle/Leave.
type localTyping struct {
	timer Timer
}

// NewCoordinator creates a presence coordinator acting on behalf of userID.
func NewCoordinator(broadcaster Broadcaster, clock Clock, b *bus.Bus, logger *zap.Logger, userID string, cfg Config) *Coordinator {
	return &Coordinator{
		broadcaster: broadcaster,
		clock:       clock,
		bus:         b,
		logger:      logger,
		userID:      userID,
		cfg:         cfg.withDefaults(),
		local:       make(map[string]*localTyping),
		remote:      make(map[string]map[string]store.TypingSignal),
	}
}

// Start subscribes to presence events on the bus.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe("feed.presence", 64)
	c.unsub = unsub
	go c.loop(ctx, ch)
}

// Stop ends bus consumption. Outstanding local typing state is not
// broadcast-retracted here; callers Leave their conversations first.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.unsub != nil {
		c.unsub()
	}
}

func (c *Coordinator) loop(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			ev, ok := evt.Payload.(feed.Event)
			if !ok || ev.Typing == nil {
				continue
			}
			c.Observe(*ev.Typing)
		case <-ctx.Done():
			return
		}
	}
}

// Activity records a local keystroke in a conversation. The first call in an
// idle window broadcasts typing=true; further calls only push the idle timer
// out, so rapid keystrokes never flood the transport.
func (c *Coordinator) Activity(ctx context.Context, contractID string) {
	c.mu.Lock()
	if lt, ok := c.local[contractID]; ok {
		lt.timer.Stop()
		lt.timer = c.clock.AfterFunc(c.cfg.IdleTimeout, func() { c.stopLocal(context.Background(), contractID) })
		c.mu.Unlock()
		return
	}
	lt := &localTyping{}
	lt.timer = c.clock.AfterFunc(c.cfg.IdleTimeout, func() { c.stopLocal(context.Background(), contractID) })
	c.local[contractID] = lt
	c.mu.Unlock()

	if err := c.broadcaster.SetTyping(ctx, contractID, c.userID, true); err != nil {
		c.logger.Warn("typing broadcast failed",
			zap.String("contract_id", contractID), zap.Error(err))
	}
}

// Idle explicitly ends local typing before the idle timer fires.
func (c *Coordinator) Idle(ctx context.Context, contractID string) {
	c.stopLocal(ctx, contractID)
}

// Leave force-stops typing when the conversation view goes away.
func (c *Coordinator) Leave(ctx context.Context, contractID string) {
	c.stopLocal(ctx, contractID)
}

func (c *Coordinator) stopLocal(ctx context.Context, contractID string) {
	c.mu.Lock()
	lt, ok := c.local[contractID]
	if ok {
		lt.timer.Stop()
		delete(c.local, contractID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := c.broadcaster.SetTyping(ctx, contractID, c.userID, false); err != nil {
		c.logger.Warn("typing stop broadcast failed",
			zap.String("contract_id", contractID), zap.Error(err))
	}
}

// Observe applies a remote typing signal. Older signals for the same
// (contract, user) pair never overwrite newer ones.
func (c *Coordinator) Observe(sig store.TypingSignal) {
	if sig.UserID == c.userID {
		return
	}
	c.mu.Lock()
	m := c.remote[sig.ContractID]
	if m == nil {
		m = make(map[string]store.TypingSignal)
		c.remote[sig.ContractID] = m
	}
	if prev, ok := m[sig.UserID]; ok && prev.UpdatedAt > sig.UpdatedAt {
		c.mu.Unlock()
		return
	}
	m[sig.UserID] = sig
	c.mu.Unlock()

	c.bus.Publish(bus.Event{
		Kind:      "presence.changed",
		Topic:     feed.ContractTyping(sig.ContractID).Key(),
		Timestamp: c.clock.Now(),
		Payload:   sig,
	})
}

// IsRemoteTyping reports whether any other participant in the conversation
// has a live typing signal.
func (c *Coordinator) IsRemoteTyping(contractID string) bool {
	return len(c.TypingUsers(contractID)) > 0
}

// TypingUsers lists the other participants currently typing in the
// conversation.
func (c *Coordinator) TypingUsers(contractID string) []string {
	cutoff := c.clock.Now().Add(-c.cfg.Staleness).UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()

	var users []string
	for uid, sig := range c.remote[contractID] {
		if sig.IsTyping && sig.UpdatedAt >= cutoff {
			users = append(users, uid)
		}
	}
	return users
}
