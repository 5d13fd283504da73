package subs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"plansync/internal/bus"
	"plansync/internal/feed"
)

// TopicStatus is the health of one topic subscription as seen by consumers.
type TopicStatus string

const (
	StatusConnecting TopicStatus = "connecting"
	StatusActive     TopicStatus = "active"
	StatusDegraded   TopicStatus = "degraded"
	StatusClosed     TopicStatus = "closed"
)

// Stream is one live topic subscription delivered by the transport.
type Stream interface {
	Events() <-chan feed.Event
	Err() error
	Close() error
}

// Transport opens topic subscriptions against the change feed.
type Transport interface {
	Subscribe(ctx context.Context, topic feed.Topic) (Stream, error)
}

// Resyncer repairs a topic's scope after a delivery gap, before incremental
// events resume.
type Resyncer interface {
	Resync(ctx context.Context, topic feed.Topic) error
}

// Config bounds the subscribe and retry behavior.
type Config struct {
	SubscribeTimeout time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	BackoffBudget    time.Duration // total retry budget per outage
}

func (c Config) withDefaults() Config {
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 10 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.BackoffBudget <= 0 {
		c.BackoffBudget = 5 * time.Minute
	}
	return c
}

// Manager owns the lifecycle of realtime topic subscriptions: a
// reference-counted registry keyed by topic key, with at most one live
// transport subscription per topic no matter how many screens acquire it.
type Manager struct {
	transport Transport
	resyncer  Resyncer
	bus       *bus.Bus
	logger    *zap.Logger
	cfg       Config

	mu     sync.Mutex
	topics map[string]*topicSub
}

type topicSub struct {
	topic  feed.Topic
	refs   int
	status TopicStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// Handle is one consumer's claim on a topic subscription.
type Handle struct {
	m        *Manager
	key      string
	released atomic.Bool
}

// Topic returns the topic this handle holds.
func (h *Handle) Topic() string {
	return h.key
}

// Release gives up the claim. Safe to call more than once.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.m.Release(h)
}

// NewManager creates a subscription manager.
func NewManager(transport Transport, resyncer Resyncer, b *bus.Bus, logger *zap.Logger, cfg Config) *Manager {
	return &Manager{
		transport: transport,
		resyncer:  resyncer,
		bus:       b,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		topics:    make(map[string]*topicSub),
	}
}

// Acquire claims the topic. The first claim opens a transport subscription;
// later claims share it. Acquiring a degraded topic restarts its retry
// cycle with fresh state.
func (m *Manager) Acquire(topic feed.Topic) *Handle {
	key := topic.Key()

	m.mu.Lock()
	sub, ok := m.topics[key]
	if ok {
		sub.refs++
		if sub.status == StatusDegraded {
			ctx, cancel := context.WithCancel(context.Background())
			sub.cancel = cancel
			sub.status = StatusConnecting
			sub.done = make(chan struct{})
			go m.run(ctx, sub)
		}
		m.mu.Unlock()
		return &Handle{m: m, key: key}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub = &topicSub{
		topic:  topic,
		refs:   1,
		status: StatusConnecting,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.topics[key] = sub
	m.mu.Unlock()

	go m.run(ctx, sub)
	return &Handle{m: m, key: key}
}

// Release drops one claim on the handle's topic. At zero claims the
// transport subscription closes and any in-flight backoff is cancelled.
// Releasing an already-released handle is a no-op.
func (m *Manager) Release(h *Handle) {
	if h == nil || h.released.Swap(true) {
		return
	}

	m.mu.Lock()
	sub, ok := m.topics[h.key]
	if !ok {
		m.mu.Unlock()
		return
	}
	sub.refs--
	if sub.refs > 0 {
		m.mu.Unlock()
		return
	}
	sub.cancel()
	sub.status = StatusClosed
	delete(m.topics, h.key)
	m.mu.Unlock()

	m.logger.Info("subscription released", zap.String("topic", h.key))
}

// Status reports the topic's current health; StatusClosed for topics nobody
// holds.
func (m *Manager) Status(topic feed.Topic) TopicStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.topics[topic.Key()]; ok {
		return sub.status
	}
	return StatusClosed
}

func (m *Manager) run(ctx context.Context, sub *topicSub) {
	key := sub.topic.Key()
	m.mu.Lock()
	done := sub.done
	m.mu.Unlock()
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BackoffInitial
	bo.MaxInterval = m.cfg.BackoffMax
	bo.MaxElapsedTime = m.cfg.BackoffBudget
	bo.Reset()

	for {
		stream, err := m.subscribeOnce(ctx, sub.topic)
		if err == nil {
			// No delivery guarantee across the gap: repair the scope
			// before resuming incremental events.
			if rerr := m.resyncer.Resync(ctx, sub.topic); rerr != nil {
				_ = stream.Close()
				err = rerr
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			next := bo.NextBackOff()
			if next == backoff.Stop {
				m.degrade(sub, key, err)
				return
			}
			m.logger.Warn("subscribe failed, backing off",
				zap.String("topic", key), zap.Duration("retry_in", next), zap.Error(err))
			select {
			case <-time.After(next):
				continue
			case <-ctx.Done():
				return
			}
		}

		m.setStatus(sub, StatusActive)
		bo.Reset()
		m.bus.Publish(bus.Event{Kind: "subscription.active", Topic: key, Timestamp: time.Now()})
		m.logger.Info("subscription active", zap.String("topic", key))

		m.pump(ctx, sub, stream)
		if ctx.Err() != nil {
			return
		}

		m.setStatus(sub, StatusConnecting)
		m.bus.Publish(bus.Event{Kind: "subscription.reconnecting", Topic: key, Timestamp: time.Now()})
		m.logger.Warn("feed disconnected, resubscribing",
			zap.String("topic", key), zap.Error(stream.Err()))
	}
}

// pump forwards stream events onto the bus, in the order the transport
// delivered them, until the stream ends or the subscription is released.
func (m *Manager) pump(ctx context.Context, sub *topicSub, stream Stream) {
	defer func() { _ = stream.Close() }()

	kind := "feed.change"
	if sub.topic.IsPresence() {
		kind = "feed.presence"
	}
	key := sub.topic.Key()

	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			if ctx.Err() != nil {
				// Released while an event was in flight: drop it rather
				// than deliver into a dead scope.
				return
			}
			m.bus.Publish(bus.Event{Kind: kind, Topic: key, Timestamp: time.Now(), Payload: ev})
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) subscribeOnce(ctx context.Context, topic feed.Topic) (Stream, error) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.SubscribeTimeout)
	defer cancel()
	return m.transport.Subscribe(sctx, topic)
}

func (m *Manager) setStatus(sub *topicSub, status TopicStatus) {
	m.mu.Lock()
	if sub.status != StatusClosed {
		sub.status = status
	}
	m.mu.Unlock()
}

func (m *Manager) degrade(sub *topicSub, key string, err error) {
	m.setStatus(sub, StatusDegraded)
	m.bus.Publish(bus.Event{Kind: "subscription.degraded", Topic: key, Timestamp: time.Now(), Payload: err})
	m.logger.Error("subscription degraded, retry budget exhausted",
		zap.String("topic", key), zap.Error(err))
}
