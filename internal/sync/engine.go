package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"plansync/internal/bus"
	"plansync/internal/feed"
	"plansync/internal/store"
)

// echoWindowMS bounds the content-based fallback when correlating a feed
// echo with a pending optimistic message that lost its client token.
const echoWindowMS = 5000

// Engine is the change reconciler: the single writer of the entity store.
// It consumes feed change events from the bus in one goroutine, so no two
// reconciliations ever interleave, and applies optimistic mutations on
// behalf of the action paths.
type Engine struct {
	db      *store.DB
	fetcher Fetcher
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// Fetcher is the slice of the data service the engine needs for
// resynchronization fetches.
type Fetcher interface {
	ActivePlans(ctx context.Context) ([]store.Plan, error)
	PendingContracts(ctx context.Context) ([]store.Contract, error)
	UserContracts(ctx context.Context, userID string) ([]store.Contract, error)
	Contract(ctx context.Context, id string) (*store.Contract, error)
	ContractMessages(ctx context.Context, contractID string) ([]store.Message, error)
}

// NewEngine creates a reconciler over the local store.
func NewEngine(db *store.DB, fetcher Fetcher, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:      db,
		fetcher: fetcher,
		bus:     b,
		logger:  logger,
	}
}

// Start subscribes to feed change events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("feed.change", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				ev, ok := evt.Payload.(feed.Event)
				if !ok {
					continue
				}
				if err := e.ApplyRemote(ev); err != nil {
					e.logger.Error("failed to apply feed event",
						zap.Error(err), zap.String("topic", ev.Topic.Key()))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine loop.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// ApplyRemote applies one change feed event to the store. Replaying the same
// event is a no-op, and an event older than the locally held record (by the
// server-assigned updated_at) is ignored.
func (e *Engine) ApplyRemote(ev feed.Event) error {
	switch {
	case ev.Plan != nil:
		return e.applyPlan(ev)
	case ev.Contract != nil:
		return e.applyContract(ev)
	case ev.Message != nil:
		return e.applyMessage(ev)
	}
	return nil
}

func (e *Engine) applyPlan(ev feed.Event) error {
	if ev.Change == feed.ChangeDeleted {
		if err := e.db.DeletePlan(ev.Plan.ID, ev.TS); err != nil {
			return fmt.Errorf("delete plan: %w", err)
		}
	} else {
		if err := e.db.UpsertPlan(ev.Plan); err != nil {
			return fmt.Errorf("upsert plan: %w", err)
		}
	}
	e.notify("entity.plan_changed", ev.Topic.Key(), ev.Plan.ID)
	return nil
}

func (e *Engine) applyContract(ev feed.Event) error {
	c := ev.Contract
	if ev.Change == feed.ChangeDeleted {
		// Contracts are never deleted on the client side.
		e.logger.Warn("ignoring contract delete event", zap.String("id", c.ID))
		return nil
	}

	// A created echo for a write we issued optimistically confirms the
	// provisional row instead of inserting a duplicate.
	if ev.Change == feed.ChangeCreated {
		if temp, err := e.db.FindContractByToken(c.ClientToken); err != nil {
			return fmt.Errorf("correlate contract: %w", err)
		} else if temp != nil {
			if err := e.ConfirmContract(temp.ID, c); err != nil {
				return err
			}
			e.notify("entity.contract_changed", ev.Topic.Key(), c.ID)
			return nil
		}
	}

	if err := e.db.UpsertContract(c); err != nil {
		return fmt.Errorf("upsert contract: %w", err)
	}
	e.notify("entity.contract_changed", ev.Topic.Key(), c.ID)
	return nil
}

func (e *Engine) applyMessage(ev feed.Event) error {
	m := ev.Message
	if ev.Change == feed.ChangeDeleted {
		e.logger.Warn("ignoring message delete event", zap.String("id", m.ID))
		return nil
	}

	if ev.Change == feed.ChangeCreated {
		temp, err := e.db.FindMessageByToken(m.ClientToken)
		if err != nil {
			return fmt.Errorf("correlate message by token: %w", err)
		}
		if temp == nil {
			// Fallback for feeds that strip the token: same sender and
			// body inside a short window around the server timestamp.
			temp, err = e.db.CorrelateMessage(m.ContractID, m.SenderID, m.Body, m.CreatedAt, echoWindowMS)
			if err != nil {
				return fmt.Errorf("correlate message by content: %w", err)
			}
		}
		if temp != nil {
			if err := e.ConfirmMessage(temp.ID, m); err != nil {
				return err
			}
			e.notify("entity.message_changed", ev.Topic.Key(), m.ID)
			return nil
		}
	}

	if err := e.db.UpsertMessage(m); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	e.notify("entity.message_changed", ev.Topic.Key(), m.ID)
	return nil
}

// OptimisticContract inserts a provisional contract under its temporary ID.
func (e *Engine) OptimisticContract(c *store.Contract) error {
	if err := e.db.InsertContractPending(c); err != nil {
		return fmt.Errorf("optimistic contract: %w", err)
	}
	e.notify("entity.contract_changed", "", c.ID)
	return nil
}

// OptimisticContractUpdate applies a local transition to an existing
// contract ahead of the feed echo. Last-write-wins reconciliation corrects
// it if the server disagrees.
func (e *Engine) OptimisticContractUpdate(c *store.Contract) error {
	if err := e.db.UpsertContract(c); err != nil {
		return fmt.Errorf("optimistic contract update: %w", err)
	}
	e.notify("entity.contract_changed", "", c.ID)
	return nil
}

// ConfirmContract replaces a provisional contract with the server record.
func (e *Engine) ConfirmContract(tempID string, final *store.Contract) error {
	if err := e.db.PromoteContract(tempID, final); err != nil {
		return fmt.Errorf("confirm contract: %w", err)
	}
	e.notify("entity.contract_changed", "", final.ID)
	return nil
}

// RollbackContract removes a provisional contract after a failed write.
func (e *Engine) RollbackContract(tempID string) error {
	if err := e.db.DeleteContractPending(tempID); err != nil {
		return fmt.Errorf("rollback contract: %w", err)
	}
	e.notify("entity.contract_changed", "", tempID)
	return nil
}

// OptimisticMessage inserts a provisional message under its temporary ID.
func (e *Engine) OptimisticMessage(m *store.Message) error {
	if err := e.db.InsertMessagePending(m); err != nil {
		return fmt.Errorf("optimistic message: %w", err)
	}
	e.notify("entity.message_changed", "", m.ID)
	return nil
}

// ConfirmMessage replaces a provisional message with the server record.
func (e *Engine) ConfirmMessage(tempID string, final *store.Message) error {
	if err := e.db.PromoteMessage(tempID, final); err != nil {
		return fmt.Errorf("confirm message: %w", err)
	}
	e.notify("entity.message_changed", "", final.ID)
	return nil
}

// RollbackMessage removes a provisional message after a failed send.
func (e *Engine) RollbackMessage(tempID string) error {
	if err := e.db.DeleteMessagePending(tempID); err != nil {
		return fmt.Errorf("rollback message: %w", err)
	}
	e.notify("entity.message_changed", "", tempID)
	return nil
}

func (e *Engine) notify(kind, topic, id string) {
	e.bus.Publish(bus.Event{
		Kind:      kind,
		Topic:     topic,
		Timestamp: time.Now(),
		Payload:   id,
	})
}
