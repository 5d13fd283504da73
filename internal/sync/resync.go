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

// Resync repairs a topic's scope after a gap in feed delivery by refetching
// it from the data service and merging the batch idempotently. The
// subscription manager calls this on every (re)connect, before incremental
// events resume, because the feed gives no delivery guarantee across a gap.
func (e *Engine) Resync(ctx context.Context, topic feed.Topic) error {
	var err error
	switch topic.Kind {
	case feed.EntityPlan:
		err = e.resyncCatalog(ctx)
	case feed.EntityContract:
		err = e.resyncContracts(ctx, topic)
	case feed.EntityMessage:
		err = e.resyncMessages(ctx, topic.ContractID())
	case feed.EntityTyping:
		// Presence is ephemeral; there is nothing to repair.
		return nil
	default:
		return fmt.Errorf("resync: unknown topic kind %q", topic.Kind)
	}
	if err != nil {
		return err
	}

	e.bus.Publish(bus.Event{
		Kind:      "sync.resynced",
		Topic:     topic.Key(),
		Timestamp: time.Now(),
	})
	return nil
}

// resyncCatalog replaces the active listing with the fetched batch. Active
// rows absent from the batch were deactivated or deleted during the gap and
// are pruned; inactive cached rows are kept for contract detail lookups.
func (e *Engine) resyncCatalog(ctx context.Context) error {
	plans, err := e.fetcher.ActivePlans(ctx)
	if err != nil {
		return fmt.Errorf("fetch catalog: %w", err)
	}

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := make([]any, 0, len(plans))
	placeholders := ""
	for i := range plans {
		p := &plans[i]
		if _, err := tx.Exec(`
			INSERT INTO plans (id, name, price_cents, data_gb, minutes, sms, speed_4g, speed_5g,
				social_media, whatsapp, intl_calls, roaming, segment, audience, image_url, active,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				price_cents = excluded.price_cents,
				data_gb = excluded.data_gb,
				minutes = excluded.minutes,
				sms = excluded.sms,
				speed_4g = excluded.speed_4g,
				speed_5g = excluded.speed_5g,
				social_media = excluded.social_media,
				whatsapp = excluded.whatsapp,
				intl_calls = excluded.intl_calls,
				roaming = excluded.roaming,
				segment = excluded.segment,
				audience = excluded.audience,
				image_url = excluded.image_url,
				active = excluded.active,
				updated_at = excluded.updated_at
			WHERE excluded.updated_at >= plans.updated_at`,
			p.ID, p.Name, p.PriceCents, p.DataGB, p.Minutes, p.SMS, p.Speed4G, p.Speed5G,
			p.SocialMedia, p.WhatsApp, p.IntlCalls, p.Roaming, p.Segment, p.Audience,
			p.ImageURL, p.Active, p.CreatedAt, p.UpdatedAt); err != nil {
			return fmt.Errorf("upsert plan in batch: %w", err)
		}
		if placeholders != "" {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, p.ID)
	}

	prune := `DELETE FROM plans WHERE active = 1`
	if len(args) > 0 {
		prune += ` AND id NOT IN (` + placeholders + `)`
	}
	if _, err := tx.Exec(prune, args...); err != nil {
		return fmt.Errorf("prune stale plans: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit catalog batch: %w", err)
	}

	e.logger.Info("catalog resynced", zap.Int("plans", len(plans)))
	return nil
}

func (e *Engine) resyncContracts(ctx context.Context, topic feed.Topic) error {
	if userID := topic.UserID(); userID != "" {
		contracts, err := e.fetcher.UserContracts(ctx, userID)
		if err != nil {
			return fmt.Errorf("fetch user contracts: %w", err)
		}
		for i := range contracts {
			if err := e.db.UpsertContract(&contracts[i]); err != nil {
				return fmt.Errorf("upsert contract in batch: %w", err)
			}
		}
		e.logger.Info("user contracts resynced",
			zap.String("user", userID), zap.Int("contracts", len(contracts)))
		return nil
	}

	fetched, err := e.fetcher.PendingContracts(ctx)
	if err != nil {
		return fmt.Errorf("fetch pending contracts: %w", err)
	}
	inBatch := make(map[string]bool, len(fetched))
	for i := range fetched {
		if err := e.db.UpsertContract(&fetched[i]); err != nil {
			return fmt.Errorf("upsert contract in batch: %w", err)
		}
		inBatch[fetched[i].ID] = true
	}

	// A confirmed row still pending locally but absent from the fetched
	// queue was decided while we were away; refetch it to learn the verdict.
	local, err := e.db.ListContractsByState(store.ContractPending)
	if err != nil {
		return fmt.Errorf("list local pending: %w", err)
	}
	repaired := 0
	for i := range local {
		c := &local[i]
		if inBatch[c.ID] || c.SyncStatus != store.SyncConfirmed {
			continue
		}
		fresh, err := e.fetcher.Contract(ctx, c.ID)
		if err != nil {
			e.logger.Warn("failed to refetch decided contract",
				zap.String("id", c.ID), zap.Error(err))
			continue
		}
		if err := e.db.UpsertContract(fresh); err != nil {
			return fmt.Errorf("upsert refetched contract: %w", err)
		}
		repaired++
	}

	e.logger.Info("pending contracts resynced",
		zap.Int("contracts", len(fetched)), zap.Int("repaired", repaired))
	return nil
}

func (e *Engine) resyncMessages(ctx context.Context, contractID string) error {
	msgs, err := e.fetcher.ContractMessages(ctx, contractID)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	for i := range msgs {
		// Route through the echo-correlation path so a resync arriving
		// between an optimistic send and its ack does not duplicate it.
		ev := feed.Event{
			Topic:   feed.ContractMessages(contractID),
			Change:  feed.ChangeCreated,
			TS:      msgs[i].UpdatedAt,
			Message: &msgs[i],
		}
		if err := e.applyMessage(ev); err != nil {
			return err
		}
	}
	e.logger.Info("messages resynced",
		zap.String("contract", contractID), zap.Int("messages", len(msgs)))
	return nil
}
