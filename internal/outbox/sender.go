package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"plansync/internal/apperr"
	"plansync/internal/bus"
	"plansync/internal/store"
)

// MessageSender issues the remote write for one queued chat message.
type MessageSender interface {
	SendMessage(ctx context.Context, m *store.Message) (*store.Message, error)
}

// Reconciler confirms or rolls back the optimistic row for a send.
type Reconciler interface {
	ConfirmMessage(tempID string, final *store.Message) error
	RollbackMessage(tempID string) error
}

// Sender drains the durable outbox and writes queued messages to the remote
// data service. A send rejected by the service rolls the optimistic row
// back; a send that merely could not reach the service stays queued and is
// retried on the next pass, so messages composed offline go out once the
// connection returns.
type Sender struct {
	db         *store.DB
	sender     MessageSender
	reconciler Reconciler
	bus        *bus.Bus
	logger     *zap.Logger
	cancel     context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, sender MessageSender, rec Reconciler, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:         db,
		sender:     sender,
		reconciler: rec,
		bus:        b,
		logger:     logger,
	}
}

// Start begins polling the outbox for queued sends.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending drains the queue once. Exported so tests and an explicit
// flush can drive it without the ticker.
func (s *Sender) ProcessPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientToken); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_token", entry.ClientToken))
			continue
		}

		sent, err := s.sender.SendMessage(ctx, &store.Message{
			ContractID:  entry.ContractID,
			SenderID:    entry.SenderID,
			Body:        entry.Body,
			CreatedAt:   entry.CreatedAt,
			ClientToken: entry.ClientToken,
		})
		if err != nil {
			if apperr.IsKind(err, apperr.TransportUnavailable) || ctx.Err() != nil {
				// Service unreachable: keep the entry and the optimistic
				// row, retry on the next pass. Stop draining; the rest of
				// the queue would hit the same wall.
				_ = s.db.RequeueOutbox(entry.ClientToken)
				s.logger.Warn("send deferred, service unreachable",
					zap.String("client_token", entry.ClientToken), zap.Error(err))
				return
			}

			s.logger.Error("send rejected", zap.Error(err), zap.String("client_token", entry.ClientToken))
			_ = s.db.MarkOutboxFailed(entry.ClientToken, err.Error())
			if rbErr := s.reconciler.RollbackMessage(entry.TempID); rbErr != nil {
				s.logger.Error("rollback after rejected send",
					zap.String("temp_id", entry.TempID), zap.Error(rbErr))
			}
			s.bus.Publish(bus.Event{
				Kind:      "message.send_failed",
				Timestamp: time.Now(),
				Payload: map[string]string{
					"client_token": entry.ClientToken,
					"contract_id":  entry.ContractID,
					"error":        apperr.Reason(err),
				},
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientToken, sent.ID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_token", entry.ClientToken))
		}
		if err := s.reconciler.ConfirmMessage(entry.TempID, sent); err != nil {
			s.logger.Error("confirm after send",
				zap.String("temp_id", entry.TempID), zap.Error(err))
		}

		s.logger.Info("message sent",
			zap.String("client_token", entry.ClientToken), zap.String("server_id", sent.ID))
		s.bus.Publish(bus.Event{
			Kind:      "message.send_ack",
			Timestamp: time.Now(),
			Payload: map[string]string{
				"client_token": entry.ClientToken,
				"contract_id":  entry.ContractID,
				"server_id":    sent.ID,
			},
		})
	}
}
