package client

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"plansync/internal/bus"
	"plansync/internal/feed"
	"plansync/internal/status"
	"plansync/internal/store"
	"plansync/internal/subs"
)

// ContractActions is the contract lifecycle controller surface.
type ContractActions interface {
	Request(ctx context.Context, userID, planID, notes string) (*store.Contract, error)
	Approve(ctx context.Context, contractID, advisorID, notes string) (*store.Contract, error)
	Reject(ctx context.Context, contractID, advisorID, notes string) (*store.Contract, error)
}

// Subscriptions is the topic subscription registry surface.
type Subscriptions interface {
	Acquire(topic feed.Topic) *subs.Handle
	Release(h *subs.Handle)
	Status(topic feed.Topic) subs.TopicStatus
}

// Presence is the typing coordinator surface.
type Presence interface {
	Activity(ctx context.Context, contractID string)
	Idle(ctx context.Context, contractID string)
	Leave(ctx context.Context, contractID string)
	IsRemoteTyping(contractID string) bool
	TypingUsers(contractID string) []string
}

// MessageWriter applies the optimistic half of a chat send.
type MessageWriter interface {
	OptimisticMessage(m *store.Message) error
}

// ReadMarker flags a conversation's messages as read on the service.
type ReadMarker interface {
	MarkMessagesRead(ctx context.Context, contractID, readerID string) error
}

// Deps are the collaborators behind the facade.
type Deps struct {
	DB        *store.DB
	Contracts ContractActions
	Subs      Subscriptions
	Presence  Presence
	Writer    MessageWriter
	Reader    ReadMarker
	Machine   *status.Machine
	Bus       *bus.Bus
	Logger    *zap.Logger
	UserID    string
}

// Client is the in-process surface the presentation layer talks to. Reads
// are ordered snapshots from the local store; actions go through the
// optimistic write pipeline and settle via the change feed.
type Client struct {
	deps Deps
}

// New creates the facade.
func New(deps Deps) *Client {
	return &Client{deps: deps}
}

// Plans returns the customer-facing catalog: active plans, price ascending.
func (c *Client) Plans() ([]store.Plan, error) {
	return c.deps.DB.ListPlans()
}

// SearchPlans filters the catalog by name or feature text.
func (c *Client) SearchPlans(query string) ([]store.Plan, error) {
	return c.deps.DB.SearchPlans(query)
}

// PlansByPrice filters the catalog by a price band in cents.
func (c *Client) PlansByPrice(minCents, maxCents int64) ([]store.Plan, error) {
	return c.deps.DB.PlansByPrice(minCents, maxCents)
}

// Contracts returns the current user's contract requests, newest first.
func (c *Client) Contracts() ([]store.Contract, error) {
	return c.deps.DB.ListContractsByUser(c.deps.UserID)
}

// PendingContracts returns the advisor work queue, oldest request first.
func (c *Client) PendingContracts() ([]store.Contract, error) {
	return c.deps.DB.ListContractsByState(store.ContractPending)
}

// Messages returns a conversation's transcript, oldest first.
func (c *Client) Messages(contractID string) ([]store.Message, error) {
	return c.deps.DB.ListMessages(contractID)
}

// UnreadCount counts messages from other participants not yet read.
func (c *Client) UnreadCount(contractID string) (int, error) {
	return c.deps.DB.UnreadCount(contractID, c.deps.UserID)
}

// RequestPlan creates a contract request for the current user.
func (c *Client) RequestPlan(ctx context.Context, planID, notes string) (*store.Contract, error) {
	return c.deps.Contracts.Request(ctx, c.deps.UserID, planID, notes)
}

// ApproveContract approves a pending request on behalf of the current user.
func (c *Client) ApproveContract(ctx context.Context, contractID, notes string) (*store.Contract, error) {
	return c.deps.Contracts.Approve(ctx, contractID, c.deps.UserID, notes)
}

// RejectContract rejects a pending request on behalf of the current user.
func (c *Client) RejectContract(ctx context.Context, contractID, notes string) (*store.Contract, error) {
	return c.deps.Contracts.Reject(ctx, contractID, c.deps.UserID, notes)
}

// SendMessage queues a chat message. The message appears in the transcript
// immediately under a temporary ID; the outbox sender delivers it in the
// background and the feed echo settles the final record, so sends survive
// being offline.
func (c *Client) SendMessage(ctx context.Context, contractID, body string) (*store.Message, error) {
	token := uuid.NewString()
	now := time.Now().UnixMilli()
	m := &store.Message{
		ID:          "local-" + token,
		ContractID:  contractID,
		SenderID:    c.deps.UserID,
		Body:        body,
		CreatedAt:   now,
		UpdatedAt:   now,
		SyncStatus:  store.SyncPending,
		ClientToken: token,
	}
	if err := c.deps.Writer.OptimisticMessage(m); err != nil {
		return nil, err
	}
	err := c.deps.DB.QueueOutbox(&store.OutboxEntry{
		ClientToken: token,
		TempID:      m.ID,
		ContractID:  contractID,
		SenderID:    c.deps.UserID,
		Body:        body,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MarkRead flags the conversation as read locally, then on the service.
func (c *Client) MarkRead(ctx context.Context, contractID string) error {
	now := time.Now().UnixMilli()
	if err := c.deps.DB.MarkMessagesRead(contractID, c.deps.UserID, now); err != nil {
		return err
	}
	if err := c.deps.Reader.MarkMessagesRead(ctx, contractID, c.deps.UserID); err != nil {
		c.deps.Logger.Warn("remote read-mark failed",
			zap.String("contract_id", contractID), zap.Error(err))
		return err
	}
	return nil
}

// TypingActivity reports a keystroke in a conversation.
func (c *Client) TypingActivity(ctx context.Context, contractID string) {
	c.deps.Presence.Activity(ctx, contractID)
}

// TypingIdle reports the user stopped composing.
func (c *Client) TypingIdle(ctx context.Context, contractID string) {
	c.deps.Presence.Idle(ctx, contractID)
}

// LeaveChat retracts any outstanding typing signal when a conversation
// view unmounts.
func (c *Client) LeaveChat(ctx context.Context, contractID string) {
	c.deps.Presence.Leave(ctx, contractID)
}

// IsRemoteTyping reports whether another participant is typing.
func (c *Client) IsRemoteTyping(contractID string) bool {
	return c.deps.Presence.IsRemoteTyping(contractID)
}

// TypingUsers lists the other participants currently typing.
func (c *Client) TypingUsers(contractID string) []string {
	return c.deps.Presence.TypingUsers(contractID)
}

// Watch opens (or joins) the live subscription for a topic. Call once per
// screen mount, pair with Unwatch on unmount.
func (c *Client) Watch(topic feed.Topic) *subs.Handle {
	return c.deps.Subs.Acquire(topic)
}

// Unwatch releases a screen's claim on a topic subscription.
func (c *Client) Unwatch(h *subs.Handle) {
	c.deps.Subs.Release(h)
}

// TopicStatus reports one topic's subscription health.
func (c *Client) TopicStatus(topic feed.Topic) subs.TopicStatus {
	return c.deps.Subs.Status(topic)
}

// RuntimeState reports the overall client state.
func (c *Client) RuntimeState() status.State {
	return c.deps.Machine.Current()
}

// Events returns a bus subscription for entity change notifications, for
// consumers that re-render on data changes. The returned func unsubscribes.
func (c *Client) Events(namespace string, buf int) (<-chan bus.Event, func()) {
	return c.deps.Bus.Subscribe(namespace, buf)
}
