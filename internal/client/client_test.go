package client

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"plansync/internal/bus"
	"plansync/internal/feed"
	"plansync/internal/status"
	"plansync/internal/store"
	"plansync/internal/subs"
)

type fakeContracts struct {
	lastUser string
	lastPlan string
	lastID   string
}

func (f *fakeContracts) Request(_ context.Context, userID, planID, _ string) (*store.Contract, error) {
	f.lastUser, f.lastPlan = userID, planID
	return &store.Contract{ID: "ct1", UserID: userID, PlanID: planID, State: store.ContractPending}, nil
}

func (f *fakeContracts) Approve(_ context.Context, contractID, advisorID, _ string) (*store.Contract, error) {
	f.lastUser, f.lastID = advisorID, contractID
	return &store.Contract{ID: contractID, State: store.ContractApproved, DecidedBy: advisorID}, nil
}

func (f *fakeContracts) Reject(_ context.Context, contractID, advisorID, _ string) (*store.Contract, error) {
	f.lastUser, f.lastID = advisorID, contractID
	return &store.Contract{ID: contractID, State: store.ContractRejected, DecidedBy: advisorID}, nil
}

type fakeSubs struct {
	acquired []string
	released int
}

func (f *fakeSubs) Acquire(topic feed.Topic) *subs.Handle {
	f.acquired = append(f.acquired, topic.Key())
	return &subs.Handle{}
}

func (f *fakeSubs) Release(_ *subs.Handle) { f.released++ }

func (f *fakeSubs) Status(_ feed.Topic) subs.TopicStatus { return subs.StatusActive }

type fakePresence struct {
	activity []string
	idle     []string
	left     []string
	typing   bool
}

func (f *fakePresence) Activity(_ context.Context, cid string) { f.activity = append(f.activity, cid) }
func (f *fakePresence) Idle(_ context.Context, cid string)     { f.idle = append(f.idle, cid) }
func (f *fakePresence) Leave(_ context.Context, cid string)    { f.left = append(f.left, cid) }
func (f *fakePresence) IsRemoteTyping(_ string) bool           { return f.typing }
func (f *fakePresence) TypingUsers(_ string) []string          { return nil }

type fakeWriter struct {
	messages []*store.Message
	err      error
}

func (f *fakeWriter) OptimisticMessage(m *store.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, m)
	return nil
}

type fakeReader struct {
	calls int
	err   error
}

func (f *fakeReader) MarkMessagesRead(_ context.Context, _, _ string) error {
	f.calls++
	return f.err
}

type testEnv struct {
	client    *Client
	db        *store.DB
	contracts *fakeContracts
	subs      *fakeSubs
	presence  *fakePresence
	writer    *fakeWriter
	reader    *fakeReader
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{
		db:        db,
		contracts: &fakeContracts{},
		subs:      &fakeSubs{},
		presence:  &fakePresence{},
		writer:    &fakeWriter{},
		reader:    &fakeReader{},
	}
	env.client = New(Deps{
		DB:        db,
		Contracts: env.contracts,
		Subs:      env.subs,
		Presence:  env.presence,
		Writer:    env.writer,
		Reader:    env.reader,
		Machine:   status.NewMachine(nil),
		Bus:       bus.New(),
		Logger:    zap.NewNop(),
		UserID:    "me",
	})
	return env
}

func TestSendMessageQueuesOptimistically(t *testing.T) {
	env := newTestEnv(t)

	m, err := env.client.SendMessage(context.Background(), "ct1", "Hola")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !strings.HasPrefix(m.ID, "local-") || m.SyncStatus != store.SyncPending {
		t.Errorf("optimistic message = %+v", m)
	}
	if len(env.writer.messages) != 1 {
		t.Fatalf("optimistic writes = %d, want 1", len(env.writer.messages))
	}

	pending, err := env.db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("outbox entries = %d, want 1", len(pending))
	}
	if pending[0].ClientToken != m.ClientToken || pending[0].TempID != m.ID {
		t.Errorf("outbox entry = %+v, tokens must match the optimistic row", pending[0])
	}
}

func TestSendMessageFailedOptimisticWriteLeavesNoQueue(t *testing.T) {
	env := newTestEnv(t)
	env.writer.err = errors.New("store closed")

	if _, err := env.client.SendMessage(context.Background(), "ct1", "Hola"); err == nil {
		t.Fatal("expected error")
	}
	pending, err := env.db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("outbox entries = %d after failed optimistic write", len(pending))
	}
}

func TestSnapshotsReadLocalStore(t *testing.T) {
	env := newTestEnv(t)

	plans := []store.Plan{
		{ID: "p2", Name: "Plan 20GB", PriceCents: 2000, Active: true, UpdatedAt: 1},
		{ID: "p1", Name: "Plan 5GB", PriceCents: 1000, Active: true, UpdatedAt: 1},
		{ID: "p3", Name: "Plan viejo", PriceCents: 500, Active: false, UpdatedAt: 1},
	}
	for i := range plans {
		if err := env.db.UpsertPlan(&plans[i]); err != nil {
			t.Fatal(err)
		}
	}

	got, err := env.client.Plans()
	if err != nil {
		t.Fatal(err)
	}
	// Active only, price ascending.
	if len(got) != 2 || got[0].ID != "p1" || got[1].ID != "p2" {
		t.Errorf("Plans() = %v", got)
	}
}

func TestContractActionsRunAsCurrentUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.client.RequestPlan(ctx, "p1", ""); err != nil {
		t.Fatal(err)
	}
	if env.contracts.lastUser != "me" || env.contracts.lastPlan != "p1" {
		t.Errorf("request ran as %q for plan %q", env.contracts.lastUser, env.contracts.lastPlan)
	}

	if _, err := env.client.ApproveContract(ctx, "ct9", ""); err != nil {
		t.Fatal(err)
	}
	if env.contracts.lastUser != "me" || env.contracts.lastID != "ct9" {
		t.Errorf("approve ran as %q on %q", env.contracts.lastUser, env.contracts.lastID)
	}
}

func TestMarkReadLocalFirstThenRemote(t *testing.T) {
	env := newTestEnv(t)
	msg := &store.Message{
		ID: "m1", ContractID: "ct1", SenderID: "advisor",
		Body: "Hola", Read: false, CreatedAt: 100, UpdatedAt: 100,
	}
	if err := env.db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	if err := env.client.MarkRead(context.Background(), "ct1"); err != nil {
		t.Fatal(err)
	}
	if env.reader.calls != 1 {
		t.Errorf("remote read-marks = %d, want 1", env.reader.calls)
	}
	n, err := env.client.UnreadCount("ct1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("unread = %d after MarkRead", n)
	}
}

func TestMarkReadRemoteFailureKeepsLocalMark(t *testing.T) {
	env := newTestEnv(t)
	env.reader.err = errors.New("service down")
	msg := &store.Message{
		ID: "m1", ContractID: "ct1", SenderID: "advisor",
		Body: "Hola", CreatedAt: 100, UpdatedAt: 100,
	}
	if err := env.db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	if err := env.client.MarkRead(context.Background(), "ct1"); err == nil {
		t.Fatal("expected error from remote failure")
	}
	// Local mark stands; the feed will reconcile the service's view later.
	n, _ := env.client.UnreadCount("ct1")
	if n != 0 {
		t.Errorf("unread = %d, local mark should stand", n)
	}
}

func TestWatchUnwatchDelegate(t *testing.T) {
	env := newTestEnv(t)

	h := env.client.Watch(feed.Catalog())
	if len(env.subs.acquired) != 1 || env.subs.acquired[0] != "catalog" {
		t.Errorf("acquired = %v", env.subs.acquired)
	}
	env.client.Unwatch(h)
	if env.subs.released != 1 {
		t.Errorf("released = %d", env.subs.released)
	}
	if env.client.TopicStatus(feed.Catalog()) != subs.StatusActive {
		t.Error("TopicStatus not delegated")
	}
}

func TestTypingDelegates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.client.TypingActivity(ctx, "ct1")
	env.client.TypingIdle(ctx, "ct1")
	env.client.LeaveChat(ctx, "ct1")

	if len(env.presence.activity) != 1 || len(env.presence.idle) != 1 || len(env.presence.left) != 1 {
		t.Errorf("presence calls = %+v", env.presence)
	}

	env.presence.typing = true
	if !env.client.IsRemoteTyping("ct1") {
		t.Error("IsRemoteTyping not delegated")
	}
}
