package contracts

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"plansync/internal/apperr"
	"plansync/internal/remote"
	"plansync/internal/store"
)

// validTransitions defines the contract request lifecycle. Approved and
// rejected are terminal.
var validTransitions = map[store.ContractState][]store.ContractState{
	store.ContractPending: {store.ContractApproved, store.ContractRejected},
}

// Remote is the slice of the data service the controller writes through.
type Remote interface {
	Plan(ctx context.Context, id string) (*store.Plan, error)
	Contract(ctx context.Context, id string) (*store.Contract, error)
	InsertContract(ctx context.Context, c *store.Contract) (*store.Contract, error)
	DecideContract(ctx context.Context, contractID string, d remote.Decision) (bool, error)
}

// Reconciler is the optimistic-write surface of the sync engine.
type Reconciler interface {
	OptimisticContract(c *store.Contract) error
	OptimisticContractUpdate(c *store.Contract) error
	ConfirmContract(tempID string, final *store.Contract) error
	RollbackContract(tempID string) error
}

// Controller enforces the contract request state machine and keeps the local
// store optimistically in step with decisions while the feed echo is in
// flight.
type Controller struct {
	remote     Remote
	reconciler Reconciler
	logger     *zap.Logger
}

// NewController creates a contract lifecycle controller.
func NewController(r Remote, rec Reconciler, logger *zap.Logger) *Controller {
	return &Controller{remote: r, reconciler: rec, logger: logger}
}

// Request creates a contract request for a plan on behalf of a customer.
// The plan's availability is re-checked against the service immediately
// before the write; a locally cached catalog row is not trusted for this.
func (c *Controller) Request(ctx context.Context, userID, planID, notes string) (*store.Contract, error) {
	plan, err := c.remote.Plan(ctx, planID)
	if apperr.IsKind(err, apperr.NotFound) {
		return nil, apperr.New(apperr.StaleCatalogState, "el plan ya no está disponible")
	}
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, apperr.New(apperr.StaleCatalogState, "el plan ya no está disponible")
	}

	token := uuid.NewString()
	now := time.Now().UnixMilli()
	optimistic := &store.Contract{
		ID:          "local-" + token,
		UserID:      userID,
		PlanID:      planID,
		State:       store.ContractPending,
		RequestedAt: now,
		Notes:       notes,
		CreatedAt:   now,
		UpdatedAt:   now,
		SyncStatus:  store.SyncPending,
		ClientToken: token,
	}
	if err := c.reconciler.OptimisticContract(optimistic); err != nil {
		return nil, err
	}

	created, err := c.remote.InsertContract(ctx, optimistic)
	if err != nil {
		if rbErr := c.reconciler.RollbackContract(optimistic.ID); rbErr != nil {
			c.logger.Error("rollback after failed contract insert",
				zap.String("temp_id", optimistic.ID), zap.Error(rbErr))
		}
		return nil, err
	}

	if err := c.reconciler.ConfirmContract(optimistic.ID, created); err != nil {
		return nil, err
	}
	c.logger.Info("contract requested",
		zap.String("contract_id", created.ID), zap.String("plan_id", planID))
	return created, nil
}

// Approve moves a pending contract to approved on behalf of an advisor.
func (c *Controller) Approve(ctx context.Context, contractID, advisorID, notes string) (*store.Contract, error) {
	return c.decide(ctx, contractID, advisorID, notes, store.ContractApproved)
}

// Reject moves a pending contract to rejected on behalf of an advisor.
func (c *Controller) Reject(ctx context.Context, contractID, advisorID, notes string) (*store.Contract, error) {
	return c.decide(ctx, contractID, advisorID, notes, store.ContractRejected)
}

func (c *Controller) decide(ctx context.Context, contractID, advisorID, notes string, target store.ContractState) (*store.Contract, error) {
	cur, err := c.remote.Contract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(validTransitions[cur.State], target) {
		return nil, apperr.New(apperr.InvalidTransition,
			"la solicitud ya fue decidida")
	}

	now := time.Now().UnixMilli()
	decided := *cur
	decided.State = target
	decided.DecidedAt = now
	decided.DecidedBy = advisorID
	if notes != "" {
		decided.Notes = notes
	}
	decided.UpdatedAt = now
	decided.SyncStatus = store.SyncPending
	if err := c.reconciler.OptimisticContractUpdate(&decided); err != nil {
		return nil, err
	}

	ok, err := c.remote.DecideContract(ctx, contractID, remote.Decision{
		State:     target,
		DecidedBy: advisorID,
		Notes:     notes,
	})
	if err != nil {
		c.restore(cur, now)
		return nil, err
	}
	if !ok {
		// Another decision won the race. Pull the winning record so the
		// local row does not show our losing transition.
		if latest, ferr := c.remote.Contract(ctx, contractID); ferr == nil {
			latest.UpdatedAt = now
			latest.SyncStatus = store.SyncConfirmed
			_ = c.reconciler.OptimisticContractUpdate(latest)
		} else {
			c.restore(cur, now)
		}
		return nil, apperr.New(apperr.InvalidTransition,
			"la solicitud ya fue decidida por otro asesor")
	}

	decided.SyncStatus = store.SyncConfirmed
	if err := c.reconciler.OptimisticContractUpdate(&decided); err != nil {
		return nil, err
	}
	c.logger.Info("contract decided",
		zap.String("contract_id", contractID),
		zap.String("state", string(target)),
		zap.String("decided_by", advisorID))
	return &decided, nil
}

// restore puts the pre-transition record back. The timestamp is pinned to
// the optimistic write's so the last-write-wins upsert accepts it.
func (c *Controller) restore(cur *store.Contract, ts int64) {
	restored := *cur
	restored.UpdatedAt = ts
	restored.SyncStatus = store.SyncConfirmed
	if err := c.reconciler.OptimisticContractUpdate(&restored); err != nil {
		c.logger.Error("restore after failed decision write",
			zap.String("contract_id", cur.ID), zap.Error(err))
	}
}
