package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"openbooking/internal/bookingerr"
	"openbooking/internal/models"
	"openbooking/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

type tx struct {
	s  *Store
	tx *sqlx.Tx
}

func (t *tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	return t.tx.Rollback()
}

func (t *tx) Opportunities(kind models.OpportunityKind) (store.OpportunityTransaction, error) {
	if _, ok := t.s.kinds[kind]; !ok {
		return nil, bookingerr.Internal(bookingerr.InternalIDTemplateMismatch, "no opportunity store for %s", kind)
	}
	return &opportunityTx{tx: t, kind: kind}, nil
}

func (t *tx) CreateLease(ctx context.Context, flow store.FlowContext, quote *models.Order) error {
	stored := quote.Clone()
	stored.UUID = flow.OrderUUID
	stored.ClientID = flow.ClientID
	row, err := encodeOrder(stored)
	if err != nil {
		return err
	}
	if _, err := t.s.deleteQuote(ctx, t.tx, flow.ClientID, flow.OrderUUID); err != nil {
		return err
	}
	if err := exec(ctx, t.tx, "INSERT INTO quotes (client_id, uuid, data) VALUES (?, ?, ?)",
		flow.ClientID, flow.OrderUUID, row.Data); err != nil {
		return fmt.Errorf("failed to store quote %s: %w", flow.OrderUUID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func errAlreadyExists() error {
	return bookingerr.New(bookingerr.CodeOrderAlreadyExists, "an order with this id already exists")
}

// create stores a new order or proposal, replacing its quote and lease.
func (t *tx) create(ctx context.Context, flow store.FlowContext, order *models.Order, orderType models.OrderType) error {
	existing, err := t.s.loadOrder(ctx, t.tx, flow.ClientID, flow.OrderUUID, true)
	if err != nil {
		return err
	}
	if existing != nil {
		return errAlreadyExists()
	}

	stored := order.Clone()
	stored.UUID = flow.OrderUUID
	stored.ClientID = flow.ClientID
	stored.Stage = flow.Stage
	stored.Lease = nil
	stored.Type = orderType
	stored.Visibility = models.VisibilityNone
	stored.ProposalVisibility = models.VisibilityNone

	modified, err := t.s.nextModified(ctx, t.tx)
	if err != nil {
		return err
	}
	if orderType == models.OrderTypeProposal {
		stored.ProposalVisibility = models.VisibilityVisible
		stored.ProposalModified = modified
	} else {
		stored.Visibility = models.VisibilityVisible
		stored.Modified = modified
	}

	if _, err := t.s.deleteQuote(ctx, t.tx, flow.ClientID, flow.OrderUUID); err != nil {
		return err
	}
	affected, err := release(ctx, t.tx, flow.ClientID, flow.OrderUUID, "hold = ?", string(store.HoldLease))
	if err != nil {
		return err
	}
	if err := insertOrder(ctx, t.tx, stored); err != nil {
		if isUniqueViolation(err) {
			return errAlreadyExists()
		}
		return err
	}
	return t.s.touch(ctx, t.tx, affected...)
}

func (t *tx) CreateOrder(ctx context.Context, flow store.FlowContext, order *models.Order) error {
	return t.create(ctx, flow, order, models.OrderTypeOrder)
}

func (t *tx) CreateOrderProposal(ctx context.Context, flow store.FlowContext, proposal *models.Order) error {
	return t.create(ctx, flow, proposal, models.OrderTypeProposal)
}

func (t *tx) CreateOrderFromOrderProposal(ctx context.Context, flow store.FlowContext, version string) (*models.Order, error) {
	o, err := t.s.loadOrder(ctx, t.tx, flow.ClientID, flow.OrderUUID, true)
	if err != nil {
		return nil, err
	}
	if err := store.AcceptProposal(o, version); err != nil {
		return nil, err
	}
	o.Stage = flow.Stage
	if o.Modified, err = t.s.nextModified(ctx, t.tx); err != nil {
		return nil, err
	}
	if err := updateOrder(ctx, t.tx, o); err != nil {
		return nil, err
	}
	err = exec(ctx, t.tx, "UPDATE allocations SET hold = ? WHERE client_id = ? AND order_uuid = ? AND hold = ?",
		string(store.HoldBooking), flow.ClientID, flow.OrderUUID, string(store.HoldProposal))
	if err != nil {
		return nil, fmt.Errorf("failed to confirm proposal holds: %w", err)
	}
	return o, nil
}

func (t *tx) CustomerCancelOrderItems(ctx context.Context, flow store.FlowContext, itemIDs []string) (*models.Order, error) {
	o, err := t.s.loadOrder(ctx, t.tx, flow.ClientID, flow.OrderUUID, true)
	if err != nil {
		return nil, err
	}
	released, err := store.CancelItems(o, itemIDs)
	if err != nil {
		return nil, err
	}
	if len(released) == 0 {
		return o, nil
	}
	if o.Modified, err = t.s.nextModified(ctx, t.tx); err != nil {
		return nil, err
	}
	if err := updateOrder(ctx, t.tx, o); err != nil {
		return nil, err
	}
	if err := t.s.releaseItems(ctx, t.tx, flow.ClientID, flow.OrderUUID, released); err != nil {
		return nil, err
	}
	return o, nil
}

func (t *tx) RejectOrderProposal(ctx context.Context, flow store.FlowContext) (*models.Order, error) {
	o, err := t.s.loadOrder(ctx, t.tx, flow.ClientID, flow.OrderUUID, true)
	if err != nil {
		return nil, err
	}
	released, err := store.RejectProposal(o)
	if err != nil {
		return nil, err
	}
	if released == nil {
		return o, nil
	}
	if o.ProposalModified, err = t.s.nextModified(ctx, t.tx); err != nil {
		return nil, err
	}
	if err := updateOrder(ctx, t.tx, o); err != nil {
		return nil, err
	}
	if err := t.s.releaseItems(ctx, t.tx, flow.ClientID, flow.OrderUUID, released); err != nil {
		return nil, err
	}
	return o, nil
}

type opportunityTx struct {
	tx   *tx
	kind models.OpportunityKind
}

// hold locks the items' opportunities, re-validates them against capacity
// not held by the order, and replaces the order's lease holds on them.
func (o *opportunityTx) hold(ctx context.Context, flow store.FlowContext, items []*models.OrderItem, hold store.Hold) error {
	if len(items) == 0 {
		return nil
	}
	s, q := o.tx.s, o.tx.tx
	if err := s.fillItems(ctx, q, o.kind, flow, items, true); err != nil {
		return err
	}
	if err := store.ItemsError(items); err != nil {
		return err
	}

	targets := store.OpportunityIDs(items)
	affected, err := release(ctx, q, flow.ClientID, flow.OrderUUID, "hold = ? AND opportunity_id IN (?)",
		string(store.HoldLease), targets)
	if err != nil {
		return err
	}

	var expires int64
	if hold == store.HoldLease {
		expires = flow.LeaseExpires.UnixMilli()
	}
	for _, item := range items {
		err := exec(ctx, q, `
			INSERT INTO allocations (opportunity_id, client_id, order_uuid, item_id, hold, expires)
			VALUES (?, ?, ?, ?, ?, ?)`,
			item.OrderedItem.ID, flow.ClientID, flow.OrderUUID, item.ID, string(hold), expires)
		if err != nil {
			return fmt.Errorf("failed to hold %s: %w", item.OrderedItem.ID, err)
		}
	}
	return s.touch(ctx, q, append(affected, targets...)...)
}

func (o *opportunityTx) LeaseOrderItems(ctx context.Context, flow store.FlowContext, items []*models.OrderItem) error {
	return o.hold(ctx, flow, items, store.HoldLease)
}

func (o *opportunityTx) BookOrderItems(ctx context.Context, flow store.FlowContext, items []*models.OrderItem) error {
	return o.hold(ctx, flow, items, store.HoldBooking)
}

func (o *opportunityTx) ProposeOrderItems(ctx context.Context, flow store.FlowContext, items []*models.OrderItem) error {
	return o.hold(ctx, flow, items, store.HoldProposal)
}
