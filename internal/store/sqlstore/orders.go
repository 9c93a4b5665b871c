package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"openbooking/internal/bookingerr"
	"openbooking/internal/models"
	"openbooking/internal/rpde"
	"openbooking/internal/store"

	"github.com/jmoiron/sqlx"
)

type orderRow struct {
	ClientID           string `db:"client_id"`
	UUID               string `db:"uuid"`
	OrderType          string `db:"order_type"`
	Stage              string `db:"stage"`
	Deleted            bool   `db:"deleted"`
	Visibility         string `db:"visibility"`
	ProposalVisibility string `db:"proposal_visibility"`
	Modified           int64  `db:"modified"`
	ProposalModified   int64  `db:"proposal_modified"`
	Data               string `db:"data"`
}

const orderColumns = "client_id, uuid, order_type, stage, deleted, visibility, proposal_visibility, modified, proposal_modified, data"

func (r *orderRow) decode() (*models.Order, error) {
	var o models.Order
	if err := json.Unmarshal([]byte(r.Data), &o); err != nil {
		return nil, bookingerr.WrapInternal(bookingerr.InternalStoreContract, "corrupt order "+r.UUID, err)
	}
	o.ClientID = r.ClientID
	o.UUID = r.UUID
	o.Type = models.OrderType(r.OrderType)
	o.Stage = models.FlowStage(r.Stage)
	o.Deleted = r.Deleted
	o.Visibility = models.FeedVisibility(r.Visibility)
	o.ProposalVisibility = models.FeedVisibility(r.ProposalVisibility)
	o.Modified = r.Modified
	o.ProposalModified = r.ProposalModified
	return &o, nil
}

func encodeOrder(o *models.Order) (*orderRow, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order %s: %w", o.UUID, err)
	}
	return &orderRow{
		ClientID:           o.ClientID,
		UUID:               o.UUID,
		OrderType:          string(o.Type),
		Stage:              string(o.Stage),
		Deleted:            o.Deleted,
		Visibility:         string(o.Visibility),
		ProposalVisibility: string(o.ProposalVisibility),
		Modified:           o.Modified,
		ProposalModified:   o.ProposalModified,
		Data:               string(data),
	}, nil
}

func (s *Store) loadOrder(ctx context.Context, q sqlx.ExtContext, clientID, uuid string, lock bool) (*models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE client_id = ? AND uuid = ?"
	if lock {
		query += s.forUpdate()
	}
	var row orderRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(query), clientID, uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", uuid, err)
	}
	return row.decode()
}

func insertOrder(ctx context.Context, q sqlx.ExtContext, o *models.Order) error {
	row, err := encodeOrder(o)
	if err != nil {
		return err
	}
	err = exec(ctx, q, "INSERT INTO orders ("+orderColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		row.ClientID, row.UUID, row.OrderType, row.Stage, row.Deleted, row.Visibility,
		row.ProposalVisibility, row.Modified, row.ProposalModified, row.Data)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.UUID, err)
	}
	return nil
}

func updateOrder(ctx context.Context, q sqlx.ExtContext, o *models.Order) error {
	row, err := encodeOrder(o)
	if err != nil {
		return err
	}
	err = exec(ctx, q, `
		UPDATE orders SET order_type = ?, stage = ?, deleted = ?, visibility = ?, proposal_visibility = ?,
			modified = ?, proposal_modified = ?, data = ?
		WHERE client_id = ? AND uuid = ?`,
		row.OrderType, row.Stage, row.Deleted, row.Visibility, row.ProposalVisibility,
		row.Modified, row.ProposalModified, row.Data, row.ClientID, row.UUID)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.UUID, err)
	}
	return nil
}

func (s *Store) BeginOrderTransaction(ctx context.Context, stage models.FlowStage) (store.OrderTransaction, error) {
	if stage.ReadOnly() {
		return nil, nil
	}
	t, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	return &tx{s: s, tx: t}, nil
}

func (s *Store) GetOrder(ctx context.Context, clientID, uuid string) (*models.Order, error) {
	o, err := s.loadOrder(ctx, s.db, clientID, uuid, false)
	if err != nil {
		return nil, err
	}
	if o == nil || o.Deleted {
		return nil, bookingerr.New(bookingerr.CodeUnknownOrder, "no order with this id")
	}
	return o, nil
}

func (s *Store) deleteQuote(ctx context.Context, q sqlx.ExtContext, clientID, uuid string) (bool, error) {
	res, err := q.ExecContext(ctx, q.Rebind("DELETE FROM quotes WHERE client_id = ? AND uuid = ?"), clientID, uuid)
	if err != nil {
		return false, fmt.Errorf("failed to delete quote %s: %w", uuid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) DeleteOrder(ctx context.Context, flow store.FlowContext) (bool, error) {
	existed := false
	err := s.inTx(ctx, func(q *sqlx.Tx) error {
		o, err := s.loadOrder(ctx, q, flow.ClientID, flow.OrderUUID, true)
		if err != nil {
			return err
		}
		if _, err := s.deleteQuote(ctx, q, flow.ClientID, flow.OrderUUID); err != nil {
			return err
		}
		affected, err := release(ctx, q, flow.ClientID, flow.OrderUUID, "")
		if err != nil {
			return err
		}
		if o != nil && !o.Deleted {
			modified, err := s.nextModified(ctx, q)
			if err != nil {
				return err
			}
			store.Archive(o, modified)
			if err := updateOrder(ctx, q, o); err != nil {
				return err
			}
			existed = true
		}
		return s.touch(ctx, q, affected...)
	})
	return existed, err
}

func (s *Store) DeleteLease(ctx context.Context, flow store.FlowContext) (bool, error) {
	existed := false
	err := s.inTx(ctx, func(q *sqlx.Tx) error {
		var err error
		if existed, err = s.deleteQuote(ctx, q, flow.ClientID, flow.OrderUUID); err != nil {
			return err
		}
		affected, err := release(ctx, q, flow.ClientID, flow.OrderUUID, "hold = ?", string(store.HoldLease))
		if err != nil {
			return err
		}
		return s.touch(ctx, q, affected...)
	})
	return existed, err
}

func (s *Store) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	n := 0
	err := s.inTx(ctx, func(q *sqlx.Tx) error {
		var affected []string
		err := sqlx.SelectContext(ctx, q, &affected, q.Rebind(
			"SELECT opportunity_id FROM allocations WHERE hold = ? AND expires <= ?"),
			string(store.HoldLease), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to find expired leases: %w", err)
		}
		if len(affected) == 0 {
			return nil
		}
		if err := exec(ctx, q, "DELETE FROM allocations WHERE hold = ? AND expires <= ?",
			string(store.HoldLease), now.UnixMilli()); err != nil {
			return fmt.Errorf("failed to release expired leases: %w", err)
		}
		n = len(affected)
		return s.touch(ctx, q, affected...)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) OrdersFeedSource(orderType models.OrderType, render store.OrderRenderer) rpde.Source {
	visibility, modified := "visibility", "modified"
	if orderType == models.OrderTypeProposal {
		visibility, modified = "proposal_visibility", "proposal_modified"
	}
	query := "SELECT " + orderColumns + " FROM orders WHERE client_id = ? AND " + visibility + " <> ? AND (" +
		modified + " > ? OR (" + modified + " = ? AND uuid > ?)) ORDER BY " + modified + ", uuid LIMIT ?"

	return rpde.SourceFunc(func(ctx context.Context, q rpde.Query) ([]rpde.Item, error) {
		after, afterID := int64(-1), ""
		if q.After.Set {
			after, afterID = q.After.Modified, q.After.ID
		}
		var rows []orderRow
		err := sqlx.SelectContext(ctx, s.db, &rows, s.db.Rebind(query),
			q.Scope, string(models.VisibilityNone), after, after, afterID, q.Limit)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s feed: %w", orderType, err)
		}

		items := make([]rpde.Item, 0, len(rows))
		for i := range rows {
			o, err := rows[i].decode()
			if err != nil {
				return nil, err
			}
			v, m := o.Visibility, o.Modified
			if orderType == models.OrderTypeProposal {
				v, m = o.ProposalVisibility, o.ProposalModified
			}
			item, ok := rpde.ItemForVisibility(o.UUID, string(orderType), m, v, nil)
			if !ok {
				continue
			}
			if item.State == rpde.StateUpdated {
				if item.Data, err = render(o); err != nil {
					return nil, fmt.Errorf("failed to render order %s: %w", o.UUID, err)
				}
			}
			items = append(items, item)
		}
		return items, nil
	})
}

func (s *Store) ApplySellerAction(ctx context.Context, clientID, uuid string, action models.SellerAction, _ time.Time) (*models.Order, error) {
	var updated *models.Order
	err := s.inTx(ctx, func(q *sqlx.Tx) error {
		o, err := s.loadOrder(ctx, q, clientID, uuid, true)
		if err != nil {
			return err
		}
		if o == nil {
			return bookingerr.New(bookingerr.CodeUnknownOrder, "no order with this id")
		}
		released, proposalChanged, err := store.SellerAction(o, action)
		if err != nil {
			return err
		}
		modified, err := s.nextModified(ctx, q)
		if err != nil {
			return err
		}
		if proposalChanged {
			o.ProposalModified = modified
		} else {
			o.Modified = modified
		}
		if err := updateOrder(ctx, q, o); err != nil {
			return err
		}
		if err := s.releaseItems(ctx, q, clientID, uuid, released); err != nil {
			return err
		}
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// releaseItems drops the holds of the given order items.
func (s *Store) releaseItems(ctx context.Context, q sqlx.ExtContext, clientID, uuid string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	affected, err := release(ctx, q, clientID, uuid, "item_id IN (?)", itemIDs)
	if err != nil {
		return err
	}
	return s.touch(ctx, q, affected...)
}
