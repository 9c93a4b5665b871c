package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"openbooking/internal/bookingerr"
	"openbooking/internal/models"
	"openbooking/internal/rpde"
	"openbooking/internal/store"

	"github.com/jmoiron/sqlx"
)

func (s *Store) Opportunities(kind models.OpportunityKind) (store.OpportunityStore, error) {
	ordering, ok := s.kinds[kind]
	if !ok {
		return nil, bookingerr.Internal(bookingerr.InternalIDTemplateMismatch, "no opportunity store for %s", kind)
	}
	return &opportunities{s: s, kind: kind, ordering: ordering}, nil
}

type opportunities struct {
	s        *Store
	kind     models.OpportunityKind
	ordering rpde.Ordering
}

func (o *opportunities) Kind() models.OpportunityKind { return o.kind }

func (o *opportunities) FeedOrdering() rpde.Ordering { return o.ordering }

func (o *opportunities) GetOrderItems(ctx context.Context, flow store.FlowContext, items []*models.OrderItem) error {
	return o.s.fillItems(ctx, o.s.db, o.kind, flow, items, false)
}

func (o *opportunities) FeedSource() rpde.Source {
	return rpde.SourceFunc(func(ctx context.Context, q rpde.Query) ([]rpde.Item, error) {
		var query string
		var args []any
		switch o.ordering {
		case rpde.OrderingChangeNumber:
			query = "SELECT " + opportunityColumns + ` FROM opportunities
				WHERE kind = ? AND change_number > ?`
			args = []any{string(o.kind), int64(-1)}
			if q.After.Set {
				args[1] = q.After.ChangeNumber
			}
			query += " ORDER BY change_number LIMIT ?"
		default:
			query = "SELECT " + opportunityColumns + ` FROM opportunities
				WHERE kind = ? AND (modified > ? OR (modified = ? AND id > ?))`
			after, afterID := int64(-1), ""
			if q.After.Set {
				after, afterID = q.After.Modified, q.After.ID
			}
			args = []any{string(o.kind), after, after, afterID}
			query += " ORDER BY modified, id LIMIT ?"
		}
		args = append(args, q.Limit)

		var rows []opportunityRow
		if err := sqlx.SelectContext(ctx, o.s.db, &rows, o.s.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("failed to read %s feed: %w", o.kind, err)
		}

		items := make([]rpde.Item, 0, len(rows))
		for i := range rows {
			row := &rows[i]
			var data json.RawMessage
			if !row.Deleted {
				opp, err := row.decode()
				if err != nil {
					return nil, err
				}
				if data, err = json.Marshal(opp); err != nil {
					return nil, fmt.Errorf("failed to encode opportunity %s: %w", row.ID, err)
				}
			}
			item := rpde.NewItem(row.ID, string(o.kind), row.Modified, row.Deleted, data)
			item.ChangeNumber = row.ChangeNumber
			items = append(items, item)
		}
		return items, nil
	})
}

func (s *Store) InsertTestOpportunity(ctx context.Context, opp *models.Opportunity) error {
	if _, ok := s.kinds[opp.Type]; !ok {
		return bookingerr.Newf(bookingerr.CodeInvalidAPIRequest, "opportunity type %s is not supported", opp.Type)
	}
	data, err := encodeOpportunity(opp)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(q *sqlx.Tx) error {
		row, err := s.loadOpportunity(ctx, q, opp.ID, true)
		if err != nil {
			return err
		}
		if row != nil && row.Deleted {
			return bookingerr.Newf(bookingerr.CodeInvalidAPIRequest, "opportunity %s was deleted and cannot be reused", opp.ID)
		}
		if row == nil {
			err := exec(ctx, q, `
				INSERT INTO opportunities (`+opportunityColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				opp.ID, string(opp.Type), opp.TestDatasetID, opp.Capacity, opp.Capacity, false, int64(0), int64(0), data)
			if err != nil {
				return fmt.Errorf("failed to insert opportunity %s: %w", opp.ID, err)
			}
			row = &opportunityRow{ID: opp.ID}
		} else {
			err := exec(ctx, q, "UPDATE opportunities SET kind = ?, dataset_id = ?, capacity = ? WHERE id = ?",
				string(opp.Type), opp.TestDatasetID, opp.Capacity, opp.ID)
			if err != nil {
				return fmt.Errorf("failed to update opportunity %s: %w", opp.ID, err)
			}
		}

		n, err := used(ctx, q, opp.ID, "", "", s.clock.Now())
		if err != nil {
			return err
		}
		row.Remaining = opp.Capacity - n
		if row.Remaining < 0 {
			row.Remaining = 0
		}
		row.Data = data
		return s.publish(ctx, q, row)
	})
}

func (s *Store) DeleteTestDataset(ctx context.Context, datasetID string) (int, error) {
	n := 0
	err := s.inTx(ctx, func(q *sqlx.Tx) error {
		var rows []opportunityRow
		err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(
			"SELECT "+opportunityColumns+" FROM opportunities WHERE dataset_id = ? AND deleted = ? ORDER BY id"+s.forUpdate()),
			datasetID, false)
		if err != nil {
			return fmt.Errorf("failed to find dataset %s: %w", datasetID, err)
		}
		for i := range rows {
			rows[i].Deleted = true
			if err := s.publish(ctx, q, &rows[i]); err != nil {
				return err
			}
		}
		n = len(rows)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
