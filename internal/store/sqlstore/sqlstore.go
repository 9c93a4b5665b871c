// Package sqlstore is the SQL backend, running on postgres (lib/pq) or
// sqlite (mattn/go-sqlite3) through sqlx.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"openbooking/internal/bookingerr"
	"openbooking/internal/clock"
	"openbooking/internal/models"
	"openbooking/internal/rpde"
	"openbooking/internal/store"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

type Store struct {
	db     *sqlx.DB
	driver string
	clock  clock.Clock
	kinds  map[models.OpportunityKind]rpde.Ordering
}

var _ store.OrderStore = (*Store)(nil)

// New connects to the database and applies the schema.
func New(driver, databaseURL string, clk clock.Clock) (*Store, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	db, err := sqlx.Connect(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		// A single connection serializes writers and keeps in-memory
		// databases alive for the life of the store.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &Store{
		db:     db,
		driver: driver,
		clock:  clk,
		kinds: map[models.OpportunityKind]rpde.Ordering{
			models.KindScheduledSession: rpde.OrderingModifiedID,
			models.KindSlot:             rpde.OrderingChangeNumber,
		},
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) forUpdate() string {
	if s.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (s *Store) begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// inTx runs fn in its own transaction.
func (s *Store) inTx(ctx context.Context, fn func(q *sqlx.Tx) error) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func exec(ctx context.Context, q sqlx.ExtContext, query string, args ...any) error {
	_, err := q.ExecContext(ctx, q.Rebind(query), args...)
	return err
}

// opportunityRecord is the stored form of an opportunity, carrying the
// details that are not published in its feed.
type opportunityRecord struct {
	Opportunity             *models.Opportunity         `json:"opportunity"`
	AttendeeDetailsRequired []string                    `json:"attendeeDetailsRequired,omitempty"`
	IntakeForm              []models.FormField          `json:"intakeForm,omitempty"`
	TaxRates                map[string]decimal.Decimal `json:"taxRates,omitempty"`
}

type opportunityRow struct {
	ID           string `db:"id"`
	Kind         string `db:"kind"`
	DatasetID    string `db:"dataset_id"`
	Capacity     int    `db:"capacity"`
	Remaining    int    `db:"remaining"`
	Deleted      bool   `db:"deleted"`
	Modified     int64  `db:"modified"`
	ChangeNumber int64  `db:"change_number"`
	Data         string `db:"data"`
}

const opportunityColumns = "id, kind, dataset_id, capacity, remaining, deleted, modified, change_number, data"

func encodeOpportunity(opp *models.Opportunity) (string, error) {
	rec := opportunityRecord{
		Opportunity:             opp,
		AttendeeDetailsRequired: opp.AttendeeDetailsRequired,
		IntakeForm:              opp.IntakeForm,
	}
	for _, offer := range opp.Offers {
		if offer.TaxRate.IsZero() {
			continue
		}
		if rec.TaxRates == nil {
			rec.TaxRates = make(map[string]decimal.Decimal)
		}
		rec.TaxRates[offer.ID] = offer.TaxRate
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode opportunity %s: %w", opp.ID, err)
	}
	return string(b), nil
}

func (r *opportunityRow) decode() (*models.Opportunity, error) {
	var rec opportunityRecord
	if err := json.Unmarshal([]byte(r.Data), &rec); err != nil || rec.Opportunity == nil {
		return nil, bookingerr.WrapInternal(bookingerr.InternalStoreContract, "corrupt opportunity "+r.ID, err)
	}
	opp := rec.Opportunity
	opp.AttendeeDetailsRequired = rec.AttendeeDetailsRequired
	opp.IntakeForm = rec.IntakeForm
	for _, offer := range opp.Offers {
		offer.TaxRate = rec.TaxRates[offer.ID]
	}
	opp.Type = models.OpportunityKind(r.Kind)
	opp.TestDatasetID = r.DatasetID
	opp.Capacity = r.Capacity
	opp.RemainingCapacity = r.Remaining
	opp.Deleted = r.Deleted
	opp.Modified = r.Modified
	return opp, nil
}

func (s *Store) loadOpportunity(ctx context.Context, q sqlx.ExtContext, id string, lock bool) (*opportunityRow, error) {
	query := "SELECT " + opportunityColumns + " FROM opportunities WHERE id = ?"
	if lock {
		query += s.forUpdate()
	}
	var row opportunityRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(query), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load opportunity %s: %w", id, err)
	}
	return &row, nil
}

// used counts the live allocations of an opportunity not held by the given order.
func used(ctx context.Context, q sqlx.ExtContext, opportunityID, clientID, uuid string, now time.Time) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n, q.Rebind(`
		SELECT COUNT(*) FROM allocations
		WHERE opportunity_id = ?
		  AND NOT (client_id = ? AND order_uuid = ?)
		  AND (hold <> ? OR expires > ?)`),
		opportunityID, clientID, uuid, string(store.HoldLease), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to count allocations: %w", err)
	}
	return n, nil
}

func nextChangeNumber(ctx context.Context, q sqlx.ExtContext) (int64, error) {
	if err := exec(ctx, q, "UPDATE sequences SET value = value + 1 WHERE name = ?", "change_number"); err != nil {
		return 0, fmt.Errorf("failed to advance change number: %w", err)
	}
	var n int64
	if err := sqlx.GetContext(ctx, q, &n, q.Rebind("SELECT value FROM sequences WHERE name = ?"), "change_number"); err != nil {
		return 0, fmt.Errorf("failed to read change number: %w", err)
	}
	return n, nil
}

// nextModified returns a feed timestamp strictly after every one issued before.
func (s *Store) nextModified(ctx context.Context, q sqlx.ExtContext) (int64, error) {
	now := s.clock.Now().UnixMilli()
	err := exec(ctx, q, `
		UPDATE sequences SET value = CASE WHEN value < ? THEN ? ELSE value + 1 END
		WHERE name = ?`, now, now, "modified")
	if err != nil {
		return 0, fmt.Errorf("failed to advance modified: %w", err)
	}
	var n int64
	if err := sqlx.GetContext(ctx, q, &n, q.Rebind("SELECT value FROM sequences WHERE name = ?"), "modified"); err != nil {
		return 0, fmt.Errorf("failed to read modified: %w", err)
	}
	return n, nil
}

// publish bumps an opportunity's feed position.
func (s *Store) publish(ctx context.Context, q sqlx.ExtContext, row *opportunityRow) error {
	cn, err := nextChangeNumber(ctx, q)
	if err != nil {
		return err
	}
	modified, err := s.nextModified(ctx, q)
	if err != nil {
		return err
	}
	row.Modified = modified
	row.ChangeNumber = cn
	return exec(ctx, q, `
		UPDATE opportunities SET remaining = ?, deleted = ?, modified = ?, change_number = ?, data = ?
		WHERE id = ?`,
		row.Remaining, row.Deleted, row.Modified, row.ChangeNumber, row.Data, row.ID)
}

// touch brings remaining capacity up to date for the given opportunities.
func (s *Store) touch(ctx context.Context, q sqlx.ExtContext, ids ...string) error {
	now := s.clock.Now()
	for _, id := range dedupe(ids) {
		row, err := s.loadOpportunity(ctx, q, id, false)
		if err != nil {
			return err
		}
		if row == nil || row.Deleted {
			continue
		}
		n, err := used(ctx, q, id, "", "", now)
		if err != nil {
			return err
		}
		remaining := row.Capacity - n
		if remaining < 0 {
			remaining = 0
		}
		if remaining == row.Remaining {
			continue
		}
		row.Remaining = remaining
		if err := s.publish(ctx, q, row); err != nil {
			return err
		}
	}
	return nil
}

// fillItems loads each item's opportunity, optionally locking its row, and
// checks capacity available to the flow's order.
func (s *Store) fillItems(ctx context.Context, q sqlx.ExtContext, kind models.OpportunityKind, flow store.FlowContext, items []*models.OrderItem, lock bool) error {
	available := make(map[string]int)
	loaded := make(map[string]*models.Opportunity)

	ids := store.OpportunityIDs(items)
	sort.Strings(ids)
	for _, id := range ids {
		row, err := s.loadOpportunity(ctx, q, id, lock)
		if err != nil {
			return err
		}
		if row == nil {
			continue
		}
		opp, err := row.decode()
		if err != nil {
			return err
		}
		n, err := used(ctx, q, id, flow.ClientID, flow.OrderUUID, flow.Now)
		if err != nil {
			return err
		}
		loaded[id] = opp
		available[id] = opp.Capacity - n
	}

	for _, item := range items {
		if item.OrderedItem == nil {
			item.AddError(bookingerr.CodeOpportunityOfferPairNotBookable, "orderedItem is required")
			continue
		}
		if err := store.FillItem(item, loaded[item.OrderedItem.ID], kind, flow.Now); err != nil {
			return err
		}
	}
	store.AssignCapacity(items, available)
	return nil
}

// release deletes the order's allocations matching the extra condition and
// returns the opportunities affected.
func release(ctx context.Context, q sqlx.ExtContext, clientID, uuid, cond string, args ...any) ([]string, error) {
	where := "client_id = ? AND order_uuid = ?"
	if cond != "" {
		where += " AND " + cond
	}
	all := append([]any{clientID, uuid}, args...)

	query, qargs, err := sqlx.In("SELECT DISTINCT opportunity_id FROM allocations WHERE "+where, all...)
	if err != nil {
		return nil, err
	}
	var affected []string
	if err := sqlx.SelectContext(ctx, q, &affected, q.Rebind(query), qargs...); err != nil {
		return nil, fmt.Errorf("failed to find allocations: %w", err)
	}

	query, qargs, err = sqlx.In("DELETE FROM allocations WHERE "+where, all...)
	if err != nil {
		return nil, err
	}
	if err := exec(ctx, q, query, qargs...); err != nil {
		return nil, fmt.Errorf("failed to release allocations: %w", err)
	}
	return affected, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
