package engine

import (
	"context"
	"encoding/json"
	"net/http"

	"openbooking/internal/bookingerr"
	"openbooking/internal/models"
	"openbooking/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// testOpportunity carries the fields of a test opportunity that are not part
// of its published form.
type testOpportunity struct {
	AttendeeDetailsRequired []string           `json:"attendeeDetailsRequired"`
	IntakeForm              []models.FormField `json:"orderItemIntakeForm"`
	Offers                  []struct {
		ID      string          `json:"@id"`
		TaxRate decimal.Decimal `json:"taxRate"`
	} `json:"offer"`
}

// InsertTestOpportunity adds an opportunity to a test dataset. Its id and
// every offer id must match a registered template.
func (e *Engine) InsertTestOpportunity(ctx context.Context, datasetID, body string) (*models.Response, error) {
	ctx, span := util.StartSpan(ctx, "Engine.InsertTestOpportunity", attribute.String("dataset.id", datasetID))
	defer span.End()

	opp, err := e.parseTestOpportunity(body)
	if err != nil {
		return e.testResult(nil, err)
	}
	opp.TestDatasetID = datasetID
	if err := e.store.InsertTestOpportunity(ctx, opp); err != nil {
		return e.testResult(nil, err)
	}
	e.logger.Info("Test opportunity inserted", zap.String("dataset", datasetID), zap.String("opportunity_id", opp.ID))
	return e.testResult(models.JSONResponse(http.StatusCreated, models.ContentTypeBooking, opp))
}

func (e *Engine) parseTestOpportunity(body string) (*models.Opportunity, error) {
	var opp models.Opportunity
	if err := json.Unmarshal([]byte(body), &opp); err != nil {
		return nil, bookingerr.Wrap(bookingerr.CodeInvalidAPIRequest, "invalid opportunity", err)
	}
	var extra testOpportunity
	if err := json.Unmarshal([]byte(body), &extra); err != nil {
		return nil, bookingerr.Wrap(bookingerr.CodeInvalidAPIRequest, "invalid opportunity", err)
	}

	kind, ok := e.ids.KindOf(opp.ID)
	if !ok {
		return nil, bookingerr.Newf(bookingerr.CodeInvalidAPIRequest, "%s is not a recognised opportunity id", opp.ID)
	}
	if opp.Type == "" {
		opp.Type = kind
	}
	if opp.Type != kind {
		return nil, bookingerr.Newf(bookingerr.CodeInvalidAPIRequest, "%s is a %s, not a %s", opp.ID, kind, opp.Type)
	}
	if len(opp.Offers) == 0 {
		return nil, bookingerr.New(bookingerr.CodeInvalidAPIRequest, "an opportunity needs at least one offer")
	}
	for i, offer := range opp.Offers {
		if offer == nil {
			return nil, bookingerr.New(bookingerr.CodeInvalidAPIRequest, "offers must not be null")
		}
		if _, ok := e.ids.Resolve(opp.ID, offer.ID); !ok {
			return nil, bookingerr.Newf(bookingerr.CodeInvalidAPIRequest, "%s is not an offer of %s", offer.ID, opp.ID)
		}
		if i < len(extra.Offers) {
			offer.TaxRate = extra.Offers[i].TaxRate
		}
	}
	if opp.Capacity < 0 {
		return nil, bookingerr.New(bookingerr.CodeInvalidAPIRequest, "maximumAttendeeCapacity must not be negative")
	}
	opp.AttendeeDetailsRequired = extra.AttendeeDetailsRequired
	opp.IntakeForm = extra.IntakeForm
	return &opp, nil
}

// DeleteTestDataset tombstones every opportunity in a dataset.
func (e *Engine) DeleteTestDataset(ctx context.Context, datasetID string) (*models.Response, error) {
	ctx, span := util.StartSpan(ctx, "Engine.DeleteTestDataset", attribute.String("dataset.id", datasetID))
	defer span.End()

	n, err := e.store.DeleteTestDataset(ctx, datasetID)
	if err != nil {
		return e.testResult(nil, err)
	}
	e.logger.Info("Test dataset deleted", zap.String("dataset", datasetID), zap.Int("opportunities", n))
	return models.NoContent(), nil
}

type testAction struct {
	Type   models.SellerAction `json:"@type"`
	Object struct {
		Type models.OrderType `json:"@type"`
		ID   string           `json:"@id"`
	} `json:"object"`
}

// TriggerTestAction simulates a seller action on one of the client's orders.
func (e *Engine) TriggerTestAction(ctx context.Context, clientID, body string) (*models.Response, error) {
	ctx, span := util.StartSpan(ctx, "Engine.TriggerTestAction", attribute.String("client.id", clientID))
	defer span.End()

	var action testAction
	if err := json.Unmarshal([]byte(body), &action); err != nil {
		return e.testResult(nil, bookingerr.Wrap(bookingerr.CodeInvalidAPIRequest, "invalid test action", err))
	}
	if !action.Type.Valid() {
		return e.testResult(nil, bookingerr.Newf(bookingerr.CodeUnknownTestAction, "unknown action %s", action.Type))
	}
	orderID, ok := e.orderUUID(action.Object.ID)
	if !ok {
		return e.testResult(nil, bookingerr.Newf(bookingerr.CodeUnknownOrder, "%s is not an order id", action.Object.ID))
	}
	if _, err := e.ApplySellerAction(ctx, clientID, orderID, action.Type); err != nil {
		return e.testResult(nil, err)
	}
	return models.NoContent(), nil
}

// ApplySellerAction applies a seller action to an order, serialized with
// checkout requests for the same order.
func (e *Engine) ApplySellerAction(ctx context.Context, clientID, orderID string, action models.SellerAction) (*models.Order, error) {
	logger := e.logger.With(zap.String("client_id", clientID), zap.String("order_id", orderID), zap.String("action", string(action)))

	release, err := e.acquire(ctx, clientID, orderID)
	if err != nil {
		util.SellerActionsTotal.WithLabelValues(string(action), "cancelled").Inc()
		return nil, err
	}
	defer release()

	order, err := e.store.ApplySellerAction(ctx, clientID, orderID, action, e.clock.Now())
	if err != nil {
		util.SellerActionsTotal.WithLabelValues(string(action), "rejected").Inc()
		logger.Info("Seller action rejected", zap.Error(err))
		return nil, err
	}
	util.SellerActionsTotal.WithLabelValues(string(action), "success").Inc()
	logger.Info("Seller action applied")

	eventType := models.EventTypeOrderUpdated
	if order.Type == models.OrderTypeProposal {
		eventType = models.EventTypeProposalUpdated
	}
	e.notify(ctx, request{clientID: clientID, uuid: orderID, stage: models.StageUpdate}, order.Type, eventType)
	return order, nil
}

func (e *Engine) testResult(resp *models.Response, err error) (*models.Response, error) {
	if err == nil {
		return resp, nil
	}
	if de, ok := bookingerr.AsDomain(err); ok {
		return errorResponse(de), nil
	}
	e.logger.Error("Test interface request failed", zap.Error(err))
	return nil, err
}

// ReleaseExpiredLeases drops leases that have expired.
func (e *Engine) ReleaseExpiredLeases(ctx context.Context) (int, error) {
	n, err := e.store.ReleaseExpiredLeases(ctx, e.clock.Now())
	if err != nil {
		return 0, err
	}
	util.LeasesReapedTotal.Add(float64(n))
	return n, nil
}
