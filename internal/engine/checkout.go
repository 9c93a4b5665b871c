package engine

import (
	"context"
	"net/http"

	"openbooking/internal/bookingerr"
	"openbooking/internal/calc"
	"openbooking/internal/models"
	"openbooking/internal/store"
	"openbooking/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

func newID() string {
	return uuid.New().String()
}

func (e *Engine) spanAttrs(r request) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("client.id", r.clientID),
		attribute.String("order.uuid", r.uuid),
		attribute.String("order.stage", string(r.stage)),
	}
}

// ProcessCheckpoint1 validates a proposed order without holding capacity.
// It takes no lock and is never cached.
func (e *Engine) ProcessCheckpoint1(ctx context.Context, clientID, sellerID, orderID, body string) (*models.Response, error) {
	r := request{clientID: clientID, sellerID: sellerID, uuid: orderID, orderType: models.OrderTypeQuote, stage: models.StageC1, body: body}
	ctx, span := util.StartSpan(ctx, "Engine.ProcessCheckpoint1", e.spanAttrs(r)...)
	defer span.End()

	resp, err := e.quote(ctx, r)
	return e.result(r, resp, err)
}

// ProcessCheckpoint2 fully validates a proposed order and, when it can be
// booked, creates or extends its lease. It is never replayed from the
// idempotency cache, so every retry refreshes the lease.
func (e *Engine) ProcessCheckpoint2(ctx context.Context, clientID, sellerID, orderID, body string) (*models.Response, error) {
	r := request{clientID: clientID, sellerID: sellerID, uuid: orderID, orderType: models.OrderTypeQuote, stage: models.StageC2, body: body}
	ctx, span := util.StartSpan(ctx, "Engine.ProcessCheckpoint2", e.spanAttrs(r)...)
	defer span.End()

	return e.mutate(ctx, r, false, func(ctx context.Context) (*models.Response, error) {
		return e.quote(ctx, r)
	})
}

// ProcessOrderCreationB books an order, or books a seller-accepted proposal
// when the body carries its orderProposalVersion.
func (e *Engine) ProcessOrderCreationB(ctx context.Context, clientID, sellerID, orderID, body string) (*models.Response, error) {
	r := request{clientID: clientID, sellerID: sellerID, uuid: orderID, orderType: models.OrderTypeOrder, stage: models.StageB, body: body}
	ctx, span := util.StartSpan(ctx, "Engine.ProcessOrderCreationB", e.spanAttrs(r)...)
	defer span.End()

	return e.mutate(ctx, r, true, func(ctx context.Context) (*models.Response, error) {
		return e.book(ctx, r)
	})
}

// ProcessOrderProposalCreationP holds capacity for an order awaiting seller approval.
func (e *Engine) ProcessOrderProposalCreationP(ctx context.Context, clientID, sellerID, orderID, body string) (*models.Response, error) {
	r := request{clientID: clientID, sellerID: sellerID, uuid: orderID, orderType: models.OrderTypeProposal, stage: models.StageP, body: body}
	ctx, span := util.StartSpan(ctx, "Engine.ProcessOrderProposalCreationP", e.spanAttrs(r)...)
	defer span.End()

	return e.mutate(ctx, r, true, func(ctx context.Context) (*models.Response, error) {
		return e.propose(ctx, r)
	})
}

func (e *Engine) parse(r request, expected models.OrderType) (*models.OrderRequest, error) {
	req, err := models.ParseOrderRequest(r.body)
	if err != nil {
		return nil, bookingerr.Wrap(bookingerr.CodeInvalidAPIRequest, err.Error(), err)
	}
	if req.Type != expected {
		return nil, bookingerr.Newf(bookingerr.CodeInvalidAPIRequest, "@type must be %s", expected)
	}
	return req, nil
}

// kindItems are the items of an order served by one opportunity store.
type kindItems struct {
	kind  models.OpportunityKind
	items []*models.OrderItem
}

// build resolves the requested items to their opportunity kinds, fetches
// them from the store, and validates and prices the order.
func (e *Engine) build(ctx context.Context, r request, req *models.OrderRequest, flow store.FlowContext) (*models.Order, []kindItems, error) {
	if len(req.OrderedItems) == 0 {
		return nil, nil, bookingerr.New(bookingerr.CodeInvalidAPIRequest, "orderedItem must not be empty")
	}
	seller := req.Seller
	if seller == "" {
		seller = r.sellerID
	}
	if r.sellerID != "" && seller != r.sellerID {
		return nil, nil, bookingerr.New(bookingerr.CodeSellerMismatch, "the order seller does not match the authenticated seller")
	}

	order := &models.Order{
		UUID:     r.uuid,
		ClientID: r.clientID,
		Seller:   seller,
		Customer: req.Customer,
		Payment:  req.Payment,
	}
	var groups []kindItems
	index := make(map[models.OpportunityKind]int)
	for i, ir := range req.OrderedItems {
		item := &models.OrderItem{
			Type:                        "OrderItem",
			Position:                    ir.PositionOr(i),
			OrderedItem:                 &models.OpportunitySummary{ID: ir.OrderedItem},
			AcceptedOffer:               &models.Offer{ID: ir.AcceptedOffer},
			Attendee:                    ir.Attendee,
			OrderItemIntakeFormResponse: ir.OrderItemIntakeFormResponse,
		}
		order.OrderedItems = append(order.OrderedItems, item)

		c, ok := e.ids.Resolve(ir.OrderedItem, ir.AcceptedOffer)
		if !ok {
			item.AddError(bookingerr.CodeOpportunityOfferPairNotBookable, "the orderedItem and acceptedOffer do not identify a bookable pair")
			continue
		}
		n, seen := index[c.Kind]
		if !seen {
			n = len(groups)
			index[c.Kind] = n
			groups = append(groups, kindItems{kind: c.Kind})
		}
		groups[n].items = append(groups[n].items, item)
	}

	for _, g := range groups {
		opps, err := e.store.Opportunities(g.kind)
		if err != nil {
			return nil, nil, err
		}
		if err := opps.GetOrderItems(ctx, flow, g.items); err != nil {
			return nil, nil, err
		}
	}

	for _, item := range order.OrderedItems {
		if item.SellerID == "" {
			continue
		}
		if order.Seller == "" {
			order.Seller = item.SellerID
		}
		if item.SellerID != order.Seller {
			return nil, nil, bookingerr.Newf(bookingerr.CodeSellerMismatch, "%s is not sold by %s", item.OrderedItem.ID, order.Seller)
		}
	}

	for _, item := range order.OrderedItems {
		if !item.AcceptedOffer.RequiresApproval() {
			continue
		}
		order.OrderRequiresApproval = true
		if r.stage == models.StageB && !item.HasErrors() {
			item.AddError(bookingerr.CodeUnableToProcessOrderItem, "the offer requires seller approval and must be booked through an order proposal")
		}
	}

	if err := calc.ValidateCustomer(order, r.stage); err != nil {
		return nil, nil, err
	}
	calc.ValidateDetails(order.OrderedItems, r.stage)
	if err := e.calc.Augment(order); err != nil {
		return nil, nil, err
	}
	return order, groups, nil
}

// inTransaction runs fn in a transaction for stage, rolling back when fn fails.
func (e *Engine) inTransaction(ctx context.Context, stage models.FlowStage, fn func(tx store.OrderTransaction) error) error {
	tx, err := e.store.BeginOrderTransaction(ctx, stage)
	if err != nil {
		return err
	}
	if tx == nil {
		return bookingerr.Internal(bookingerr.InternalStoreContract, "no transaction for stage %s", stage)
	}
	if err := fn(tx); err != nil {
		return e.rollback(tx, err)
	}
	return tx.Commit()
}

// hold writes capacity holds for every group of items.
func hold(ctx context.Context, tx store.OrderTransaction, flow store.FlowContext, groups []kindItems, h store.Hold) error {
	for _, g := range groups {
		opps, err := tx.Opportunities(g.kind)
		if err != nil {
			return err
		}
		switch h {
		case store.HoldLease:
			err = opps.LeaseOrderItems(ctx, flow, g.items)
		case store.HoldProposal:
			err = opps.ProposeOrderItems(ctx, flow, g.items)
		default:
			err = opps.BookOrderItems(ctx, flow, g.items)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// conflict reports whether err is a domain error explained by the item
// errors now attached to order.
func conflict(order *models.Order, err error) bool {
	_, ok := bookingerr.AsDomain(err)
	return ok && order.HasItemErrors()
}

func (e *Engine) quote(ctx context.Context, r request) (*models.Response, error) {
	req, err := e.parse(r, models.OrderTypeQuote)
	if err != nil {
		return nil, err
	}
	flow := r.flow(e.clock.Now(), e.cfg.LeaseTTL)
	order, groups, err := e.build(ctx, r, req, flow)
	if err != nil {
		return nil, err
	}

	if r.stage == models.StageC2 && e.cfg.LeasingEnabled && !order.HasItemErrors() {
		order.Lease = &models.Lease{Type: "Lease", LeaseExpires: models.NewTimeStamp(flow.LeaseExpires)}
		err := e.inTransaction(ctx, r.stage, func(tx store.OrderTransaction) error {
			if err := hold(ctx, tx, flow, groups, store.HoldLease); err != nil {
				return err
			}
			return tx.CreateLease(ctx, flow, order)
		})
		if err != nil {
			if !conflict(order, err) {
				return nil, err
			}
			order.Lease = nil
			if err := e.calc.Augment(order); err != nil {
				return nil, err
			}
		}
	}

	status := http.StatusOK
	if order.HasItemErrors() {
		status = http.StatusConflict
	}
	return e.respond(status, order, models.OrderTypeQuote)
}

// assignItemIDs gives every item an id under the order's url.
func (e *Engine) assignItemIDs(order *models.Order) {
	base := e.OrderURL(models.OrderTypeOrder, order.UUID)
	for _, item := range order.OrderedItems {
		item.ID = base + "#/orderedItems/" + newID()
	}
}

func (e *Engine) book(ctx context.Context, r request) (*models.Response, error) {
	req, err := e.parse(r, models.OrderTypeOrder)
	if err != nil {
		return nil, err
	}
	flow := r.flow(e.clock.Now(), e.cfg.LeaseTTL)
	if req.OrderProposalVersion != "" {
		return e.bookProposal(ctx, r, flow, req)
	}

	order, groups, err := e.build(ctx, r, req, flow)
	if err != nil {
		return nil, err
	}
	if order.HasItemErrors() {
		return e.respond(http.StatusConflict, order, models.OrderTypeOrder)
	}
	if err := calc.CheckTotalPaymentDue(order, req.TotalPaymentDue); err != nil {
		return nil, err
	}
	if err := calc.CheckPayment(order, req.Payment); err != nil {
		return nil, err
	}

	e.assignItemIDs(order)
	err = e.inTransaction(ctx, r.stage, func(tx store.OrderTransaction) error {
		if err := hold(ctx, tx, flow, groups, store.HoldBooking); err != nil {
			return err
		}
		for _, item := range order.OrderedItems {
			item.OrderItemStatus = models.OrderItemStatusConfirmed
		}
		return tx.CreateOrder(ctx, flow, order)
	})
	if err != nil {
		if conflict(order, err) {
			return e.respond(http.StatusConflict, order, models.OrderTypeOrder)
		}
		return nil, err
	}

	e.logger.Info("Order booked", util.OrderFields(r.clientID, r.uuid, string(r.stage))...)
	e.notify(ctx, r, models.OrderTypeOrder, models.EventTypeOrderBooked)
	return e.respond(http.StatusCreated, order, models.OrderTypeOrder)
}

func (e *Engine) bookProposal(ctx context.Context, r request, flow store.FlowContext, req *models.OrderRequest) (*models.Response, error) {
	var order *models.Order
	err := e.inTransaction(ctx, r.stage, func(tx store.OrderTransaction) error {
		o, err := tx.CreateOrderFromOrderProposal(ctx, flow, req.OrderProposalVersion)
		if err != nil {
			return err
		}
		if req.TotalPaymentDue != nil {
			if err := calc.CheckTotalPaymentDue(o, req.TotalPaymentDue); err != nil {
				return err
			}
		}
		if err := calc.CheckPayment(o, req.Payment); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Order booked from proposal", util.OrderFields(r.clientID, r.uuid, string(r.stage))...)
	e.notify(ctx, r, models.OrderTypeOrder, models.EventTypeOrderBooked)
	return e.respond(http.StatusCreated, order, models.OrderTypeOrder)
}

func (e *Engine) propose(ctx context.Context, r request) (*models.Response, error) {
	req, err := e.parse(r, models.OrderTypeProposal)
	if err != nil {
		return nil, err
	}
	flow := r.flow(e.clock.Now(), e.cfg.LeaseTTL)
	order, groups, err := e.build(ctx, r, req, flow)
	if err != nil {
		return nil, err
	}
	if order.HasItemErrors() {
		return e.respond(http.StatusConflict, order, models.OrderTypeProposal)
	}
	if err := calc.CheckTotalPaymentDue(order, req.TotalPaymentDue); err != nil {
		return nil, err
	}

	e.assignItemIDs(order)
	order.OrderProposalVersion = e.OrderURL(models.OrderTypeProposal, r.uuid) + "/versions/" + newID()
	order.OrderProposalStatus = models.ProposalAwaitingSellerApproval
	err = e.inTransaction(ctx, r.stage, func(tx store.OrderTransaction) error {
		if err := hold(ctx, tx, flow, groups, store.HoldProposal); err != nil {
			return err
		}
		return tx.CreateOrderProposal(ctx, flow, order)
	})
	if err != nil {
		if conflict(order, err) {
			return e.respond(http.StatusConflict, order, models.OrderTypeProposal)
		}
		return nil, err
	}

	e.logger.Info("Order proposal created", util.OrderFields(r.clientID, r.uuid, string(r.stage))...)
	e.notify(ctx, r, models.OrderTypeProposal, models.EventTypeOrderProposed)
	return e.respond(http.StatusCreated, order, models.OrderTypeProposal)
}
