package engine

import (
	"context"
	"net/http"

	"openbooking/internal/bookingerr"
	"openbooking/internal/models"
	"openbooking/internal/store"
	"openbooking/internal/util"
)

// ProcessOrderUpdate applies a customer cancellation to items of a booked order.
func (e *Engine) ProcessOrderUpdate(ctx context.Context, clientID, sellerID, orderID, body string) (*models.Response, error) {
	r := request{clientID: clientID, sellerID: sellerID, uuid: orderID, orderType: models.OrderTypeOrder, stage: models.StageUpdate, body: body}
	ctx, span := util.StartSpan(ctx, "Engine.ProcessOrderUpdate", e.spanAttrs(r)...)
	defer span.End()

	return e.mutate(ctx, r, true, func(ctx context.Context) (*models.Response, error) {
		req, err := e.parse(r, models.OrderTypeOrder)
		if err != nil {
			return nil, err
		}
		itemIDs, err := cancellationPatch(req)
		if err != nil {
			return nil, err
		}

		flow := r.flow(e.clock.Now(), 0)
		err = e.inTransaction(ctx, r.stage, func(tx store.OrderTransaction) error {
			_, err := tx.CustomerCancelOrderItems(ctx, flow, itemIDs)
			return err
		})
		if err != nil {
			return nil, err
		}
		e.logger.Info("Order items cancelled", util.OrderFields(r.clientID, r.uuid, string(r.stage))...)
		e.notify(ctx, r, models.OrderTypeOrder, models.EventTypeOrderCancelled)
		return models.NoContent(), nil
	})
}

// cancellationPatch returns the items a patch cancels. Only orderItemStatus
// may be patched, and only to CustomerCancelled.
func cancellationPatch(req *models.OrderRequest) ([]string, error) {
	if req.Seller != "" || req.Customer != nil || req.TotalPaymentDue != nil || req.Payment != nil ||
		req.OrderProposalVersion != "" || req.OrderProposalStatus != "" {
		return nil, bookingerr.New(bookingerr.CodePatchNotAllowed, "only orderedItem.orderItemStatus may be updated")
	}
	if len(req.OrderedItems) == 0 {
		return nil, bookingerr.New(bookingerr.CodePatchNotAllowed, "the patch must cancel at least one order item")
	}
	ids := make([]string, 0, len(req.OrderedItems))
	for _, item := range req.OrderedItems {
		if item.OrderedItem != "" || item.AcceptedOffer != "" || item.Attendee != nil || item.OrderItemIntakeFormResponse != nil {
			return nil, bookingerr.New(bookingerr.CodePatchNotAllowed, "only orderedItem.orderItemStatus may be updated")
		}
		if item.OrderItemStatus != models.OrderItemStatusCustomerCancelled {
			return nil, bookingerr.New(bookingerr.CodePatchNotAllowed, "orderItemStatus may only be set to CustomerCancelled")
		}
		if item.ID == "" {
			return nil, bookingerr.New(bookingerr.CodeOrderItemIdentifierInvalid, "every cancelled order item must carry its @id")
		}
		ids = append(ids, item.ID)
	}
	return ids, nil
}

// ProcessOrderProposalUpdate records the customer's rejection of a proposal.
func (e *Engine) ProcessOrderProposalUpdate(ctx context.Context, clientID, sellerID, orderID, body string) (*models.Response, error) {
	r := request{clientID: clientID, sellerID: sellerID, uuid: orderID, orderType: models.OrderTypeProposal, stage: models.StageUpdate, body: body}
	ctx, span := util.StartSpan(ctx, "Engine.ProcessOrderProposalUpdate", e.spanAttrs(r)...)
	defer span.End()

	return e.mutate(ctx, r, true, func(ctx context.Context) (*models.Response, error) {
		req, err := e.parse(r, models.OrderTypeProposal)
		if err != nil {
			return nil, err
		}
		if req.OrderProposalStatus != models.ProposalCustomerRejected || len(req.OrderedItems) > 0 ||
			req.Customer != nil || req.Payment != nil || req.TotalPaymentDue != nil {
			return nil, bookingerr.New(bookingerr.CodePatchNotAllowed, "orderProposalStatus may only be set to CustomerRejected")
		}

		flow := r.flow(e.clock.Now(), 0)
		err = e.inTransaction(ctx, r.stage, func(tx store.OrderTransaction) error {
			_, err := tx.RejectOrderProposal(ctx, flow)
			return err
		})
		if err != nil {
			return nil, err
		}
		e.notify(ctx, r, models.OrderTypeProposal, models.EventTypeProposalUpdated)
		return models.NoContent(), nil
	})
}

// DeleteOrder deletes an order and any proposal it came from. It answers 204
// when the order existed and UnknownOrder otherwise, so it is not cached.
func (e *Engine) DeleteOrder(ctx context.Context, clientID, sellerID, orderID string) (*models.Response, error) {
	r := request{clientID: clientID, sellerID: sellerID, uuid: orderID, orderType: models.OrderTypeOrder, stage: models.StageDelete}
	ctx, span := util.StartSpan(ctx, "Engine.DeleteOrder", e.spanAttrs(r)...)
	defer span.End()

	return e.mutate(ctx, r, false, func(ctx context.Context) (*models.Response, error) {
		existed, err := e.store.DeleteOrder(ctx, r.flow(e.clock.Now(), 0))
		if err != nil {
			return nil, err
		}
		if !existed {
			return nil, bookingerr.New(bookingerr.CodeUnknownOrder, "no order with this id")
		}
		e.notify(ctx, r, models.OrderTypeOrder, models.EventTypeOrderDeleted)
		return models.NoContent(), nil
	})
}

// DeleteOrderQuote deletes a quote and releases its lease. It succeeds whether
// or not the quote existed.
func (e *Engine) DeleteOrderQuote(ctx context.Context, clientID, sellerID, orderID string) (*models.Response, error) {
	r := request{clientID: clientID, sellerID: sellerID, uuid: orderID, orderType: models.OrderTypeQuote, stage: models.StageDelete}
	ctx, span := util.StartSpan(ctx, "Engine.DeleteOrderQuote", e.spanAttrs(r)...)
	defer span.End()

	return e.mutate(ctx, r, false, func(ctx context.Context) (*models.Response, error) {
		if _, err := e.store.DeleteLease(ctx, r.flow(e.clock.Now(), 0)); err != nil {
			return nil, err
		}
		return models.NoContent(), nil
	})
}

// GetOrderStatus returns the current state of an order or proposal.
func (e *Engine) GetOrderStatus(ctx context.Context, clientID, orderID string) (*models.Response, error) {
	r := request{clientID: clientID, uuid: orderID, orderType: models.OrderTypeOrder, stage: "Status"}
	ctx, span := util.StartSpan(ctx, "Engine.GetOrderStatus", e.spanAttrs(r)...)
	defer span.End()

	order, err := e.store.GetOrder(ctx, clientID, orderID)
	if err != nil {
		return e.result(r, nil, err)
	}
	resp, err := e.respond(http.StatusOK, order, order.Type)
	return e.result(r, resp, err)
}
