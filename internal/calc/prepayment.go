package calc

import "openbooking/internal/models"

// effectivePrepayment resolves an item's prepayment requirement. An
// unspecified requirement is implicitly Required for a priced offer and
// treated as free otherwise; free is reported as PrepaymentNone.
func effectivePrepayment(offer *models.Offer) models.PrepaymentRequirement {
	if offer == nil {
		return models.PrepaymentNone
	}
	if offer.Prepayment != nil && *offer.Prepayment != models.PrepaymentNone {
		return *offer.Prepayment
	}
	if offer.Price.IsPositive() {
		return models.PrepaymentRequired
	}
	return models.PrepaymentNone
}

// RollUpPrepayment determines the order-level prepayment requirement from its
// non-errored items.
func RollUpPrepayment(items []*models.OrderItem) models.PrepaymentRequirement {
	var optional, counted bool
	for _, item := range items {
		if item.HasErrors() {
			continue
		}
		counted = true
		switch effectivePrepayment(item.AcceptedOffer) {
		case models.PrepaymentRequired:
			return models.PrepaymentRequired
		case models.PrepaymentOptional:
			optional = true
		}
	}
	switch {
	case !counted:
		return models.PrepaymentNone
	case optional:
		return models.PrepaymentOptional
	default:
		return models.PrepaymentUnavailable
	}
}
