// Package calc computes order totals, taxes and prepayment, and validates the
// customer and attendee details a checkout stage requires.
package calc

import (
	"openbooking/internal/bookingerr"
	"openbooking/internal/models"

	"github.com/shopspring/decimal"
)

// Settings controls how taxes are reported.
type Settings struct {
	TaxMode       models.TaxMode
	TaxName       string
	TaxIdentifier string
	// Tax calculation can be switched off per relationship. When off, tax
	// fields are omitted and TaxCalculationExcluded is set.
	IncludeTaxB2C bool
	IncludeTaxB2B bool
}

// DefaultSettings reports VAT in gross mode for both relationships.
func DefaultSettings() Settings {
	return Settings{
		TaxMode:       models.TaxModeGross,
		TaxName:       "VAT",
		IncludeTaxB2C: true,
		IncludeTaxB2B: true,
	}
}

type Calculator struct {
	settings Settings
}

func NewCalculator(settings Settings) *Calculator {
	if settings.TaxMode == "" {
		settings.TaxMode = models.TaxModeGross
	}
	if settings.TaxName == "" {
		settings.TaxName = "VAT"
	}
	return &Calculator{settings: settings}
}

// TaxIncluded reports whether tax is calculated for the relationship.
func (c *Calculator) TaxIncluded(rel models.Relationship) bool {
	if rel == models.BusinessToBusiness {
		return c.settings.IncludeTaxB2B
	}
	return c.settings.IncludeTaxB2C
}

// Augment fills in unit taxes, order taxes, the total payable and its
// prepayment requirement. It fails only on internal errors: items quoting
// different currencies, or tax specifications that cannot be summed.
func (c *Calculator) Augment(order *models.Order) error {
	currency, err := orderCurrency(order.OrderedItems)
	if err != nil {
		return err
	}

	included := c.TaxIncluded(order.Customer.Relationship())
	for _, item := range order.OrderedItems {
		item.UnitTaxSpecification = nil
		if included && !item.HasErrors() {
			item.UnitTaxSpecification = c.unitTax(item.AcceptedOffer)
		}
	}

	total := decimal.Zero
	for _, item := range order.OrderedItems {
		if item.HasErrors() || item.AcceptedOffer == nil {
			continue
		}
		total = total.Add(item.AcceptedOffer.Price)
	}

	order.TaxCalculationExcluded = !included
	order.TotalPaymentTax = nil
	if included {
		taxes, err := AggregateTaxes(order.OrderedItems)
		if err != nil {
			return err
		}
		order.TotalPaymentTax = taxes
		if c.settings.TaxMode == models.TaxModeNet {
			for _, t := range taxes {
				total = total.Add(t.Price)
			}
		}
	}

	order.TotalPaymentDue = &models.PriceSpecification{
		Type:          "PriceSpecification",
		Price:         total.RoundBank(MoneyPlaces),
		PriceCurrency: currency,
		Prepayment:    RollUpPrepayment(order.OrderedItems),
	}
	return nil
}

func (c *Calculator) unitTax(offer *models.Offer) []models.TaxChargeSpecification {
	if offer == nil || offer.TaxRate.IsZero() {
		return nil
	}
	return []models.TaxChargeSpecification{{
		Type:          "TaxChargeSpecification",
		Name:          c.settings.TaxName,
		Price:         UnitTax(offer.Price, offer.TaxRate, c.settings.TaxMode),
		PriceCurrency: offer.PriceCurrency,
		Rate:          offer.TaxRate,
		Identifier:    c.settings.TaxIdentifier,
	}}
}

func orderCurrency(items []*models.OrderItem) (string, error) {
	currency := ""
	for _, item := range items {
		if item.AcceptedOffer == nil || item.AcceptedOffer.PriceCurrency == "" {
			continue
		}
		c := item.AcceptedOffer.PriceCurrency
		if currency == "" {
			currency = c
			continue
		}
		if c != currency {
			return "", bookingerr.Internal(bookingerr.InternalCurrencyMismatch,
				"order items are priced in both %s and %s", currency, c)
		}
	}
	return currency, nil
}

// CheckTotalPaymentDue compares the broker's expected total with the computed one.
func CheckTotalPaymentDue(order *models.Order, expected *models.PriceSpecification) error {
	if expected == nil || order.TotalPaymentDue == nil {
		return bookingerr.New(bookingerr.CodeTotalPaymentDueMismatch, "totalPaymentDue must be supplied")
	}
	computed := order.TotalPaymentDue
	if expected.PriceCurrency != computed.PriceCurrency && computed.PriceCurrency != "" {
		return bookingerr.WithMetadata(bookingerr.CodeCurrencyMismatch,
			"totalPaymentDue currency does not match the order",
			map[string]string{"expected": computed.PriceCurrency, "actual": expected.PriceCurrency})
	}
	if !expected.Price.Equal(computed.Price) {
		return bookingerr.WithMetadata(bookingerr.CodeTotalPaymentDueMismatch,
			"totalPaymentDue does not match the calculated total",
			map[string]string{"expected": computed.Price.StringFixed(MoneyPlaces), "actual": expected.Price.StringFixed(MoneyPlaces)})
	}
	return nil
}

// CheckPayment requires payment details when money is taken at booking time.
func CheckPayment(order *models.Order, payment *models.Payment) error {
	due := order.TotalPaymentDue
	if due == nil || !due.Price.IsPositive() || due.Prepayment != models.PrepaymentRequired {
		return nil
	}
	if payment == nil || payment.Identifier == "" {
		return bookingerr.New(bookingerr.CodeMissingPaymentDetails, "payment.identifier is required when prepayment is required")
	}
	return nil
}
