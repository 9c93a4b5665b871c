package calc

import (
	"openbooking/internal/bookingerr"
	"openbooking/internal/models"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of decimal places money is rounded to.
const MoneyPlaces = 2

// UnitTax returns the tax carried by one unit at price. In gross mode the price
// already includes tax and the tax is extracted from it; in net mode tax is
// charged on top.
func UnitTax(price, rate decimal.Decimal, mode models.TaxMode) decimal.Decimal {
	if rate.IsZero() || price.IsZero() {
		return decimal.Zero
	}
	if mode == models.TaxModeNet {
		return price.Mul(rate).RoundBank(MoneyPlaces)
	}
	net := price.Div(decimal.NewFromInt(1).Add(rate))
	return price.Sub(net).RoundBank(MoneyPlaces)
}

// SumTax adds two tax specifications for the same tax. Specifications that
// differ in name, rate, identifier or currency cannot be summed.
func SumTax(a, b models.TaxChargeSpecification) (models.TaxChargeSpecification, error) {
	switch {
	case a.Name != b.Name:
		return a, bookingerr.Internal(bookingerr.InternalTaxSummation, "cannot sum tax %q with tax %q", a.Name, b.Name)
	case !a.Rate.Equal(b.Rate):
		return a, bookingerr.Internal(bookingerr.InternalTaxSummation, "tax %q has rates %s and %s", a.Name, a.Rate, b.Rate)
	case a.Identifier != b.Identifier:
		return a, bookingerr.Internal(bookingerr.InternalTaxSummation, "tax %q has identifiers %q and %q", a.Name, a.Identifier, b.Identifier)
	case a.PriceCurrency != b.PriceCurrency:
		return a, bookingerr.Internal(bookingerr.InternalTaxSummation, "tax %q has currencies %s and %s", a.Name, a.PriceCurrency, b.PriceCurrency)
	}
	sum := a
	sum.Price = a.Price.Add(b.Price)
	return sum, nil
}

// AggregateTaxes sums the unit tax specifications of the given items by tax
// name, in order of first appearance. Errored items are skipped.
func AggregateTaxes(items []*models.OrderItem) ([]models.TaxChargeSpecification, error) {
	var totals []models.TaxChargeSpecification
	index := make(map[string]int)

	for _, item := range items {
		if item.HasErrors() {
			continue
		}
		for _, spec := range item.UnitTaxSpecification {
			i, seen := index[spec.Name]
			if !seen {
				index[spec.Name] = len(totals)
				totals = append(totals, spec)
				continue
			}
			sum, err := SumTax(totals[i], spec)
			if err != nil {
				return nil, err
			}
			totals[i] = sum
		}
	}
	return totals, nil
}
