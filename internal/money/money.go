// Package money implements fixed-point arithmetic for charges. All amounts
// are signed counts of the smallest currency unit (pennies); negative values
// are credits.
package money

import (
	"errors"
	"fmt"
	"math"
)

// Pennies is a signed amount in the smallest currency unit.
type Pennies int64

var ErrInvalidPercentages = errors.New("percentages must sum to 100")

// Sum adds amounts. Integer addition only, no drift.
func Sum(amounts ...Pennies) Pennies {
	var total Pennies
	for _, a := range amounts {
		total += a
	}
	return total
}

// Scale multiplies a unit price by a quantity, rounding half-up to the
// nearest penny exactly once at this boundary. Quantities are unit counts
// defined by the product, so this is the only place fractional pennies can
// appear.
func Scale(unitPrice Pennies, quantity float64) Pennies {
	return RoundHalfUp(float64(unitPrice) * quantity)
}

// RoundHalfUp rounds to the nearest penny, halves away from zero.
func RoundHalfUp(raw float64) Pennies {
	if raw < 0 {
		return -Pennies(math.Floor(-raw + 0.5))
	}
	return Pennies(math.Floor(raw + 0.5))
}

// SplitPercent divides a total across percentage allocations. Each share is
// rounded half-up; the final share absorbs the rounding residual so the
// shares always partition the total exactly. Fails unless the percentages
// sum to 100.
func SplitPercent(total Pennies, percents []float64) ([]Pennies, error) {
	if len(percents) == 0 {
		return nil, ErrInvalidPercentages
	}

	var sum float64
	for _, p := range percents {
		if p <= 0 {
			return nil, ErrInvalidPercentages
		}
		sum += p
	}
	if math.Abs(sum-100) > 1e-9 {
		return nil, ErrInvalidPercentages
	}

	shares := make([]Pennies, len(percents))
	var allocated Pennies
	for i, p := range percents[:len(percents)-1] {
		shares[i] = RoundHalfUp(float64(total) * p / 100)
		allocated += shares[i]
	}
	shares[len(shares)-1] = total - allocated
	return shares, nil
}

// Dollars renders pennies as a dollar string for invoices and notifications.
func Dollars(amount Pennies) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s$%d.%02d", sign, amount/100, amount%100)
}
