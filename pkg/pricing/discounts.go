package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DiscountKind is the closed set of discount sources.
type DiscountKind string

const (
	DiscountWeekly    DiscountKind = "weekly"
	DiscountMonthly   DiscountKind = "monthly"
	DiscountEarlyBird DiscountKind = "early_bird"
	DiscountCoupon    DiscountKind = "coupon"
)

const (
	weeklyRentalHours  = 7 * hoursPerDay
	monthlyRentalHours = 30 * hoursPerDay
)

// ParseDiscountKind validates a discount kind.
func ParseDiscountKind(raw string) (DiscountKind, error) {
	kind := DiscountKind(raw)
	switch kind {
	case DiscountWeekly, DiscountMonthly, DiscountEarlyBird, DiscountCoupon:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidDiscount, raw)
	}
}

// Discount is a fractional reduction, 0.10 meaning 10%.
type Discount struct {
	Kind DiscountKind    `json:"kind"`
	Code string          `json:"code,omitempty"`
	Rate decimal.Decimal `json:"rate"`
}

// DiscountResult is the outcome of stacking discounts on a final price.
type DiscountResult struct {
	SubtotalCents int64           `json:"subtotal_cents"`
	Applied       []Discount      `json:"applied"`
	RequestedRate decimal.Decimal `json:"requested_rate"`
	AppliedRate   decimal.Decimal `json:"applied_rate"`
	DiscountCents int64           `json:"discount_cents"`
	TotalCents    int64           `json:"total_cents"`
	Capped        bool            `json:"capped"`
}

// ApplyDiscounts adds the discount rates together, caps the sum once at maxCombined and
// applies it to subtotalCents. A monthly discount supersedes a weekly one.
func ApplyDiscounts(subtotalCents int64, discounts []Discount, maxCombined decimal.Decimal) (DiscountResult, error) {
	if subtotalCents < 0 {
		return DiscountResult{}, fmt.Errorf("%w: negative subtotal", ErrInvalidDiscount)
	}
	if maxCombined.IsNegative() || maxCombined.GreaterThan(decimal.NewFromInt(1)) {
		return DiscountResult{}, fmt.Errorf("%w: cap must be within [0,1]", ErrInvalidDiscount)
	}
	hasMonthly := false
	for _, discount := range discounts {
		if discount.Kind == DiscountMonthly {
			hasMonthly = true
		}
	}
	applied := make([]Discount, 0, len(discounts))
	requested := decimal.Zero
	for _, discount := range discounts {
		if _, err := ParseDiscountKind(string(discount.Kind)); err != nil {
			return DiscountResult{}, err
		}
		if discount.Rate.IsNegative() || discount.Rate.GreaterThan(decimal.NewFromInt(1)) {
			return DiscountResult{}, fmt.Errorf("%w: %s rate %s", ErrInvalidDiscount, discount.Kind, discount.Rate)
		}
		if discount.Rate.IsZero() || (discount.Kind == DiscountWeekly && hasMonthly) {
			continue
		}
		applied = append(applied, discount)
		requested = requested.Add(discount.Rate)
	}
	rate := requested
	capped := false
	if rate.GreaterThan(maxCombined) {
		rate = maxCombined
		capped = true
	}
	discountCents := decimal.NewFromInt(subtotalCents).Mul(rate).RoundBank(0).IntPart()
	return DiscountResult{
		SubtotalCents: subtotalCents,
		Applied:       applied,
		RequestedRate: requested,
		AppliedRate:   rate,
		DiscountCents: discountCents,
		TotalCents:    subtotalCents - discountCents,
		Capped:        capped,
	}, nil
}

// automaticDiscounts derives the duration and early-bird discounts of a rental.
func automaticDiscounts(policy DiscountPolicy, rentalHours int, leadSeconds int64) []Discount {
	var discounts []Discount
	switch {
	case rentalHours >= monthlyRentalHours && policy.MonthlyRate.IsPositive():
		discounts = append(discounts, Discount{Kind: DiscountMonthly, Rate: policy.MonthlyRate})
	case rentalHours >= weeklyRentalHours && policy.WeeklyRate.IsPositive():
		discounts = append(discounts, Discount{Kind: DiscountWeekly, Rate: policy.WeeklyRate})
	}
	if policy.EarlyBirdLeadSeconds > 0 && leadSeconds >= policy.EarlyBirdLeadSeconds && policy.EarlyBirdRate.IsPositive() {
		discounts = append(discounts, Discount{Kind: DiscountEarlyBird, Rate: policy.EarlyBirdRate})
	}
	return discounts
}
