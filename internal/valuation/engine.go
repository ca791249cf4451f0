// Package valuation turns a condition assessment into a price breakdown.
// Evaluate is pure: the same inputs and parameters always produce the same
// breakdown, down to the decimal representation.
package valuation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/validation"
)

// Input is everything the engine needs besides parameters. BaseKnown is false
// when the catalog had no price for the model; the breakdown is then computed
// from zero and flagged ValueUnknown.
type Input struct {
	Device    domain.DeviceIdentity
	Condition domain.Condition
	Base      decimal.Decimal
	BaseKnown bool
}

var one = decimal.NewFromInt(1)

// Evaluate computes the price breakdown for a condition assessment.
func Evaluate(in Input, p Parameters) (domain.Valuation, error) {
	if err := validation.Condition(in.Condition); err != nil {
		return domain.Valuation{}, err
	}
	if in.Base.IsNegative() {
		return domain.Valuation{}, domain.NewValidationError("base_value", "must not be negative")
	}

	base := decimal.Zero
	if in.BaseKnown {
		base = in.Base
	}

	screen, ok := p.ScreenMultipliers[in.Condition.Screen]
	if !ok {
		return domain.Valuation{}, fmt.Errorf("valuation: no screen multiplier for %q", in.Condition.Screen)
	}
	body, ok := p.BodyMultipliers[in.Condition.Body]
	if !ok {
		return domain.Valuation{}, fmt.Errorf("valuation: no body multiplier for %q", in.Condition.Body)
	}

	value := base.Mul(screen).Mul(body)

	// Penalties stack: health 55 crosses all three default thresholds.
	for _, t := range p.BatteryPenalties {
		if in.Condition.BatteryHealth < t.Below {
			value = value.Mul(t.Factor)
		}
	}

	issues := distinctIssues(in.Condition.Issues)
	value = value.Sub(p.IssuePenalty.Mul(decimal.NewFromInt(int64(issues))))

	if in.Condition.WaterDamage {
		value = value.Mul(p.WaterDamageFactor)
	}

	for _, kind := range domain.AccessoryKinds {
		if in.Condition.Accessories.Has(kind) {
			value = value.Add(p.AccessoryBonuses[kind])
		}
	}

	estimated := roundMoney(decimal.Max(decimal.Zero, value))
	// Resale and margin stay unrounded; only the derived tax is rounded.
	resale := estimated.Mul(one.Add(p.MarginRatio))
	margin := resale.Sub(estimated)

	return domain.Valuation{
		BaseValue:      base,
		ValueUnknown:   !in.BaseKnown,
		EstimatedValue: estimated,
		ResaleEstimate: resale,
		Margin:         margin,
		MarginTax:      roundMoney(margin.Mul(p.MarginTaxRate)),
		FinalOffer:     roundMoney(estimated.Mul(one.Sub(p.CommissionRate))),
	}, nil
}

// roundMoney rounds half away from zero to whole currency units.
func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(0)
}

func distinctIssues(tags []domain.IssueTag) int {
	seen := make(map[domain.IssueTag]struct{}, len(tags))
	for _, t := range tags {
		seen[t] = struct{}{}
	}
	return len(seen)
}
