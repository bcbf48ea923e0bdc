package ratelimit

import "github.com/shopspring/decimal"

// RampPolicy maps days since joining a platform onto a limit multiplier.
type RampPolicy interface {
	Multiplier(days int) decimal.Decimal
}

// StepRamp looks days up in a table; days past the end use the last step.
type StepRamp struct {
	steps []decimal.Decimal
}

// DefaultSteps is the slow-burn table: 60% on day 0, 80% on day 1, full after.
var DefaultSteps = []float64{0.6, 0.8, 1.0}

// NewStepRamp builds a table ramp. An empty table behaves like NoRamp.
func NewStepRamp(multipliers []float64) StepRamp {
	steps := make([]decimal.Decimal, len(multipliers))
	for i, m := range multipliers {
		steps[i] = decimal.NewFromFloat(m)
	}
	return StepRamp{steps: steps}
}

// Multiplier implements RampPolicy.
func (r StepRamp) Multiplier(days int) decimal.Decimal {
	if len(r.steps) == 0 {
		return decimal.NewFromInt(1)
	}
	if days < 0 {
		days = 0
	}
	if days >= len(r.steps) {
		return r.steps[len(r.steps)-1]
	}
	return r.steps[days]
}

// Days is the number of table entries, i.e. how long the ramp lasts.
func (r StepRamp) Days() int { return len(r.steps) }

// NoRamp always returns 1.
type NoRamp struct{}

// Multiplier implements RampPolicy.
func (NoRamp) Multiplier(int) decimal.Decimal { return decimal.NewFromInt(1) }
