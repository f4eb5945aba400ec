package scoring

import (
	"math"
	"time"
)

// FactorWeight holds the weight of one scoring factor and how well it has
// tracked real outcomes so far.
type FactorWeight struct {
	Weight      float64
	Correlation float64
	LastUpdate  time.Time
}

// defaultWeights seeds the factors the sales team tracks. Factors not listed
// here start at weight 1.0.
func defaultWeights() map[string]FactorWeight {
	now := time.Now()
	return map[string]FactorWeight{
		"firmographic.employees":      {0.8, 0, now},
		"firmographic.annual_revenue": {1.0, 0, now},
		"firmographic.funding_stage":  {0.6, 0, now},
		"behavioral.page_views":       {1.2, 0, now},
		"behavioral.email_opens":      {0.9, 0, now},
		"behavioral.demo_requests":    {1.8, 0, now},
		"intent.pricing_visits":       {1.6, 0, now},
		"intent.competitor_research":  {1.1, 0, now},
		"intent.signals":              {1.3, 0, now},
		"timing.days_since_contact":   {-0.9, 0, now},
		"timing.budget_cycle_match":   {1.0, 0, now},
	}
}

// adjust applies one feedback observation to a factor: the correlation moves
// toward +1 when the factor pushed the score toward the real outcome and
// toward -1 otherwise, and the weight is scaled by that correlation.
func (w FactorWeight) adjust(helped bool, rate float64) FactorWeight {
	if helped {
		w.Correlation += 0.1
	} else {
		w.Correlation -= 0.1
	}
	w.Correlation = math.Max(-1.0, math.Min(1.0, w.Correlation))
	w.Weight *= 1.0 + w.Correlation*rate
	w.LastUpdate = time.Now()
	return w
}

// squash maps any real value into (-1, 1) on a log scale so counts and
// currency amounts can share one weighting.
func squash(x float64) float64 {
	l := math.Log1p(math.Abs(x))
	return math.Copysign(l/(1+l), x)
}
