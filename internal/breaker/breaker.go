// Package breaker evaluates the per-mission safety counters and the parallel
// cost gate. Counters are monotonic over the mission lifetime, not a sliding
// window, so trips are deterministic and auditable.
package breaker

import (
	"fmt"

	"missionline/internal/domain"
)

// Thresholds bound the monotonic counters.
type Thresholds struct {
	MaxFailures       int
	MaxImmediateExecs int
}

// DefaultThresholds trips on the third failure or third immediate execution.
func DefaultThresholds() Thresholds {
	return Thresholds{MaxFailures: 3, MaxImmediateExecs: 3}
}

// ShouldTrip reports whether the counters have reached a trip condition and,
// if so, why. Already-tripped states report no new trip.
func (t Thresholds) ShouldTrip(s domain.CircuitBreakerState) (string, bool) {
	if s.Tripped {
		return "", false
	}
	if t.MaxFailures > 0 && s.FailureCount >= t.MaxFailures {
		return fmt.Sprintf("failure count reached %d (limit %d)", s.FailureCount, t.MaxFailures), true
	}
	if t.MaxImmediateExecs > 0 && s.ImmediateExecCount >= t.MaxImmediateExecs {
		return fmt.Sprintf("immediate execution count reached %d (limit %d)", s.ImmediateExecCount, t.MaxImmediateExecs), true
	}
	return "", false
}

// Projection is the cost forecast for an execution request.
type Projection struct {
	EstimatedCost float64
	CostPerHour   float64
}

// Limits are the mission's cost ceilings; nil means unlimited.
type Limits struct {
	MaxEstimatedCost *float64
	MaxCostPerHour   *float64
}

// Exceeded is the ceiling a projection broke.
type Exceeded struct {
	Reason    string
	Limit     float64
	Projected float64
}

// CheckCost compares a projection against the ceilings. Budget breaches
// block, they do not lock: the mission is recoverable by raising the budget.
func CheckCost(l Limits, p Projection) (Exceeded, bool) {
	if l.MaxEstimatedCost != nil && p.EstimatedCost > *l.MaxEstimatedCost {
		return Exceeded{
			Reason:    fmt.Sprintf("projected cost %.2f exceeds ceiling %.2f", p.EstimatedCost, *l.MaxEstimatedCost),
			Limit:     *l.MaxEstimatedCost,
			Projected: p.EstimatedCost,
		}, true
	}
	if l.MaxCostPerHour != nil && p.CostPerHour > *l.MaxCostPerHour {
		return Exceeded{
			Reason:    fmt.Sprintf("projected hourly cost %.2f exceeds ceiling %.2f", p.CostPerHour, *l.MaxCostPerHour),
			Limit:     *l.MaxCostPerHour,
			Projected: p.CostPerHour,
		}, true
	}
	return Exceeded{}, false
}
