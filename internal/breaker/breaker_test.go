package breaker_test

import (
	"testing"

	"missionline/internal/breaker"
	"missionline/internal/domain"
)

func TestShouldTrip(t *testing.T) {
	th := breaker.DefaultThresholds()

	if _, trip := th.ShouldTrip(domain.CircuitBreakerState{FailureCount: 2}); trip {
		t.Fatalf("two failures must not trip")
	}
	reason, trip := th.ShouldTrip(domain.CircuitBreakerState{FailureCount: 3})
	if !trip || reason == "" {
		t.Fatalf("three failures must trip with a reason")
	}
	if _, trip := th.ShouldTrip(domain.CircuitBreakerState{ImmediateExecCount: 3}); !trip {
		t.Fatalf("three immediate executions must trip")
	}
	// Already tripped states never re-trip.
	if _, trip := th.ShouldTrip(domain.CircuitBreakerState{FailureCount: 10, Tripped: true}); trip {
		t.Fatalf("tripped state must not report a new trip")
	}
}

func TestShouldTripDisabledLimits(t *testing.T) {
	th := breaker.Thresholds{MaxFailures: 0, MaxImmediateExecs: 0}
	if _, trip := th.ShouldTrip(domain.CircuitBreakerState{FailureCount: 100, ImmediateExecCount: 100}); trip {
		t.Fatalf("zero limits disable the counter gates")
	}
}

func TestCheckCost(t *testing.T) {
	ten := 10.0
	five := 5.0

	if _, over := breaker.CheckCost(breaker.Limits{}, breaker.Projection{EstimatedCost: 1000}); over {
		t.Fatalf("nil ceilings mean unlimited")
	}
	exceeded, over := breaker.CheckCost(breaker.Limits{MaxEstimatedCost: &ten}, breaker.Projection{EstimatedCost: 50})
	if !over || exceeded.Limit != 10 || exceeded.Projected != 50 {
		t.Fatalf("expected estimated-cost breach, got %+v over=%v", exceeded, over)
	}
	exceeded, over = breaker.CheckCost(breaker.Limits{MaxCostPerHour: &five}, breaker.Projection{CostPerHour: 6})
	if !over || exceeded.Limit != 5 {
		t.Fatalf("expected hourly breach, got %+v over=%v", exceeded, over)
	}
	// At the ceiling is within budget.
	if _, over := breaker.CheckCost(breaker.Limits{MaxEstimatedCost: &ten}, breaker.Projection{EstimatedCost: 10}); over {
		t.Fatalf("cost equal to the ceiling must pass")
	}
}
