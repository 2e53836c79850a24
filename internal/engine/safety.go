package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"missionline/internal/breaker"
	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/registry"
	"missionline/internal/repo"
)

// RecordFailure increments the mission's failure counter. The counter is
// monotonic over the mission lifetime; reaching the threshold trips the
// breaker in the same transaction.
func (e Engine) RecordFailure(ctx context.Context, missionID, cause, actorID string) (domain.CircuitBreakerState, error) {
	return e.recordCounter(ctx, missionID, cause, actorID, false)
}

// RecordImmediateExec increments the mission's immediate-execution counter.
// Too many unreviewed executions trip the breaker just like failures do.
func (e Engine) RecordImmediateExec(ctx context.Context, missionID, cause, actorID string) (domain.CircuitBreakerState, error) {
	return e.recordCounter(ctx, missionID, cause, actorID, true)
}

func (e Engine) recordCounter(ctx context.Context, missionID, cause, actorID string, immediate bool) (domain.CircuitBreakerState, error) {
	if err := e.ready(); err != nil {
		return domain.CircuitBreakerState{}, err
	}
	unlock := e.locks.lock(missionID)
	defer unlock()

	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.CircuitBreakerState{}, notFoundError("mission", missionID)
		}
		return domain.CircuitBreakerState{}, err
	}
	if err := e.breakerGate(ctx, m); err != nil {
		return domain.CircuitBreakerState{}, err
	}

	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if immediate {
			return e.recordImmediateExecTx(ctx, tx, m, cause, actorID)
		}
		return e.recordFailureTx(ctx, tx, m, cause, actorID)
	})
	if err != nil {
		return domain.CircuitBreakerState{}, err
	}
	return e.Repo.GetBreaker(ctx, missionID)
}

// recordFailureTx bumps the failure counter inside an open transaction; the
// task failure path shares it so a failing task and its counter land
// atomically.
func (e Engine) recordFailureTx(ctx context.Context, tx *sql.Tx, m domain.Mission, cause, actorID string) error {
	state, err := e.breakerState(ctx, m.ID)
	if err != nil {
		return err
	}
	now := e.nowString()
	state.FailureCount++
	state.UpdatedAt = now
	if err := e.Repo.UpsertBreaker(ctx, tx, state); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "breaker.failure_recorded", m.ID, "circuit_breaker", m.ID, actorID, state.FailureCount, events.EventPayload{
		"cause":         cause,
		"failure_count": state.FailureCount,
	}); err != nil {
		return err
	}
	if reason, trip := e.Config.Thresholds().ShouldTrip(state); trip {
		return e.applyTripTx(ctx, tx, m, state, reason, actorID)
	}
	return nil
}

func (e Engine) recordImmediateExecTx(ctx context.Context, tx *sql.Tx, m domain.Mission, cause, actorID string) error {
	state, err := e.breakerState(ctx, m.ID)
	if err != nil {
		return err
	}
	now := e.nowString()
	state.ImmediateExecCount++
	state.UpdatedAt = now
	if err := e.Repo.UpsertBreaker(ctx, tx, state); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "breaker.immediate_exec_recorded", m.ID, "circuit_breaker", m.ID, actorID, state.ImmediateExecCount, events.EventPayload{
		"cause":                cause,
		"immediate_exec_count": state.ImmediateExecCount,
	}); err != nil {
		return err
	}
	if reason, trip := e.Config.Thresholds().ShouldTrip(state); trip {
		return e.applyTripTx(ctx, tx, m, state, reason, actorID)
	}
	return nil
}

// breakerState loads the mission's counters, lazily starting from zero.
func (e Engine) breakerState(ctx context.Context, missionID string) (domain.CircuitBreakerState, error) {
	state, err := e.Repo.GetBreaker(ctx, missionID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.CircuitBreakerState{MissionID: missionID, UpdatedAt: e.nowString()}, nil
	}
	return state, err
}

// applyTripTx is the single trip path: snapshot first when work was in
// flight, lock the mission, and record exactly one circuit_breaker_trip
// artifact. Counters are not reset; an approval clears the flag, not the
// history.
func (e Engine) applyTripTx(ctx context.Context, tx *sql.Tx, m domain.Mission, state domain.CircuitBreakerState, reason, actorID string) error {
	now := e.nowString()
	state.Tripped = true
	state.TrippedAt = &now
	state.TrippedReason = &reason
	state.UpdatedAt = now
	if err := e.Repo.UpsertBreaker(ctx, tx, state); err != nil {
		return err
	}

	oldStatus := m.Status
	if oldStatus == domain.MissionRunning {
		snap, err := e.writeSnapshot(ctx, tx, "breaker_trip_"+m.ID[:8], actorID)
		if err != nil {
			return fmt.Errorf("snapshot before breaker trip: %w", err)
		}
		m.LastSnapshotAt = &snap.CreatedAt
	}
	m.Status = domain.MissionLocked
	m.StateVersion++
	m.UpdatedAt = now
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return err
	}

	tripArtifact := domain.Artifact{
		ID:         uuid.New().String(),
		MissionID:  m.ID,
		Type:       registry.TypeCircuitBreakerTrip,
		Mode:       domain.ModeImmutable,
		Label:      "circuit breaker trip",
		Provenance: domain.Provenance{Producer: "system"},
		CreatedAt:  now,
	}
	payload, err := marshalPayload(map[string]any{
		"reason":               reason,
		"failure_count":        state.FailureCount,
		"immediate_exec_count": state.ImmediateExecCount,
	})
	if err != nil {
		return err
	}
	tripArtifact.PayloadJSON = payload
	if err := e.Repo.InsertArtifact(ctx, tx, tripArtifact); err != nil {
		return err
	}

	if err := e.Events.Append(ctx, tx, "breaker.tripped", m.ID, "circuit_breaker", m.ID, actorID, 0, events.EventPayload{
		"reason":               reason,
		"failure_count":        state.FailureCount,
		"immediate_exec_count": state.ImmediateExecCount,
	}); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "mission.updated", m.ID, "mission", m.ID, actorID, m.StateVersion, events.EventPayload{
		"from_status": oldStatus,
		"to_status":   domain.MissionLocked,
	})
}

// ExecutionRequest describes an action an agent wants authorized against a
// mission's safety envelope.
type ExecutionRequest struct {
	Tool          string
	EstimatedCost float64
	CostPerHour   float64
	Immediate     bool
}

// AuthorizeExecution runs every safety gate in order: breaker, armed mode,
// approval, tool allow-list, then cost. A budget breach blocks the mission
// and leaves the evidence as artifacts; blocked is recoverable by raising the
// budget, unlike a locked trip.
func (e Engine) AuthorizeExecution(ctx context.Context, missionID string, req ExecutionRequest, actorID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	unlock := e.locks.lock(missionID)
	defer unlock()

	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return notFoundError("mission", missionID)
		}
		return err
	}
	if err := e.breakerGate(ctx, m); err != nil {
		return err
	}
	if m.Class == domain.ClassDestructive {
		if !e.Config.Engine.Armed {
			return armedRequiredError(m.ID)
		}
		approved, err := e.missionApproved(ctx, m.ID)
		if err != nil {
			return err
		}
		if !approved {
			return destructiveBlockedError(m.ID)
		}
	}
	if len(m.AllowedTools) > 0 && req.Tool != "" {
		found := false
		for _, t := range m.AllowedTools {
			if t == req.Tool {
				found = true
				break
			}
		}
		if !found {
			return toolNotAllowedError(m.ID, req.Tool)
		}
	}

	projection := breaker.Projection{EstimatedCost: req.EstimatedCost, CostPerHour: req.CostPerHour}
	if exceeded, over := breaker.CheckCost(e.limitsFor(m), projection); over {
		if err := e.blockOnBudget(ctx, m, projection, exceeded, actorID); err != nil {
			return err
		}
		return costLimitError(m.ID, exceeded.Reason, exceeded.Limit, exceeded.Projected)
	}

	tripped := false
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if req.Immediate {
			state, err := e.breakerState(ctx, m.ID)
			if err != nil {
				return err
			}
			now := e.nowString()
			state.ImmediateExecCount++
			state.UpdatedAt = now
			if err := e.Repo.UpsertBreaker(ctx, tx, state); err != nil {
				return err
			}
			if reason, trip := e.Config.Thresholds().ShouldTrip(state); trip {
				tripped = true
				if err := e.applyTripTx(ctx, tx, m, state, reason, actorID); err != nil {
					return err
				}
			}
		}
		return e.Events.Append(ctx, tx, "execution.authorized", m.ID, "mission", m.ID, actorID, 0, events.EventPayload{
			"tool":      req.Tool,
			"immediate": req.Immediate,
			"granted":   !tripped,
		})
	})
	if err != nil {
		return err
	}
	if tripped {
		return breakerTrippedError(m.ID, "immediate execution limit reached")
	}
	return nil
}

// limitsFor resolves the mission's cost ceilings, falling back to the
// configured workspace defaults. A zero default means unlimited.
func (e Engine) limitsFor(m domain.Mission) breaker.Limits {
	l := breaker.Limits{MaxEstimatedCost: m.MaxEstimatedCost, MaxCostPerHour: m.MaxCostPerHour}
	if l.MaxEstimatedCost == nil && e.Config.Costs.DefaultMaxEstimated > 0 {
		v := e.Config.Costs.DefaultMaxEstimated
		l.MaxEstimatedCost = &v
	}
	if l.MaxCostPerHour == nil && e.Config.Costs.DefaultMaxCostPerHour > 0 {
		v := e.Config.Costs.DefaultMaxCostPerHour
		l.MaxCostPerHour = &v
	}
	return l
}

// blockOnBudget moves the mission to blocked and records the projection and
// the trip evidence as artifacts. The breaker counters are untouched.
func (e Engine) blockOnBudget(ctx context.Context, m domain.Mission, p breaker.Projection, exceeded breaker.Exceeded, actorID string) error {
	now := e.nowString()
	oldStatus := m.Status
	m.Status = domain.MissionBlocked
	m.BlockedReason = &exceeded.Reason
	m.StateVersion++
	m.UpdatedAt = now

	costPayload, err := marshalPayload(map[string]any{
		"estimated_cost": p.EstimatedCost,
		"cost_per_hour":  p.CostPerHour,
		"limit":          exceeded.Limit,
		"reason":         exceeded.Reason,
	})
	if err != nil {
		return err
	}
	tripPayload, err := marshalPayload(map[string]any{
		"reason": exceeded.Reason,
	})
	if err != nil {
		return err
	}

	return e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
			return err
		}
		costArtifact := domain.Artifact{
			ID:          uuid.New().String(),
			MissionID:   m.ID,
			Type:        registry.TypeCostEstimate,
			Mode:        domain.ModeImmutable,
			Label:       "cost estimate",
			PayloadJSON: costPayload,
			Provenance:  domain.Provenance{Producer: "system"},
			CreatedAt:   now,
		}
		if err := e.Repo.InsertArtifact(ctx, tx, costArtifact); err != nil {
			return err
		}
		tripArtifact := domain.Artifact{
			ID:          uuid.New().String(),
			MissionID:   m.ID,
			Type:        registry.TypeCircuitBreakerTrip,
			Mode:        domain.ModeImmutable,
			Label:       "budget trip",
			PayloadJSON: tripPayload,
			Provenance:  domain.Provenance{Producer: "system"},
			CreatedAt:   now,
		}
		if err := e.Repo.InsertArtifact(ctx, tx, tripArtifact); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "mission.updated", m.ID, "mission", m.ID, actorID, m.StateVersion, events.EventPayload{
			"from_status": oldStatus,
			"to_status":   domain.MissionBlocked,
			"reason":      exceeded.Reason,
		})
	})
}
