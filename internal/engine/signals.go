package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/registry"
	"missionline/internal/repo"
)

// SignalResult is the outcome of a watchdog intake. Deduplicated means an
// active mission already held the idempotency key; Mission then references
// the existing entity and nothing new was created.
type SignalResult struct {
	Mission      domain.Mission `json:"mission"`
	Deduplicated bool           `json:"deduplicated"`
}

// idempotencyKey derives the deterministic identity of a signal from its
// source, metric, and time bucket.
func idempotencyKey(sig domain.Signal, now time.Time, window time.Duration) string {
	bucket := now.UTC().Unix() / int64(window.Seconds())
	return fmt.Sprintf("%s|%s|%d", sig.Source, sig.Metric, bucket)
}

// CreateMissionFromSignal creates a watchdog-triggered mission plus its
// signal_report artifact, suppressing duplicates of the same signal within
// the idempotency window.
func (e Engine) CreateMissionFromSignal(ctx context.Context, sig domain.Signal, actorID string) (SignalResult, error) {
	if err := e.ready(); err != nil {
		return SignalResult{}, err
	}
	if sig.Source == "" {
		return SignalResult{}, validationErrorf("signal source is required")
	}
	if sig.Metric == "" {
		return SignalResult{}, validationErrorf("signal metric is required")
	}

	key := idempotencyKey(sig, e.now(), e.Config.IdempotencyWindow())
	// Intake is serialized per key so concurrent copies of the same signal
	// resolve to one mission. The prefix keeps the namespace disjoint from
	// mission-ID locks.
	unlock := e.locks.lock("signal|" + key)
	defer unlock()

	existingID, err := e.Repo.MissionIDForKey(ctx, key)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return SignalResult{}, err
	}
	if err == nil {
		existing, err := e.Repo.GetMission(ctx, existingID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return SignalResult{}, err
		}
		if err == nil && !existing.Terminal() {
			// Suppressed: log the attempt, create nothing.
			logErr := e.withTx(ctx, func(tx *sql.Tx) error {
				return e.Events.Append(ctx, tx, "mission.dedup_suppressed", existing.ID, "mission", existing.ID, actorID, 0, events.EventPayload{
					"idempotency_key": key,
					"source":          sig.Source,
					"metric":          sig.Metric,
				})
			})
			if logErr != nil {
				return SignalResult{}, logErr
			}
			return SignalResult{Mission: existing, Deduplicated: true}, nil
		}
		// Holder finished; the key may be reused for a fresh mission.
	}

	now := e.nowString()
	m := domain.Mission{
		ID:                uuid.New().String(),
		Name:              fmt.Sprintf("watchdog: %s %s", sig.Source, sig.Metric),
		Description:       fmt.Sprintf("%s reported %s=%v (threshold %v over %s)", sig.Source, sig.Metric, sig.Value, sig.Threshold, sig.Window),
		Class:             domain.ClassMaintenance,
		Status:            domain.MissionQueued,
		RequiredArtifacts: []string{registry.TypeSignalReport},
		RiskLevel:         "medium",
		TriggerSource:     "watchdog",
		StateVersion:      1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	payload, err := marshalPayload(map[string]any{
		"source":         sig.Source,
		"metric":         sig.Metric,
		"value":          sig.Value,
		"previous_value": sig.PreviousValue,
		"delta":          sig.Delta,
		"threshold":      sig.Threshold,
		"window":         sig.Window,
		"triggered":      sig.Triggered,
	})
	if err != nil {
		return SignalResult{}, err
	}
	art := domain.Artifact{
		ID:          uuid.New().String(),
		MissionID:   m.ID,
		Type:        registry.TypeSignalReport,
		Mode:        e.Registry.Mode(registry.TypeSignalReport),
		Label:       fmt.Sprintf("signal %s/%s", sig.Source, sig.Metric),
		PayloadJSON: payload,
		Provenance:  domain.Provenance{Producer: "watchdog"},
		CreatedAt:   now,
	}

	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
			return err
		}
		if existingID != "" {
			if err := e.Repo.DeleteIdempotencyKey(ctx, tx, key); err != nil {
				return err
			}
		}
		if err := e.Repo.InsertIdempotencyKey(ctx, tx, key, m.ID, now); err != nil {
			return err
		}
		if err := e.Repo.InsertArtifact(ctx, tx, art); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "mission.created", m.ID, "mission", m.ID, actorID, m.StateVersion, events.EventPayload{
			"name":            m.Name,
			"class":           m.Class,
			"status":          m.Status,
			"trigger_source":  m.TriggerSource,
			"idempotency_key": key,
		}); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "artifact.created", m.ID, "artifact", art.ID, actorID, 0, events.EventPayload{
			"type":  art.Type,
			"label": art.Label,
		})
	})
	if err != nil {
		return SignalResult{}, err
	}
	m.ArtifactIDs = []string{art.ID}
	return SignalResult{Mission: m}, nil
}
