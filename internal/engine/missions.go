package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/registry"
	"missionline/internal/repo"
	"missionline/internal/validate"
)

// MissionCreateOptions are parameters for creating a mission.
type MissionCreateOptions struct {
	Name              string
	Description       string
	Class             string
	RiskLevel         string
	TriggerSource     string
	RequiredArtifacts []string
	AllowedTools      []string
	MaxEstimatedCost  *float64
	MaxCostPerHour    *float64
	ActorID           string
}

// CreateMission validates and persists a new mission. No gates apply at
// creation; the mission starts queued with state version 1.
func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (domain.Mission, error) {
	if err := e.ready(); err != nil {
		return domain.Mission{}, err
	}
	if opts.RiskLevel == "" {
		opts.RiskLevel = "low"
	}
	if opts.TriggerSource == "" {
		opts.TriggerSource = "manual"
	}
	now := e.nowString()
	m := domain.Mission{
		ID:                uuid.New().String(),
		Name:              opts.Name,
		Description:       opts.Description,
		Class:             opts.Class,
		Status:            domain.MissionQueued,
		RequiredArtifacts: opts.RequiredArtifacts,
		RiskLevel:         opts.RiskLevel,
		AllowedTools:      opts.AllowedTools,
		MaxEstimatedCost:  opts.MaxEstimatedCost,
		MaxCostPerHour:    opts.MaxCostPerHour,
		TriggerSource:     opts.TriggerSource,
		StateVersion:      1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if result := validate.Mission(m); !result.Valid {
		return domain.Mission{}, validationError(result)
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "mission.created", m.ID, "mission", m.ID, opts.ActorID, m.StateVersion, events.EventPayload{
			"name":   m.Name,
			"class":  m.Class,
			"status": m.Status,
		})
	})
	if err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// MissionPatch describes the fields updateMission may change. Nil pointers
// leave the field untouched.
type MissionPatch struct {
	Name              *string
	Description       *string
	Status            *string
	BlockedReason     *string
	RiskLevel         *string
	RequiredArtifacts *[]string
	AllowedTools      *[]string
	MaxEstimatedCost  *float64
	MaxCostPerHour    *float64
}

// UpdateMission applies a gated patch. Completion requires every required
// artifact type to be present; destructive or irreversible transitions write
// a snapshot before the mutation commits, so the pre-mutation state is always
// recoverable.
func (e Engine) UpdateMission(ctx context.Context, missionID string, patch MissionPatch, actorID string) (domain.Mission, error) {
	if err := e.ready(); err != nil {
		return domain.Mission{}, err
	}
	unlock := e.locks.lock(missionID)
	defer unlock()
	return e.updateMissionLocked(ctx, missionID, patch, actorID)
}

func (e Engine) updateMissionLocked(ctx context.Context, missionID string, patch MissionPatch, actorID string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Mission{}, notFoundError("mission", missionID)
		}
		return domain.Mission{}, err
	}
	if err := e.breakerGate(ctx, m); err != nil {
		return domain.Mission{}, err
	}

	oldStatus := m.Status
	newStatus := oldStatus
	if patch.Status != nil && *patch.Status != oldStatus {
		newStatus = *patch.Status
		if !validate.MissionStatus(newStatus) {
			return domain.Mission{}, validationErrorf("unknown mission status %q", newStatus)
		}
		if err := ensureMissionTransition(oldStatus, newStatus); err != nil {
			return domain.Mission{}, err
		}
		if m.Class == domain.ClassDestructive && (newStatus == domain.MissionRunning || newStatus == domain.MissionComplete) {
			if !e.Config.Engine.Armed {
				return domain.Mission{}, armedRequiredError(m.ID)
			}
			if newStatus == domain.MissionRunning {
				approved, err := e.missionApproved(ctx, m.ID)
				if err != nil {
					return domain.Mission{}, err
				}
				if !approved {
					return domain.Mission{}, destructiveBlockedError(m.ID)
				}
			}
		}
	}

	applyMissionPatch(&m, patch, newStatus)
	// The completion gate runs against the patched mission, so a patch that
	// sets status and requiredArtifacts together cannot slip new requirements
	// past the check. It also re-runs when requirements change on an already
	// complete mission.
	if m.Status == domain.MissionComplete && (newStatus != oldStatus || patch.RequiredArtifacts != nil) {
		missing, err := e.missingRequiredArtifacts(ctx, m)
		if err != nil {
			return domain.Mission{}, err
		}
		if len(missing) > 0 {
			return domain.Mission{}, completionBlockedError(m.ID, missing)
		}
	}
	now := e.nowString()
	if newStatus == domain.MissionComplete && oldStatus != domain.MissionComplete {
		m.CompletedAt = &now
	}
	if result := validate.Mission(m); !result.Valid {
		return domain.Mission{}, validationError(result)
	}

	destructive := e.classifyDestructive(m, oldStatus, newStatus)
	m.StateVersion++
	m.UpdatedAt = now

	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if destructive {
			snap, err := e.writeSnapshot(ctx, tx, "pre_"+newStatus+"_"+m.ID[:8], actorID)
			if err != nil {
				return fmt.Errorf("snapshot before destructive transition: %w", err)
			}
			m.LastSnapshotAt = &snap.CreatedAt
		}
		if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "mission.updated", m.ID, "mission", m.ID, actorID, m.StateVersion, events.EventPayload{
			"from_status": oldStatus,
			"to_status":   m.Status,
		})
	})
	if err != nil {
		return domain.Mission{}, err
	}
	return e.Repo.GetMission(ctx, m.ID)
}

func applyMissionPatch(m *domain.Mission, patch MissionPatch, newStatus string) {
	if patch.Name != nil {
		m.Name = *patch.Name
	}
	if patch.Description != nil {
		m.Description = *patch.Description
	}
	if patch.RiskLevel != nil {
		m.RiskLevel = *patch.RiskLevel
	}
	if patch.RequiredArtifacts != nil {
		m.RequiredArtifacts = *patch.RequiredArtifacts
	}
	if patch.AllowedTools != nil {
		m.AllowedTools = *patch.AllowedTools
	}
	if patch.MaxEstimatedCost != nil {
		m.MaxEstimatedCost = patch.MaxEstimatedCost
	}
	if patch.MaxCostPerHour != nil {
		m.MaxCostPerHour = patch.MaxCostPerHour
	}
	if patch.BlockedReason != nil {
		m.BlockedReason = optionalString(*patch.BlockedReason)
	} else if m.Status == domain.MissionBlocked && newStatus != domain.MissionBlocked {
		m.BlockedReason = nil
	}
	m.Status = newStatus
}

// ensureMissionTransition bounds the mission status graph. Locked is entered
// only by the breaker and left only by an approval artifact, so it never
// appears as a caller-requested target except via lock itself.
func ensureMissionTransition(oldStatus, newStatus string) error {
	allowed := map[string][]string{
		domain.MissionQueued:      {domain.MissionRunning, domain.MissionBlocked, domain.MissionNeedsReview, domain.MissionComplete, domain.MissionFailed},
		domain.MissionRunning:     {domain.MissionBlocked, domain.MissionNeedsReview, domain.MissionComplete, domain.MissionFailed, domain.MissionLocked},
		domain.MissionBlocked:     {domain.MissionQueued, domain.MissionRunning, domain.MissionComplete, domain.MissionFailed},
		domain.MissionNeedsReview: {domain.MissionRunning, domain.MissionComplete, domain.MissionFailed},
	}
	for _, s := range allowed[oldStatus] {
		if s == newStatus {
			return nil
		}
	}
	return validationErrorf("invalid mission status transition %s -> %s", oldStatus, newStatus)
}

// classifyDestructive decides whether the patch needs a recovery point
// before it commits.
func (e Engine) classifyDestructive(m domain.Mission, oldStatus, newStatus string) bool {
	if m.Class == domain.ClassDestructive {
		return true
	}
	if oldStatus == domain.MissionRunning && (newStatus == domain.MissionLocked || newStatus == domain.MissionFailed) {
		return true
	}
	return false
}

// breakerGate rejects any mutation on a mission whose breaker is tripped or
// which sits in locked status. The only path around it is an approval_record
// artifact, which is handled in CreateArtifact.
func (e Engine) breakerGate(ctx context.Context, m domain.Mission) error {
	b, err := e.Repo.GetBreaker(ctx, m.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err == nil && b.Tripped {
		reason := ""
		if b.TrippedReason != nil {
			reason = *b.TrippedReason
		}
		return breakerTrippedError(m.ID, reason)
	}
	if m.Status == domain.MissionLocked {
		return breakerTrippedError(m.ID, "mission is locked")
	}
	return nil
}

// missingRequiredArtifacts returns the required artifact types with no
// corresponding artifact, in the order the mission declares them.
func (e Engine) missingRequiredArtifacts(ctx context.Context, m domain.Mission) ([]string, error) {
	if len(m.RequiredArtifacts) == 0 {
		return nil, nil
	}
	present, err := e.Repo.MissionArtifactTypes(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, required := range m.RequiredArtifacts {
		if !present[required] {
			missing = append(missing, required)
		}
	}
	return missing, nil
}

// missionApproved reports whether an approval_record approving this mission
// exists.
func (e Engine) missionApproved(ctx context.Context, missionID string) (bool, error) {
	approvals, err := e.Repo.ListArtifacts(ctx, repo.ArtifactFilters{MissionID: missionID, Type: registry.TypeApprovalRecord})
	if err != nil {
		return false, err
	}
	for _, a := range approvals {
		if a.PayloadJSON == nil {
			continue
		}
		var p approvalPayload
		if err := json.Unmarshal([]byte(*a.PayloadJSON), &p); err != nil {
			continue
		}
		if p.Decision == "approve" && p.TargetType == "mission" && p.TargetID == missionID {
			return true, nil
		}
	}
	return false, nil
}

type approvalPayload struct {
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	Decision   string `json:"decision"`
	Approver   string `json:"approver"`
	Reason     string `json:"reason"`
}
