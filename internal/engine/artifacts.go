package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/registry"
	"missionline/internal/repo"
	"missionline/internal/validate"
)

// ArtifactCreateOptions are parameters for recording an artifact.
type ArtifactCreateOptions struct {
	MissionID  string
	TaskID     string
	Type       string
	Label      string
	Payload    map[string]any
	Files      []string
	Producer   string
	AgentID    string
	Worktree   string
	CommitHash string
	ActorID    string
}

// CreateArtifact records a typed, provenance-stamped artifact against a
// mission. Creating an artifact bumps the mission's state version but never
// transitions the mission: completion stays an explicit request even once the
// last required artifact lands. Approval records pass the breaker gate so a
// locked mission can still be unlocked.
func (e Engine) CreateArtifact(ctx context.Context, opts ArtifactCreateOptions) (domain.Artifact, error) {
	if err := e.ready(); err != nil {
		return domain.Artifact{}, err
	}
	unlock := e.locks.lock(opts.MissionID)
	defer unlock()

	m, err := e.Repo.GetMission(ctx, opts.MissionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Artifact{}, notFoundError("mission", opts.MissionID)
		}
		return domain.Artifact{}, err
	}
	if !approvalTargets(opts.Type, opts.Payload, m.ID) {
		if err := e.breakerGate(ctx, m); err != nil {
			return domain.Artifact{}, err
		}
	}

	if opts.Label == "" {
		opts.Label = opts.Type
	}
	now := e.nowString()
	a := domain.Artifact{
		ID:        uuid.New().String(),
		MissionID: opts.MissionID,
		TaskID:    optionalString(opts.TaskID),
		Type:      opts.Type,
		Label:     opts.Label,
		Files:     opts.Files,
		Provenance: domain.Provenance{
			Producer:   opts.Producer,
			AgentID:    optionalString(opts.AgentID),
			Worktree:   optionalString(opts.Worktree),
			CommitHash: optionalString(opts.CommitHash),
		},
		CreatedAt: now,
	}
	if result := validate.Artifact(a, opts.Payload, e.Registry); !result.Valid {
		return domain.Artifact{}, validationError(result)
	}
	a.Mode = e.Registry.Mode(a.Type)

	if opts.TaskID != "" {
		t, err := e.Repo.GetTask(ctx, opts.TaskID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Artifact{}, notFoundError("task", opts.TaskID)
			}
			return domain.Artifact{}, err
		}
		if t.MissionID != opts.MissionID {
			return domain.Artifact{}, validationErrorf("task %s belongs to a different mission", opts.TaskID)
		}
	}

	payloadJSON, err := marshalPayload(opts.Payload)
	if err != nil {
		return domain.Artifact{}, err
	}
	var firstEntry *domain.ArtifactEntry
	if a.Mode == domain.ModeAppendOnly {
		// Append-only payloads live in the entry log, seq 1 onward.
		if payloadJSON != nil {
			firstEntry = &domain.ArtifactEntry{
				ArtifactID:  a.ID,
				Seq:         1,
				PayloadJSON: *payloadJSON,
				CreatedAt:   now,
			}
		}
	} else {
		a.PayloadJSON = payloadJSON
	}

	m.StateVersion++
	m.UpdatedAt = now
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertArtifact(ctx, tx, a); err != nil {
			return err
		}
		if firstEntry != nil {
			if err := e.Repo.AppendArtifactEntry(ctx, tx, *firstEntry); err != nil {
				return err
			}
		}
		if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "artifact.created", a.MissionID, "artifact", a.ID, opts.ActorID, m.StateVersion, events.EventPayload{
			"type":     a.Type,
			"label":    a.Label,
			"producer": a.Provenance.Producer,
		}); err != nil {
			return err
		}
		if a.Type == registry.TypeApprovalRecord {
			return e.applyApproval(ctx, tx, m, opts.Payload, opts.ActorID, now)
		}
		return nil
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	return e.Repo.GetArtifact(ctx, a.ID)
}

// approvalFromPayload decodes an approval_record payload.
func approvalFromPayload(payload map[string]any) (approvalPayload, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return approvalPayload{}, err
	}
	var p approvalPayload
	err = json.Unmarshal(b, &p)
	return p, err
}

// approvalTargets reports whether the artifact is an approval_record that
// explicitly references this mission or its breaker. Only such a record may
// pass the breaker gate on a tripped or locked mission.
func approvalTargets(artifactType string, payload map[string]any, missionID string) bool {
	if artifactType != registry.TypeApprovalRecord {
		return false
	}
	p, err := approvalFromPayload(payload)
	if err != nil {
		return false
	}
	if p.TargetType != "circuit_breaker" && p.TargetType != "mission" {
		return false
	}
	return p.TargetID == missionID
}

// applyApproval clears a tripped breaker when an approval record approves
// the trip. Counters stay where they are; only the tripped flag resets, and
// a locked mission moves to needs_review rather than straight back to work.
func (e Engine) applyApproval(ctx context.Context, tx *sql.Tx, m domain.Mission, payload map[string]any, actorID, now string) error {
	p, err := approvalFromPayload(payload)
	if err != nil {
		return err
	}
	if p.Decision != "approve" {
		return nil
	}
	if p.TargetType != "circuit_breaker" && p.TargetType != "mission" {
		return nil
	}
	if p.TargetID != m.ID {
		return nil
	}

	state, err := e.Repo.GetBreaker(ctx, m.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	cleared := false
	if err == nil && state.Tripped {
		state.Tripped = false
		state.TrippedAt = nil
		state.TrippedReason = nil
		state.LockedUntil = nil
		state.UpdatedAt = now
		if err := e.Repo.UpsertBreaker(ctx, tx, state); err != nil {
			return err
		}
		cleared = true
	}
	if m.Status == domain.MissionLocked {
		m.Status = domain.MissionNeedsReview
		m.StateVersion++
		m.UpdatedAt = now
		if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "mission.updated", m.ID, "mission", m.ID, actorID, m.StateVersion, events.EventPayload{
			"from_status": domain.MissionLocked,
			"to_status":   domain.MissionNeedsReview,
		}); err != nil {
			return err
		}
		cleared = true
	}
	if !cleared {
		return nil
	}
	return e.Events.Append(ctx, tx, "breaker.cleared", m.ID, "circuit_breaker", m.ID, actorID, 0, events.EventPayload{
		"approver": p.Approver,
		"reason":   p.Reason,
	})
}

// AppendArtifactEntry appends a payload to an append-only artifact. Immutable
// artifacts never accept entries; their payload is fixed at creation.
func (e Engine) AppendArtifactEntry(ctx context.Context, artifactID string, payload map[string]any, actorID string) (domain.Artifact, error) {
	if err := e.ready(); err != nil {
		return domain.Artifact{}, err
	}
	peek, err := e.Repo.GetArtifact(ctx, artifactID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Artifact{}, notFoundError("artifact", artifactID)
		}
		return domain.Artifact{}, err
	}
	unlock := e.locks.lock(peek.MissionID)
	defer unlock()

	a, err := e.Repo.GetArtifact(ctx, artifactID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Artifact{}, notFoundError("artifact", artifactID)
		}
		return domain.Artifact{}, err
	}
	if a.Mode != domain.ModeAppendOnly {
		return domain.Artifact{}, validationErrorf("artifact %s is immutable; its payload never changes after creation", artifactID)
	}
	m, err := e.Repo.GetMission(ctx, a.MissionID)
	if err != nil {
		return domain.Artifact{}, err
	}
	if err := e.breakerGate(ctx, m); err != nil {
		return domain.Artifact{}, err
	}
	if payload == nil {
		return domain.Artifact{}, validationErrorf("entry payload is required")
	}
	if result := validate.Payload(a.Type, payload, e.Registry); !result.Valid {
		return domain.Artifact{}, validationError(result)
	}
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return domain.Artifact{}, err
	}

	now := e.nowString()
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := e.Repo.NextEntrySeq(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		entry := domain.ArtifactEntry{
			ArtifactID:  a.ID,
			Seq:         seq,
			PayloadJSON: *payloadJSON,
			CreatedAt:   now,
		}
		if err := e.Repo.AppendArtifactEntry(ctx, tx, entry); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "artifact.appended", a.MissionID, "artifact", a.ID, actorID, seq, events.EventPayload{
			"type": a.Type,
			"seq":  seq,
		})
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	return e.Repo.GetArtifact(ctx, a.ID)
}
