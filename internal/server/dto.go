package server

import (
	"encoding/json"

	"missionline/internal/domain"
)

// Request payloads

type CreateMissionRequest struct {
	Name              string   `json:"name"`
	Description       *string  `json:"description,omitempty"`
	Class             string   `json:"class" enum:"exploration,implementation,maintenance,destructive,continuous"`
	RiskLevel         *string  `json:"risk_level,omitempty" enum:"low,medium,high"`
	TriggerSource     *string  `json:"trigger_source,omitempty" enum:"manual,watchdog,scheduled"`
	RequiredArtifacts []string `json:"required_artifacts,omitempty"`
	AllowedTools      []string `json:"allowed_tools,omitempty"`
	MaxEstimatedCost  *float64 `json:"max_estimated_cost,omitempty"`
	MaxCostPerHour    *float64 `json:"max_cost_per_hour,omitempty"`
}

type UpdateMissionRequest struct {
	Name              *string   `json:"name,omitempty"`
	Description       *string   `json:"description,omitempty"`
	Status            *string   `json:"status,omitempty" enum:"queued,running,blocked,needs_review,complete,failed,locked"`
	BlockedReason     *string   `json:"blocked_reason,omitempty"`
	RiskLevel         *string   `json:"risk_level,omitempty" enum:"low,medium,high"`
	RequiredArtifacts *[]string `json:"required_artifacts,omitempty"`
	AllowedTools      *[]string `json:"allowed_tools,omitempty"`
	MaxEstimatedCost  *float64  `json:"max_estimated_cost,omitempty"`
	MaxCostPerHour    *float64  `json:"max_cost_per_hour,omitempty"`
}

type CreateTaskRequest struct {
	Title             string   `json:"title"`
	Description       *string  `json:"description,omitempty"`
	Type              *string  `json:"type,omitempty" enum:"work,verification,finalization"`
	DependsOn         []string `json:"depends_on,omitempty"`
	RequiredArtifacts []string `json:"required_artifacts,omitempty"`
	AgentID           *string  `json:"agent_id,omitempty"`
}

type UpdateTaskRequest struct {
	Status  *string `json:"status,omitempty" enum:"pending,ready,running,complete,failed,blocked"`
	AgentID *string `json:"agent_id,omitempty"`
}

type CreateArtifactRequest struct {
	TaskID     *string        `json:"task_id,omitempty"`
	Type       string         `json:"type"`
	Label      *string        `json:"label,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Files      []string       `json:"files,omitempty"`
	Producer   string         `json:"producer" enum:"agent,watchdog,system,human"`
	AgentID    *string        `json:"agent_id,omitempty"`
	Worktree   *string        `json:"worktree,omitempty"`
	CommitHash *string        `json:"commit_hash,omitempty"`
}

type AppendEntryRequest struct {
	Payload map[string]any `json:"payload"`
}

type SignalRequest struct {
	Source        string  `json:"source"`
	Metric        string  `json:"metric"`
	Value         float64 `json:"value"`
	PreviousValue float64 `json:"previous_value,omitempty"`
	Delta         float64 `json:"delta,omitempty"`
	Threshold     float64 `json:"threshold,omitempty"`
	Window        string  `json:"window,omitempty"`
	Triggered     bool    `json:"triggered"`
}

type RecordCounterRequest struct {
	Cause string `json:"cause,omitempty"`
}

type AuthorizeRequest struct {
	Tool          string  `json:"tool,omitempty"`
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
	CostPerHour   float64 `json:"cost_per_hour,omitempty"`
	Immediate     bool    `json:"immediate,omitempty"`
}

type CreateSnapshotRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type MissionResponse struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	Class             string   `json:"class" enum:"exploration,implementation,maintenance,destructive,continuous"`
	Status            string   `json:"status" enum:"queued,running,blocked,needs_review,complete,failed,locked"`
	BlockedReason     *string  `json:"blocked_reason,omitempty"`
	RequiredArtifacts []string `json:"required_artifacts"`
	RiskLevel         string   `json:"risk_level" enum:"low,medium,high"`
	AllowedTools      []string `json:"allowed_tools"`
	MaxEstimatedCost  *float64 `json:"max_estimated_cost,omitempty"`
	MaxCostPerHour    *float64 `json:"max_cost_per_hour,omitempty"`
	TriggerSource     string   `json:"trigger_source" enum:"manual,watchdog,scheduled"`
	TaskIDs           []string `json:"task_ids"`
	ArtifactIDs       []string `json:"artifact_ids"`
	StateVersion      int      `json:"state_version"`
	LastSnapshotAt    *string  `json:"last_snapshot_at,omitempty" format:"date-time"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
	CompletedAt       *string  `json:"completed_at,omitempty" format:"date-time"`
}

type SignalResponse struct {
	Mission      MissionResponse `json:"mission"`
	Deduplicated bool            `json:"deduplicated"`
}

type TaskResponse struct {
	ID                string   `json:"id"`
	MissionID         string   `json:"mission_id"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	Type              string   `json:"type" enum:"work,verification,finalization"`
	Status            string   `json:"status" enum:"pending,ready,running,complete,failed,blocked"`
	DependsOn         []string `json:"depends_on"`
	RequiredArtifacts []string `json:"required_artifacts"`
	AgentID           *string  `json:"agent_id,omitempty"`
	StateVersion      int      `json:"state_version"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
	CompletedAt       *string  `json:"completed_at,omitempty" format:"date-time"`
}

type ProvenanceResponse struct {
	Producer   string  `json:"producer" enum:"agent,watchdog,system,human"`
	AgentID    *string `json:"agent_id,omitempty"`
	Worktree   *string `json:"worktree,omitempty"`
	CommitHash *string `json:"commit_hash,omitempty"`
}

type ArtifactEntryResponse struct {
	Seq       int            `json:"seq"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type ArtifactResponse struct {
	ID         string                  `json:"id"`
	MissionID  string                  `json:"mission_id"`
	TaskID     *string                 `json:"task_id,omitempty"`
	Type       string                  `json:"type"`
	Mode       string                  `json:"mode" enum:"immutable,append-only"`
	Label      string                  `json:"label"`
	Payload    map[string]any          `json:"payload,omitempty"`
	Files      []string                `json:"files"`
	Provenance ProvenanceResponse      `json:"provenance"`
	Entries    []ArtifactEntryResponse `json:"entries,omitempty"`
	CreatedAt  string                  `json:"created_at" format:"date-time"`
}

type BreakerResponse struct {
	MissionID          string  `json:"mission_id"`
	FailureCount       int     `json:"failure_count"`
	ImmediateExecCount int     `json:"immediate_exec_count"`
	Tripped            bool    `json:"tripped"`
	TrippedAt          *string `json:"tripped_at,omitempty" format:"date-time"`
	TrippedReason      *string `json:"tripped_reason,omitempty"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type SnapshotResponse struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Path      string `json:"path"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	MissionID  string         `json:"mission_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Version    int            `json:"version,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type AuthorizeResponse struct {
	Granted bool `json:"granted"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func missionResponse(m domain.Mission) MissionResponse {
	return MissionResponse{
		ID:                m.ID,
		Name:              m.Name,
		Description:       m.Description,
		Class:             m.Class,
		Status:            m.Status,
		BlockedReason:     m.BlockedReason,
		RequiredArtifacts: nonNilSlice(m.RequiredArtifacts),
		RiskLevel:         m.RiskLevel,
		AllowedTools:      nonNilSlice(m.AllowedTools),
		MaxEstimatedCost:  m.MaxEstimatedCost,
		MaxCostPerHour:    m.MaxCostPerHour,
		TriggerSource:     m.TriggerSource,
		TaskIDs:           nonNilSlice(m.TaskIDs),
		ArtifactIDs:       nonNilSlice(m.ArtifactIDs),
		StateVersion:      m.StateVersion,
		LastSnapshotAt:    m.LastSnapshotAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		CompletedAt:       m.CompletedAt,
	}
}

func mapMissions(in []domain.Mission) []MissionResponse {
	out := make([]MissionResponse, 0, len(in))
	for _, m := range in {
		out = append(out, missionResponse(m))
	}
	return out
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                t.ID,
		MissionID:         t.MissionID,
		Title:             t.Title,
		Description:       t.Description,
		Type:              t.Type,
		Status:            t.Status,
		DependsOn:         nonNilSlice(t.DependsOn),
		RequiredArtifacts: nonNilSlice(t.RequiredArtifacts),
		AgentID:           t.AgentID,
		StateVersion:      t.StateVersion,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		CompletedAt:       t.CompletedAt,
	}
}

func mapTasks(in []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(in))
	for _, t := range in {
		out = append(out, taskResponse(t))
	}
	return out
}

func artifactResponse(a domain.Artifact) ArtifactResponse {
	res := ArtifactResponse{
		ID:        a.ID,
		MissionID: a.MissionID,
		TaskID:    a.TaskID,
		Type:      a.Type,
		Mode:      a.Mode,
		Label:     a.Label,
		Payload:   decodeJSONMap(a.PayloadJSON),
		Files:     nonNilSlice(a.Files),
		Provenance: ProvenanceResponse{
			Producer:   a.Provenance.Producer,
			AgentID:    a.Provenance.AgentID,
			Worktree:   a.Provenance.Worktree,
			CommitHash: a.Provenance.CommitHash,
		},
		CreatedAt: a.CreatedAt,
	}
	for _, e := range a.Entries {
		res.Entries = append(res.Entries, ArtifactEntryResponse{
			Seq:       e.Seq,
			Payload:   decodeJSONMap(&e.PayloadJSON),
			CreatedAt: e.CreatedAt,
		})
	}
	return res
}

func mapArtifacts(in []domain.Artifact) []ArtifactResponse {
	out := make([]ArtifactResponse, 0, len(in))
	for _, a := range in {
		out = append(out, artifactResponse(a))
	}
	return out
}

func breakerResponse(b domain.CircuitBreakerState) BreakerResponse {
	return BreakerResponse{
		MissionID:          b.MissionID,
		FailureCount:       b.FailureCount,
		ImmediateExecCount: b.ImmediateExecCount,
		Tripped:            b.Tripped,
		TrippedAt:          b.TrippedAt,
		TrippedReason:      b.TrippedReason,
		UpdatedAt:          b.UpdatedAt,
	}
}

func snapshotResponse(s domain.Snapshot) SnapshotResponse {
	return SnapshotResponse(s)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		MissionID:  e.MissionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Version:    e.Version,
		Payload:    decodeJSONMap(&e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(in *string) string {
	if in == nil {
		return ""
	}
	return *in
}
