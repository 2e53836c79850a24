package domain

// Mission classes.
const (
	ClassExploration    = "exploration"
	ClassImplementation = "implementation"
	ClassMaintenance    = "maintenance"
	ClassDestructive    = "destructive"
	ClassContinuous     = "continuous"
)

// Mission statuses.
const (
	MissionQueued      = "queued"
	MissionRunning     = "running"
	MissionBlocked     = "blocked"
	MissionNeedsReview = "needs_review"
	MissionComplete    = "complete"
	MissionFailed      = "failed"
	MissionLocked      = "locked"
)

// Task statuses.
const (
	TaskPending  = "pending"
	TaskReady    = "ready"
	TaskRunning  = "running"
	TaskComplete = "complete"
	TaskFailed   = "failed"
	TaskBlocked  = "blocked"
)

// Artifact modes.
const (
	ModeImmutable  = "immutable"
	ModeAppendOnly = "append-only"
)

type Mission struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	Class             string   `json:"class" enum:"exploration,implementation,maintenance,destructive,continuous"`
	Status            string   `json:"status" enum:"queued,running,blocked,needs_review,complete,failed,locked"`
	BlockedReason     *string  `json:"blocked_reason,omitempty"`
	RequiredArtifacts []string `json:"required_artifacts,omitempty"`
	RiskLevel         string   `json:"risk_level" enum:"low,medium,high"`
	AllowedTools      []string `json:"allowed_tools,omitempty"`
	MaxEstimatedCost  *float64 `json:"max_estimated_cost,omitempty"`
	MaxCostPerHour    *float64 `json:"max_cost_per_hour,omitempty"`
	TriggerSource     string   `json:"trigger_source" enum:"manual,watchdog,scheduled"`
	TaskIDs           []string `json:"task_ids,omitempty"`
	ArtifactIDs       []string `json:"artifact_ids,omitempty"`
	StateVersion      int      `json:"state_version"`
	LastSnapshotAt    *string  `json:"last_snapshot_at,omitempty" format:"date-time"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
	CompletedAt       *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Terminal reports whether the mission can never produce further work.
func (m Mission) Terminal() bool {
	return m.Status == MissionComplete || m.Status == MissionFailed
}

type Task struct {
	ID                string   `json:"id"`
	MissionID         string   `json:"mission_id"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	Type              string   `json:"type" enum:"work,verification,finalization"`
	Status            string   `json:"status" enum:"pending,ready,running,complete,failed,blocked"`
	DependsOn         []string `json:"depends_on,omitempty"`
	RequiredArtifacts []string `json:"required_artifacts,omitempty"`
	AgentID           *string  `json:"agent_id,omitempty"`
	StateVersion      int      `json:"state_version"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
	CompletedAt       *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Provenance records who produced an artifact and where.
type Provenance struct {
	Producer   string  `json:"producer" enum:"agent,watchdog,system,human"`
	AgentID    *string `json:"agent_id,omitempty"`
	Worktree   *string `json:"worktree,omitempty"`
	CommitHash *string `json:"commit_hash,omitempty"`
}

type Artifact struct {
	ID          string          `json:"id"`
	MissionID   string          `json:"mission_id"`
	TaskID      *string         `json:"task_id,omitempty"`
	Type        string          `json:"type"`
	Mode        string          `json:"mode" enum:"immutable,append-only"`
	Label       string          `json:"label"`
	PayloadJSON *string         `json:"payload_json,omitempty"`
	Files       []string        `json:"files,omitempty"`
	Provenance  Provenance      `json:"provenance"`
	Entries     []ArtifactEntry `json:"entries,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
}

// ArtifactEntry is one element of an append-only artifact. Entries are
// ordered by Seq and never rewritten.
type ArtifactEntry struct {
	ArtifactID  string `json:"artifact_id"`
	Seq         int    `json:"seq"`
	PayloadJSON string `json:"payload_json"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// CircuitBreakerState holds the per-mission safety counters. It is keyed by
// mission id but lives independently of the mission row, so a trip survives
// mission reloads.
type CircuitBreakerState struct {
	MissionID          string  `json:"mission_id"`
	FailureCount       int     `json:"failure_count"`
	ImmediateExecCount int     `json:"immediate_exec_count"`
	Tripped            bool    `json:"tripped"`
	TrippedAt          *string `json:"tripped_at,omitempty" format:"date-time"`
	TrippedReason      *string `json:"tripped_reason,omitempty"`
	LockedUntil        *string `json:"locked_until,omitempty" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

// Snapshot is the metadata row for a full-state dump on disk.
type Snapshot struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Path      string `json:"path"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Version    int    `json:"version,omitempty"`
	Payload    string `json:"payload_json"`
}

// Signal is a watchdog observation that may trigger mission creation. Its
// identity (source, metric) combined with the observation window yields the
// idempotency key.
type Signal struct {
	Source        string  `json:"source"`
	Metric        string  `json:"metric"`
	Value         float64 `json:"value"`
	PreviousValue float64 `json:"previous_value"`
	Delta         float64 `json:"delta"`
	Threshold     float64 `json:"threshold"`
	Window        string  `json:"window"`
	Triggered     bool    `json:"triggered"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
