package missionlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Missionline HTTP API client, meant for agent runtimes
// and watchdogs that need to submit signals, record artifacts, and ask the
// engine for execution authorization.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Mission represents the API mission model.
type Mission struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	Class             string   `json:"class"`
	Status            string   `json:"status"`
	BlockedReason     *string  `json:"blocked_reason,omitempty"`
	RequiredArtifacts []string `json:"required_artifacts"`
	RiskLevel         string   `json:"risk_level"`
	AllowedTools      []string `json:"allowed_tools"`
	TriggerSource     string   `json:"trigger_source"`
	TaskIDs           []string `json:"task_ids"`
	ArtifactIDs       []string `json:"artifact_ids"`
	StateVersion      int      `json:"state_version"`
	CreatedAt         string   `json:"created_at"`
	UpdatedAt         string   `json:"updated_at"`
	CompletedAt       *string  `json:"completed_at,omitempty"`
}

// Task represents the API task model.
type Task struct {
	ID                string   `json:"id"`
	MissionID         string   `json:"mission_id"`
	Title             string   `json:"title"`
	Type              string   `json:"type"`
	Status            string   `json:"status"`
	DependsOn         []string `json:"depends_on"`
	RequiredArtifacts []string `json:"required_artifacts"`
	AgentID           *string  `json:"agent_id,omitempty"`
	StateVersion      int      `json:"state_version"`
}

// Artifact represents the API artifact model.
type Artifact struct {
	ID        string         `json:"id"`
	MissionID string         `json:"mission_id"`
	TaskID    *string        `json:"task_id,omitempty"`
	Type      string         `json:"type"`
	Mode      string         `json:"mode"`
	Label     string         `json:"label"`
	Payload   map[string]any `json:"payload,omitempty"`
	Files     []string       `json:"files"`
	CreatedAt string         `json:"created_at"`
}

// BreakerState is the per-mission circuit breaker view.
type BreakerState struct {
	MissionID          string  `json:"mission_id"`
	FailureCount       int     `json:"failure_count"`
	ImmediateExecCount int     `json:"immediate_exec_count"`
	Tripped            bool    `json:"tripped"`
	TrippedAt          *string `json:"tripped_at,omitempty"`
	TrippedReason      *string `json:"tripped_reason,omitempty"`
	UpdatedAt          string  `json:"updated_at"`
}

// Snapshot is a state snapshot record.
type Snapshot struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Path      string `json:"path"`
	CreatedAt string `json:"created_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	MissionID  string         `json:"mission_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Signal is a watchdog observation submitted for mission creation.
type Signal struct {
	Source        string  `json:"source"`
	Metric        string  `json:"metric"`
	Value         float64 `json:"value"`
	PreviousValue float64 `json:"previous_value,omitempty"`
	Delta         float64 `json:"delta,omitempty"`
	Threshold     float64 `json:"threshold,omitempty"`
	Window        string  `json:"window,omitempty"`
	Triggered     bool    `json:"triggered"`
}

// SignalResult reports whether a signal created a mission or was suppressed
// as a duplicate inside the idempotency window.
type SignalResult struct {
	Mission      Mission `json:"mission"`
	Deduplicated bool    `json:"deduplicated"`
}

// ExecutionRequest describes an execution to authorize.
type ExecutionRequest struct {
	Tool          string  `json:"tool,omitempty"`
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
	CostPerHour   float64 `json:"cost_per_hour,omitempty"`
	Immediate     bool    `json:"immediate,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// CreateMission creates a mission.
func (c *Client) CreateMission(ctx context.Context, name, class string, requiredArtifacts []string) (Mission, error) {
	body := map[string]any{
		"name":               name,
		"class":              class,
		"required_artifacts": requiredArtifacts,
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, "v0/missions", body, &resp)
	return resp, err
}

// GetMission fetches a mission by id.
func (c *Client) GetMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "v0/missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CompleteMission requests completion of a mission.
func (c *Client) CompleteMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, "v0/missions/"+url.PathEscape(id)+"/complete", nil, &resp)
	return resp, err
}

// SubmitSignal submits a watchdog signal. Duplicate signals inside the
// idempotency window return the existing mission with Deduplicated true.
func (c *Client) SubmitSignal(ctx context.Context, sig Signal) (SignalResult, error) {
	var resp SignalResult
	err := c.do(ctx, http.MethodPost, "v0/signals", sig, &resp)
	return resp, err
}

// CreateTask creates a task under a mission.
func (c *Client) CreateTask(ctx context.Context, missionID, title string, dependsOn []string) (Task, error) {
	body := map[string]any{
		"title":      title,
		"depends_on": dependsOn,
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/missions/%s/tasks", url.PathEscape(missionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// UpdateTaskStatus transitions a task.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status string) (Task, error) {
	body := map[string]any{"status": status}
	var resp Task
	err := c.do(ctx, http.MethodPatch, "v0/tasks/"+url.PathEscape(taskID), body, &resp)
	return resp, err
}

// CreateArtifact records a typed artifact against a mission.
func (c *Client) CreateArtifact(ctx context.Context, missionID, artifactType, producer string, payload map[string]any) (Artifact, error) {
	body := map[string]any{
		"type":     artifactType,
		"producer": producer,
		"payload":  payload,
	}
	var resp Artifact
	endpoint := fmt.Sprintf("v0/missions/%s/artifacts", url.PathEscape(missionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AppendArtifactEntry appends an entry to an append-only artifact.
func (c *Client) AppendArtifactEntry(ctx context.Context, artifactID string, payload map[string]any) (Artifact, error) {
	body := map[string]any{"payload": payload}
	var resp Artifact
	endpoint := fmt.Sprintf("v0/artifacts/%s/entries", url.PathEscape(artifactID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Authorize runs the safety gates for an execution. A nil error means the
// execution is granted; gate denials come back as *APIError with the engine's
// error code in the body.
func (c *Client) Authorize(ctx context.Context, missionID string, req ExecutionRequest) error {
	endpoint := fmt.Sprintf("v0/missions/%s/authorize", url.PathEscape(missionID))
	return c.do(ctx, http.MethodPost, endpoint, req, nil)
}

// RecordFailure increments a mission's failure counter.
func (c *Client) RecordFailure(ctx context.Context, missionID, cause string) (BreakerState, error) {
	body := map[string]any{"cause": cause}
	var resp BreakerState
	endpoint := fmt.Sprintf("v0/missions/%s/breaker/failures", url.PathEscape(missionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Breaker returns a mission's circuit breaker state.
func (c *Client) Breaker(ctx context.Context, missionID string) (BreakerState, error) {
	var resp BreakerState
	endpoint := fmt.Sprintf("v0/missions/%s/breaker", url.PathEscape(missionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateSnapshot writes a full-state snapshot.
func (c *Client) CreateSnapshot(ctx context.Context, reason string) (Snapshot, error) {
	body := map[string]any{"reason": reason}
	var resp Snapshot
	err := c.do(ctx, http.MethodPost, "v0/snapshots", body, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
