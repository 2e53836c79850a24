package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/graph"
	"missionline/internal/repo"
	"missionline/internal/validate"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	MissionID         string
	Title             string
	Description       string
	Type              string
	DependsOn         []string
	RequiredArtifacts []string
	AgentID           string
	ActorID           string
}

// CreateTask decomposes a mission step. Dependency cycles are a schema
// error and rejected here; they never become a runtime deadlock.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if err := e.ready(); err != nil {
		return domain.Task{}, err
	}
	unlock := e.locks.lock(opts.MissionID)
	defer unlock()

	m, err := e.Repo.GetMission(ctx, opts.MissionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, notFoundError("mission", opts.MissionID)
		}
		return domain.Task{}, err
	}
	if err := e.breakerGate(ctx, m); err != nil {
		return domain.Task{}, err
	}
	if opts.Type == "" {
		opts.Type = "work"
	}
	now := e.nowString()
	t := domain.Task{
		ID:                uuid.New().String(),
		MissionID:         opts.MissionID,
		Title:             opts.Title,
		Description:       opts.Description,
		Type:              opts.Type,
		Status:            domain.TaskPending,
		DependsOn:         opts.DependsOn,
		RequiredArtifacts: opts.RequiredArtifacts,
		AgentID:           optionalString(opts.AgentID),
		StateVersion:      1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if result := validate.Task(t); !result.Valid {
		return domain.Task{}, validationError(result)
	}

	siblings, err := e.Repo.ListMissionTasks(ctx, opts.MissionID)
	if err != nil {
		return domain.Task{}, err
	}
	known := make(map[string]bool, len(siblings))
	for _, s := range siblings {
		known[s.ID] = true
	}
	for _, dep := range t.DependsOn {
		if !known[dep] {
			return domain.Task{}, validationErrorf("dependency %s does not exist in mission %s", dep, opts.MissionID)
		}
	}
	nodes := graph.FromTasks(siblings)
	candidate := graph.Node{ID: t.ID, Status: t.Status, DependsOn: t.DependsOn}
	if graph.WouldCycle(nodes, candidate) {
		return domain.Task{}, validationErrorf("dependency cycle detected for task %s", t.Title)
	}
	if graph.Ready(append(nodes, candidate), t.ID) {
		t.Status = domain.TaskReady
	}

	m.StateVersion++
	m.UpdatedAt = now
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return err
		}
		if len(t.DependsOn) > 0 {
			if err := e.Repo.AddDependencies(ctx, tx, t.ID, t.DependsOn); err != nil {
				return err
			}
		}
		if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "task.created", t.MissionID, "task", t.ID, opts.ActorID, t.StateVersion, events.EventPayload{
			"title":  t.Title,
			"status": t.Status,
		})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions encapsulates allowed task updates.
type TaskUpdateOptions struct {
	ID      string
	Status  string
	AgentID *string
	ActorID string
}

// UpdateTask advances a task through its lifecycle. Advancing out of pending
// is resolver-gated; completing a task is the only event that can unblock
// downstream siblings, so the resolver re-runs here.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if err := e.ready(); err != nil {
		return domain.Task{}, err
	}
	peek, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, notFoundError("task", opts.ID)
		}
		return domain.Task{}, err
	}
	unlock := e.locks.lock(peek.MissionID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, notFoundError("task", opts.ID)
		}
		return domain.Task{}, err
	}
	m, err := e.Repo.GetMission(ctx, t.MissionID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.breakerGate(ctx, m); err != nil {
		return domain.Task{}, err
	}

	if opts.AgentID != nil {
		t.AgentID = optionalString(*opts.AgentID)
	}
	oldStatus := t.Status
	if opts.Status != "" && opts.Status != oldStatus {
		if !validate.TaskStatus(opts.Status) {
			return domain.Task{}, validationErrorf("unknown task status %q", opts.Status)
		}
		if err := ensureTaskTransition(oldStatus, opts.Status); err != nil {
			return domain.Task{}, err
		}
		if advancesOutOfWaiting(oldStatus, opts.Status) {
			siblings, err := e.Repo.ListMissionTasks(ctx, t.MissionID)
			if err != nil {
				return domain.Task{}, err
			}
			if unmet := graph.UnmetDeps(graph.FromTasks(siblings), t.ID); len(unmet) > 0 {
				return domain.Task{}, dependencyNotMetError(t.MissionID, t.ID, unmet)
			}
		}
		t.Status = opts.Status
	}

	now := e.nowString()
	t.StateVersion++
	t.UpdatedAt = now
	if t.Status == domain.TaskComplete && oldStatus != domain.TaskComplete {
		t.CompletedAt = &now
	}

	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "task.updated", t.MissionID, "task", t.ID, opts.ActorID, t.StateVersion, events.EventPayload{
			"from_status": oldStatus,
			"to_status":   t.Status,
		}); err != nil {
			return err
		}
		if t.Status == domain.TaskComplete && oldStatus != domain.TaskComplete {
			if err := e.promoteReadySiblings(ctx, tx, t, opts.ActorID, now); err != nil {
				return err
			}
		}
		if t.Status == domain.TaskFailed && oldStatus != domain.TaskFailed {
			if err := e.recordFailureTx(ctx, tx, m, "task "+t.ID+" failed", opts.ActorID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, t.ID)
}

// promoteReadySiblings re-runs dependency resolution after a completion and
// promotes newly unblocked pending tasks, in mission insertion order.
func (e Engine) promoteReadySiblings(ctx context.Context, tx *sql.Tx, completed domain.Task, actorID, now string) error {
	siblings, err := e.Repo.ListMissionTasks(ctx, completed.MissionID)
	if err != nil {
		return err
	}
	nodes := graph.FromTasks(siblings)
	// The completion itself is not yet visible outside this tx.
	for i := range nodes {
		if nodes[i].ID == completed.ID {
			nodes[i].Status = domain.TaskComplete
		}
	}
	promoted := graph.Promotable(nodes)
	byID := make(map[string]domain.Task, len(siblings))
	for _, s := range siblings {
		byID[s.ID] = s
	}
	for _, id := range promoted {
		s := byID[id]
		s.Status = domain.TaskReady
		s.StateVersion++
		s.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, s); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "task.ready", s.MissionID, "task", s.ID, actorID, s.StateVersion, events.EventPayload{
			"unblocked_by": completed.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func ensureTaskTransition(oldStatus, newStatus string) error {
	allowed := map[string][]string{
		domain.TaskPending: {domain.TaskReady, domain.TaskRunning, domain.TaskBlocked, domain.TaskFailed},
		domain.TaskReady:   {domain.TaskRunning, domain.TaskBlocked, domain.TaskFailed},
		domain.TaskRunning: {domain.TaskComplete, domain.TaskFailed, domain.TaskBlocked},
		domain.TaskBlocked: {domain.TaskPending, domain.TaskReady, domain.TaskFailed},
		domain.TaskFailed:  {domain.TaskPending},
	}
	for _, s := range allowed[oldStatus] {
		if s == newStatus {
			return nil
		}
	}
	return validationErrorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

// advancesOutOfWaiting reports whether the transition needs the resolver's
// dependency gate.
func advancesOutOfWaiting(oldStatus, newStatus string) bool {
	waiting := oldStatus == domain.TaskPending || oldStatus == domain.TaskBlocked
	advancing := newStatus == domain.TaskReady || newStatus == domain.TaskRunning
	return waiting && advancing
}
