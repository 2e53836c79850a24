package engine_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/migrate"
	"missionline/internal/registry"
	"missionline/internal/repo"
	"missionline/internal/snapshot"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	reg, err := registry.New(cfg.RegistryTypes())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	eng := engine.New(conn, cfg, reg, snapshot.Store{Dir: db.SnapshotDir(dir)})
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func createMission(t *testing.T, env testEnv, opts engine.MissionCreateOptions) domain.Mission {
	t.Helper()
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	m, err := env.Engine.CreateMission(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	return m
}

func setMissionStatus(t *testing.T, env testEnv, id, status string) domain.Mission {
	t.Helper()
	m, err := env.Engine.UpdateMission(env.Ctx, id, engine.MissionPatch{Status: &status}, "tester")
	if err != nil {
		t.Fatalf("set status %s: %v", status, err)
	}
	return m
}

func TestCompletionRequiresArtifacts(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{
		Name:              "ship it",
		Class:             domain.ClassImplementation,
		RequiredArtifacts: []string{registry.TypeFinding, registry.TypeVerificationReport},
	})

	status := domain.MissionComplete
	_, err := env.Engine.UpdateMission(env.Ctx, m.ID, engine.MissionPatch{Status: &status}, "tester")
	if !engine.IsCode(err, engine.CodeCompletionBlocked) {
		t.Fatalf("expected COMPLETION_BLOCKED, got %v", err)
	}

	_, err = env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		MissionID: m.ID,
		Type:      registry.TypeFinding,
		Payload:   map[string]any{"summary": "root cause isolated"},
		Producer:  "agent",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create finding: %v", err)
	}

	// One of two required types present: still blocked.
	_, err = env.Engine.UpdateMission(env.Ctx, m.ID, engine.MissionPatch{Status: &status}, "tester")
	if !engine.IsCode(err, engine.CodeCompletionBlocked) {
		t.Fatalf("expected COMPLETION_BLOCKED with partial evidence, got %v", err)
	}

	_, err = env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		MissionID: m.ID,
		Type:      registry.TypeVerificationReport,
		Payload:   map[string]any{"passed": true, "summary": "all checks green"},
		Producer:  "agent",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create verification report: %v", err)
	}

	done := setMissionStatus(t, env, m.ID, domain.MissionComplete)
	if done.Status != domain.MissionComplete {
		t.Fatalf("expected complete, got %s", done.Status)
	}
	if done.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
}

func TestCompletionGateUsesPatchedRequirements(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{Name: "ship it", Class: domain.ClassImplementation})

	// Setting status and new requirements in one patch must gate on the
	// patched requirement list, not the stored one.
	status := domain.MissionComplete
	required := []string{registry.TypeVerificationReport}
	_, err := env.Engine.UpdateMission(env.Ctx, m.ID, engine.MissionPatch{
		Status:            &status,
		RequiredArtifacts: &required,
	}, "tester")
	if !engine.IsCode(err, engine.CodeCompletionBlocked) {
		t.Fatalf("expected COMPLETION_BLOCKED against patched requirements, got %v", err)
	}

	after, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != domain.MissionQueued {
		t.Fatalf("blocked patch must not land, got %s", after.Status)
	}

	_, err = env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		MissionID: m.ID,
		Type:      registry.TypeVerificationReport,
		Payload:   map[string]any{"passed": true, "summary": "all checks green"},
		Producer:  "agent",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	done, err := env.Engine.UpdateMission(env.Ctx, m.ID, engine.MissionPatch{
		Status:            &status,
		RequiredArtifacts: &required,
	}, "tester")
	if err != nil {
		t.Fatalf("complete with evidence present: %v", err)
	}
	if done.Status != domain.MissionComplete {
		t.Fatalf("expected complete, got %s", done.Status)
	}
}

func TestArtifactBumpsVersionWithoutTransition(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{
		Name:              "watch",
		Class:             domain.ClassExploration,
		RequiredArtifacts: []string{registry.TypeFinding},
	})

	_, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		MissionID: m.ID,
		Type:      registry.TypeFinding,
		Payload:   map[string]any{"summary": "nothing burned"},
		Producer:  "agent",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}

	after, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if after.Status != domain.MissionQueued {
		t.Fatalf("artifact must not transition mission, got %s", after.Status)
	}
	if after.StateVersion != m.StateVersion+1 {
		t.Fatalf("expected version %d, got %d", m.StateVersion+1, after.StateVersion)
	}
}

func TestArtifactPayloadValidation(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{Name: "strict", Class: domain.ClassExploration})

	// Unregistered type.
	_, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		MissionID: m.ID,
		Type:      "mystery_blob",
		Producer:  "agent",
		ActorID:   "tester",
	})
	if !engine.IsCode(err, engine.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR for unknown type, got %v", err)
	}

	// Missing required payload field.
	_, err = env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		MissionID: m.ID,
		Type:      registry.TypeFinding,
		Payload:   map[string]any{"detail": map[string]any{"k": "v"}},
		Producer:  "agent",
		ActorID:   "tester",
	})
	if !engine.IsCode(err, engine.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR for missing field, got %v", err)
	}
}

func TestBreakerTripsOnThirdFailure(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{Name: "flaky", Class: domain.ClassMaintenance})
	_ = setMissionStatus(t, env, m.ID, domain.MissionRunning)

	for i := 0; i < 2; i++ {
		state, err := env.Engine.RecordFailure(env.Ctx, m.ID, "agent crashed", "tester")
		if err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
		if state.Tripped {
			t.Fatalf("tripped after %d failures", i+1)
		}
	}
	state, err := env.Engine.RecordFailure(env.Ctx, m.ID, "agent crashed", "tester")
	if err != nil {
		t.Fatalf("third failure: %v", err)
	}
	if !state.Tripped || state.FailureCount != 3 {
		t.Fatalf("expected trip at 3 failures, got tripped=%v count=%d", state.Tripped, state.FailureCount)
	}

	locked, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if locked.Status != domain.MissionLocked {
		t.Fatalf("expected locked mission, got %s", locked.Status)
	}
	if locked.LastSnapshotAt == nil {
		t.Fatalf("expected snapshot before locking a running mission")
	}

	trips, err := env.Engine.Repo.CountArtifacts(env.Ctx, m.ID, registry.TypeCircuitBreakerTrip)
	if err != nil {
		t.Fatal(err)
	}
	if trips != 1 {
		t.Fatalf("expected exactly one trip artifact, got %d", trips)
	}

	// Every further mutation is rejected until approval.
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{MissionID: m.ID, Title: "more work", ActorID: "tester"})
	if !engine.IsCode(err, engine.CodeBreakerTripped) {
		t.Fatalf("expected CIRCUIT_BREAKER_TRIPPED, got %v", err)
	}
}

func TestTripSnapshotCapturesRunningMission(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{Name: "flaky", Class: domain.ClassMaintenance})
	_ = setMissionStatus(t, env, m.ID, domain.MissionRunning)

	// The third failure snapshots mid-transaction, before the lock lands.
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.RecordFailure(env.Ctx, m.ID, "agent crashed", "tester"); err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}

	snaps, err := env.Engine.Repo.ListSnapshots(env.Ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) == 0 {
		t.Fatalf("expected a snapshot from the trip")
	}
	state, err := env.Engine.Snapshots.Read(snaps[0].ID)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	found := false
	for _, sm := range state.Missions {
		if sm.ID != m.ID {
			continue
		}
		found = true
		if sm.Status != domain.MissionRunning {
			t.Fatalf("snapshot must hold the pre-lock state, got %s", sm.Status)
		}
	}
	if !found {
		t.Fatalf("snapshot missing mission %s", m.ID)
	}
}

func TestApprovalClearsTrippedBreaker(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{Name: "flaky", Class: domain.ClassMaintenance})
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.RecordFailure(env.Ctx, m.ID, "timeout", "tester"); err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}

	_, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		MissionID: m.ID,
		Type:      registry.TypeApprovalRecord,
		Payload: map[string]any{
			"target_type": "circuit_breaker",
			"target_id":   m.ID,
			"decision":    "approve",
			"approver":    "oncall",
		},
		Producer: "human",
		ActorID:  "oncall",
	})
	if err != nil {
		t.Fatalf("approval must pass the breaker gate: %v", err)
	}

	state, err := env.Engine.Repo.GetBreaker(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.Tripped {
		t.Fatalf("expected breaker cleared")
	}
	if state.FailureCount != 3 {
		t.Fatalf("approval must keep counters, got %d", state.FailureCount)
	}

	unlocked, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if unlocked.Status != domain.MissionNeedsReview {
		t.Fatalf("expected needs_review after unlock, got %s", unlocked.Status)
	}

	// Mutations flow again.
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{MissionID: m.ID, Title: "retry", ActorID: "tester"}); err != nil {
		t.Fatalf("expected mutations after approval: %v", err)
	}
}

func TestRejectionDoesNotClearBreaker(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{Name: "flaky", Class: domain.ClassMaintenance})
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.RecordFailure(env.Ctx, m.ID, "timeout", "tester"); err != nil {
			t.Fatal(err)
		}
	}
	_, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		MissionID: m.ID,
		Type:      registry.TypeApprovalRecord,
		Payload: map[string]any{
			"target_type": "circuit_breaker",
			"target_id":   m.ID,
			"decision":    "reject",
			"approver":    "oncall",
		},
		Producer: "human",
		ActorID:  "oncall",
	})
	if err != nil {
		t.Fatalf("rejection record: %v", err)
	}
	state, err := env.Engine.Repo.GetBreaker(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !state.Tripped {
		t.Fatalf("rejection must not clear the breaker")
	}
}

func TestApprovalMustTargetTheMission(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{Name: "flaky", Class: domain.ClassMaintenance})
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.RecordFailure(env.Ctx, m.ID, "timeout", "tester"); err != nil {
			t.Fatal(err)
		}
	}

	// An approval aimed at a different mission does not pass the gate.
	_, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		MissionID: m.ID,
		Type:      registry.TypeApprovalRecord,
		Payload: map[string]any{
			"target_type": "circuit_breaker",
			"target_id":   "some-other-mission",
			"decision":    "approve",
			"approver":    "oncall",
		},
		Producer: "human",
		ActorID:  "oncall",
	})
	if !engine.IsCode(err, engine.CodeBreakerTripped) {
		t.Fatalf("mistargeted approval must not pass the gate, got %v", err)
	}

	// Nor does one with no target at all.
	_, err = env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		MissionID: m.ID,
		Type:      registry.TypeApprovalRecord,
		Payload: map[string]any{
			"target_type": "circuit_breaker",
			"target_id":   "",
			"decision":    "approve",
			"approver":    "oncall",
		},
		Producer: "human",
		ActorID:  "oncall",
	})
	if !engine.IsCode(err, engine.CodeBreakerTripped) {
		t.Fatalf("untargeted approval must not pass the gate, got %v", err)
	}

	state, err := env.Engine.Repo.GetBreaker(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !state.Tripped {
		t.Fatalf("breaker must stay tripped")
	}
}

func TestImmediateExecutionLimit(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{Name: "hasty", Class: domain.ClassMaintenance})

	req := engine.ExecutionRequest{Tool: "shell", Immediate: true}
	for i := 0; i < 2; i++ {
		if err := env.Engine.AuthorizeExecution(env.Ctx, m.ID, req, "agent-1"); err != nil {
			t.Fatalf("immediate %d: %v", i+1, err)
		}
	}
	err := env.Engine.AuthorizeExecution(env.Ctx, m.ID, req, "agent-1")
	if !engine.IsCode(err, engine.CodeBreakerTripped) {
		t.Fatalf("expected trip on third immediate execution, got %v", err)
	}
	locked, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if locked.Status != domain.MissionLocked {
		t.Fatalf("expected locked, got %s", locked.Status)
	}
}

func TestBudgetBreachBlocksMission(t *testing.T) {
	env := newTestEnv(t)
	ceiling := 10.0
	m := createMission(t, env, engine.MissionCreateOptions{
		Name:             "pricey",
		Class:            domain.ClassImplementation,
		MaxEstimatedCost: &ceiling,
	})

	err := env.Engine.AuthorizeExecution(env.Ctx, m.ID, engine.ExecutionRequest{Tool: "shell", EstimatedCost: 50}, "agent-1")
	if !engine.IsCode(err, engine.CodeCostLimitExceeded) {
		t.Fatalf("expected COST_LIMIT_EXCEEDED, got %v", err)
	}

	blocked, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if blocked.Status != domain.MissionBlocked {
		t.Fatalf("budget breach must block, not lock; got %s", blocked.Status)
	}
	if blocked.BlockedReason == nil {
		t.Fatalf("expected blocked_reason")
	}

	// Evidence artifacts, but no breaker trip.
	for _, typ := range []string{registry.TypeCostEstimate, registry.TypeCircuitBreakerTrip} {
		n, err := env.Engine.Repo.CountArtifacts(env.Ctx, m.ID, typ)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("expected one %s artifact, got %d", typ, n)
		}
	}
	state, err := env.Engine.Repo.GetBreaker(env.Ctx, m.ID)
	if err == nil && state.Tripped {
		t.Fatalf("budget breach must not trip the breaker")
	}
}

func TestToolAllowList(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{
		Name:         "constrained",
		Class:        domain.ClassExploration,
		AllowedTools: []string{"grep", "cat"},
	})

	err := env.Engine.AuthorizeExecution(env.Ctx, m.ID, engine.ExecutionRequest{Tool: "rm"}, "agent-1")
	if !engine.IsCode(err, engine.CodeToolNotAllowed) {
		t.Fatalf("expected TOOL_NOT_ALLOWED, got %v", err)
	}
	if err := env.Engine.AuthorizeExecution(env.Ctx, m.ID, engine.ExecutionRequest{Tool: "grep"}, "agent-1"); err != nil {
		t.Fatalf("allowed tool rejected: %v", err)
	}
}

func TestDestructiveMissionGates(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{
		Name:  "wipe staging",
		Class: domain.ClassDestructive,
	})

	err := env.Engine.AuthorizeExecution(env.Ctx, m.ID, engine.ExecutionRequest{Tool: "shell"}, "agent-1")
	if !engine.IsCode(err, engine.CodeArmedModeRequired) {
		t.Fatalf("expected ARMED_MODE_REQUIRED while disarmed, got %v", err)
	}

	env.Engine.Config.Engine.Armed = true
	err = env.Engine.AuthorizeExecution(env.Ctx, m.ID, engine.ExecutionRequest{Tool: "shell"}, "agent-1")
	if !engine.IsCode(err, engine.CodeDestructiveBlocked) {
		t.Fatalf("expected DESTRUCTIVE_BLOCKED without approval, got %v", err)
	}

	_, err = env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		MissionID: m.ID,
		Type:      registry.TypeApprovalRecord,
		Payload: map[string]any{
			"target_type": "mission",
			"target_id":   m.ID,
			"decision":    "approve",
			"approver":    "lead",
		},
		Producer: "human",
		ActorID:  "lead",
	})
	if err != nil {
		t.Fatalf("approval: %v", err)
	}
	if err := env.Engine.AuthorizeExecution(env.Ctx, m.ID, engine.ExecutionRequest{Tool: "shell"}, "agent-1"); err != nil {
		t.Fatalf("expected authorization once armed and approved: %v", err)
	}
}

func TestTaskDependencyPromotion(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{Name: "pipeline", Class: domain.ClassImplementation})

	first, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{MissionID: m.ID, Title: "build", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != domain.TaskReady {
		t.Fatalf("task without deps must start ready, got %s", first.Status)
	}
	second, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		MissionID: m.ID, Title: "deploy", DependsOn: []string{first.ID}, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != domain.TaskPending {
		t.Fatalf("dependent task must start pending, got %s", second.Status)
	}

	// Advancing ahead of its dependency is rejected.
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: second.ID, Status: domain.TaskReady, ActorID: "tester"})
	if !engine.IsCode(err, engine.CodeDependencyNotMet) {
		t.Fatalf("expected DEPENDENCY_NOT_MET, got %v", err)
	}

	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: first.ID, Status: domain.TaskRunning, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: first.ID, Status: domain.TaskComplete, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}

	promoted, err := env.Engine.Repo.GetTask(env.Ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if promoted.Status != domain.TaskReady {
		t.Fatalf("expected automatic promotion to ready, got %s", promoted.Status)
	}
}

func TestTaskRejectsUnknownDependency(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{Name: "pipeline", Class: domain.ClassImplementation})
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		MissionID: m.ID, Title: "ghost dep", DependsOn: []string{"no-such-task"}, ActorID: "tester",
	})
	if !engine.IsCode(err, engine.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestTaskFailureFeedsBreaker(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{Name: "fragile", Class: domain.ClassMaintenance})

	for i := 0; i < 3; i++ {
		task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{MissionID: m.ID, Title: "attempt", ActorID: "tester"})
		if err != nil {
			t.Fatalf("create attempt %d: %v", i+1, err)
		}
		if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: domain.TaskRunning, ActorID: "tester"}); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: domain.TaskFailed, ActorID: "tester"}); err != nil {
			t.Fatal(err)
		}
	}

	state, err := env.Engine.Repo.GetBreaker(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.FailureCount != 3 || !state.Tripped {
		t.Fatalf("expected trip from task failures, got count=%d tripped=%v", state.FailureCount, state.Tripped)
	}
}

func TestSignalIdempotency(t *testing.T) {
	env := newTestEnv(t)
	sig := domain.Signal{Source: "cost-watchdog", Metric: "hourly_spend", Value: 42, Threshold: 40, Window: "1h", Triggered: true}

	first, err := env.Engine.CreateMissionFromSignal(env.Ctx, sig, "watchdog")
	if err != nil {
		t.Fatalf("first signal: %v", err)
	}
	if first.Deduplicated {
		t.Fatalf("first signal must create a mission")
	}
	if first.Mission.TriggerSource != "watchdog" {
		t.Fatalf("expected watchdog trigger, got %s", first.Mission.TriggerSource)
	}

	n, err := env.Engine.Repo.CountArtifacts(env.Ctx, first.Mission.ID, registry.TypeSignalReport)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected signal_report artifact, got %d", n)
	}

	second, err := env.Engine.CreateMissionFromSignal(env.Ctx, sig, "watchdog")
	if err != nil {
		t.Fatalf("duplicate signal: %v", err)
	}
	if !second.Deduplicated || second.Mission.ID != first.Mission.ID {
		t.Fatalf("expected dedup onto %s, got %+v", first.Mission.ID, second)
	}

	// A different metric in the same window is a distinct identity.
	other := sig
	other.Metric = "error_rate"
	third, err := env.Engine.CreateMissionFromSignal(env.Ctx, other, "watchdog")
	if err != nil {
		t.Fatal(err)
	}
	if third.Deduplicated || third.Mission.ID == first.Mission.ID {
		t.Fatalf("different metric must create a new mission")
	}
}

func TestConcurrentDuplicateSignals(t *testing.T) {
	env := newTestEnv(t)
	sig := domain.Signal{Source: "cost-watchdog", Metric: "hourly_spend", Value: 42, Threshold: 40, Window: "1h", Triggered: true}

	const workers = 8
	results := make([]engine.SignalResult, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.CreateMissionFromSignal(env.Ctx, sig, "watchdog")
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("signal %d: %v", i, errs[i])
		}
		if results[i].Mission.ID != results[0].Mission.ID {
			t.Fatalf("signals split across missions: %s vs %s", results[i].Mission.ID, results[0].Mission.ID)
		}
		if !results[i].Deduplicated {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one creation, got %d", created)
	}
}

func TestSignalKeyReusableAfterTerminalMission(t *testing.T) {
	env := newTestEnv(t)
	sig := domain.Signal{Source: "health", Metric: "heartbeat_missed", Value: 1, Triggered: true}

	first, err := env.Engine.CreateMissionFromSignal(env.Ctx, sig, "watchdog")
	if err != nil {
		t.Fatal(err)
	}
	// signal_report landed at creation, so completion is allowed.
	_ = setMissionStatus(t, env, first.Mission.ID, domain.MissionComplete)

	again, err := env.Engine.CreateMissionFromSignal(env.Ctx, sig, "watchdog")
	if err != nil {
		t.Fatal(err)
	}
	if again.Deduplicated || again.Mission.ID == first.Mission.ID {
		t.Fatalf("terminal holder must release the idempotency key")
	}
}

func TestSnapshotBeforeDestructiveTransition(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{Name: "doomed", Class: domain.ClassMaintenance})
	_ = setMissionStatus(t, env, m.ID, domain.MissionRunning)
	failed := setMissionStatus(t, env, m.ID, domain.MissionFailed)

	if failed.LastSnapshotAt == nil {
		t.Fatalf("running -> failed must leave a recovery point")
	}
	snaps, err := env.Engine.Repo.ListSnapshots(env.Ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) == 0 {
		t.Fatalf("expected snapshot row")
	}
	if _, err := os.Stat(snaps[0].Path); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}
}

func TestManualSnapshotRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{Name: "captured", Class: domain.ClassExploration})

	snap, err := env.Engine.CreateSnapshot(env.Ctx, "manual", "tester")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	state, err := env.Engine.Snapshots.Read(snap.ID)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(state.Missions) != 1 || state.Missions[0].ID != m.ID {
		t.Fatalf("snapshot must capture the mission")
	}
}

func TestAppendOnlyArtifact(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{Name: "logged", Class: domain.ClassContinuous})

	log, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		MissionID: m.ID,
		Type:      registry.TypeRunLog,
		Payload:   map[string]any{"line": "boot"},
		Producer:  "agent",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create run_log: %v", err)
	}
	if log.Mode != registry.ModeAppendOnly {
		t.Fatalf("mode must come from the registry, got %s", log.Mode)
	}

	appended, err := env.Engine.AppendArtifactEntry(env.Ctx, log.ID, map[string]any{"line": "step 1"}, "tester")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(appended.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(appended.Entries))
	}
	if appended.Entries[0].Seq != 1 || appended.Entries[1].Seq != 2 {
		t.Fatalf("entries must be sequenced, got %d then %d", appended.Entries[0].Seq, appended.Entries[1].Seq)
	}

	finding, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		MissionID: m.ID,
		Type:      registry.TypeFinding,
		Payload:   map[string]any{"summary": "done"},
		Producer:  "agent",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.AppendArtifactEntry(env.Ctx, finding.ID, map[string]any{"summary": "more"}, "tester")
	if !engine.IsCode(err, engine.CodeValidation) {
		t.Fatalf("immutable artifact must refuse entries, got %v", err)
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{Name: "lifecycle", Class: domain.ClassImplementation})
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{MissionID: m.ID, Title: "step", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}

	// complete is only reachable from running
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: domain.TaskComplete, ActorID: "tester"})
	if !engine.IsCode(err, engine.CodeValidation) {
		t.Fatalf("expected transition error, got %v", err)
	}

	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: domain.TaskRunning, ActorID: "tester"})
	if err != nil || task.Status != domain.TaskRunning {
		t.Fatalf("to running: %v", err)
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: domain.TaskComplete, ActorID: "tester"})
	if err != nil || task.Status != domain.TaskComplete {
		t.Fatalf("to complete: %v", err)
	}
	if task.CompletedAt == nil {
		t.Fatalf("expected completed_at")
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, engine.MissionCreateOptions{Name: "audited", Class: domain.ClassExploration})
	_ = setMissionStatus(t, env, m.ID, domain.MissionRunning)
	_, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		MissionID: m.ID,
		Type:      registry.TypeFinding,
		Payload:   map[string]any{"summary": "observed"},
		Producer:  "agent",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatal(err)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, m.ID, "", "", "")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := map[string]bool{}
	for _, ev := range events {
		types[ev.Type] = true
	}
	for _, want := range []string{"mission.created", "mission.updated", "artifact.created"} {
		if !types[want] {
			t.Fatalf("missing %s event; have %v", want, types)
		}
	}
}

func TestNotFoundErrors(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Repo.GetMission(env.Ctx, "nope")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = env.Engine.UpdateMission(env.Ctx, "nope", engine.MissionPatch{}, "tester")
	if !engine.IsCode(err, engine.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}
