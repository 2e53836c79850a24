package validate_test

import (
	"testing"

	"missionline/internal/domain"
	"missionline/internal/registry"
	"missionline/internal/validate"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func fieldsOf(r validate.Result) map[string]bool {
	fields := map[string]bool{}
	for _, e := range r.Errors {
		fields[e.Field] = true
	}
	return fields
}

func TestMissionValidation(t *testing.T) {
	ok := validate.Mission(domain.Mission{
		Name:          "m",
		Class:         domain.ClassExploration,
		RiskLevel:     "low",
		TriggerSource: "manual",
	})
	if !ok.Valid {
		t.Fatalf("expected valid mission: %v", ok.Errors)
	}

	bad := validate.Mission(domain.Mission{Class: "demolition", RiskLevel: "extreme", TriggerSource: "psychic"})
	if bad.Valid {
		t.Fatalf("expected invalid mission")
	}
	fields := fieldsOf(bad)
	for _, want := range []string{"name", "class", "risk_level", "trigger_source"} {
		if !fields[want] {
			t.Fatalf("missing error for %s: %v", want, bad.Errors)
		}
	}

	neg := -1.0
	r := validate.Mission(domain.Mission{
		Name: "m", Class: domain.ClassExploration, RiskLevel: "low", TriggerSource: "manual",
		MaxEstimatedCost: &neg,
	})
	if r.Valid {
		t.Fatalf("negative ceiling must be rejected")
	}
}

func TestTaskValidation(t *testing.T) {
	r := validate.Task(domain.Task{
		ID: "t1", MissionID: "m1", Title: "work", Type: "work",
		DependsOn: []string{"t1", "dep", "dep"},
	})
	if r.Valid {
		t.Fatalf("self and duplicate deps must be rejected")
	}
	fields := fieldsOf(r)
	if !fields["depends_on[0]"] || !fields["depends_on[2]"] {
		t.Fatalf("expected dependency errors, got %v", r.Errors)
	}

	if r := validate.Task(domain.Task{MissionID: "m1", Title: "w", Type: "guesswork"}); r.Valid {
		t.Fatalf("unknown task type must be rejected")
	}
}

func TestArtifactPayloadShape(t *testing.T) {
	reg := testRegistry(t)

	good := validate.Artifact(domain.Artifact{
		MissionID:  "m1",
		Type:       registry.TypeFinding,
		Label:      "finding",
		Provenance: domain.Provenance{Producer: "agent"},
	}, map[string]any{"summary": "seen"}, reg)
	if !good.Valid {
		t.Fatalf("expected valid artifact: %v", good.Errors)
	}

	missing := validate.Artifact(domain.Artifact{
		MissionID:  "m1",
		Type:       registry.TypeVerificationReport,
		Label:      "v",
		Provenance: domain.Provenance{Producer: "agent"},
	}, map[string]any{"summary": "no verdict"}, reg)
	if missing.Valid {
		t.Fatalf("missing required field must fail")
	}

	wrongType := validate.Payload(registry.TypeVerificationReport, map[string]any{
		"passed":  "yes",
		"summary": "typed wrong",
	}, reg)
	if wrongType.Valid {
		t.Fatalf("string where boolean expected must fail")
	}

	undeclared := validate.Payload(registry.TypeFinding, map[string]any{
		"summary": "ok",
		"extra":   1,
	}, reg)
	if undeclared.Valid {
		t.Fatalf("undeclared payload field must fail")
	}

	unknown := validate.Payload("mystery", map[string]any{}, reg)
	if unknown.Valid {
		t.Fatalf("unregistered type must fail")
	}
}
