package registry_test

import (
	"testing"

	"missionline/internal/registry"
)

func TestBuiltinTypesRegistered(t *testing.T) {
	reg, err := registry.New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, name := range []string{
		registry.TypeSignalReport,
		registry.TypeApprovalRecord,
		registry.TypeCircuitBreakerTrip,
		registry.TypeCostEstimate,
		registry.TypeFinding,
		registry.TypeRunLog,
		registry.TypeVerificationReport,
	} {
		if !reg.Has(name) {
			t.Fatalf("builtin %s missing", name)
		}
	}
	if reg.Mode(registry.TypeRunLog) != registry.ModeAppendOnly {
		t.Fatalf("run_log must be append-only")
	}
	if reg.Mode(registry.TypeFinding) != registry.ModeImmutable {
		t.Fatalf("finding must be immutable")
	}
	if reg.Mode("nope") != "" {
		t.Fatalf("unknown type must report empty mode")
	}
}

func TestExtraTypes(t *testing.T) {
	extra := []registry.Type{{
		Name: "deploy_manifest",
		Mode: registry.ModeImmutable,
		Fields: []registry.FieldSpec{
			{Name: "service", Type: registry.FieldString, Required: true},
		},
	}}
	reg, err := registry.New(extra)
	if err != nil {
		t.Fatalf("new with extras: %v", err)
	}
	if !reg.Has("deploy_manifest") {
		t.Fatalf("extra type missing")
	}

	// Shadowing a builtin is rejected.
	_, err = registry.New([]registry.Type{{Name: registry.TypeFinding, Mode: registry.ModeImmutable}})
	if err == nil {
		t.Fatalf("expected shadowing error")
	}
	// Unknown mode is rejected.
	_, err = registry.New([]registry.Type{{Name: "weird", Mode: "mutable"}})
	if err == nil {
		t.Fatalf("expected mode error")
	}
	// Unknown field type is rejected.
	_, err = registry.New([]registry.Type{{
		Name: "weird", Mode: registry.ModeImmutable,
		Fields: []registry.FieldSpec{{Name: "f", Type: "blob"}},
	}})
	if err == nil {
		t.Fatalf("expected field type error")
	}
}
