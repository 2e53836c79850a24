package registry

import (
	"fmt"
	"sort"
)

// FieldType enumerates the JSON shapes a payload field may take.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
)

// FieldSpec describes one payload field of an artifact type.
type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
}

// Type is a registered artifact kind. Mode is a property of the type, never
// of the individual artifact.
type Type struct {
	Name        string
	Mode        string
	Description string
	Fields      []FieldSpec
}

// Registry is the immutable artifact-type table. It is built once at process
// start and passed by reference; there is no runtime mutation.
type Registry struct {
	types map[string]Type
}

const (
	ModeImmutable  = "immutable"
	ModeAppendOnly = "append-only"
)

// Built-in artifact type names the engine itself depends on.
const (
	TypeSignalReport       = "signal_report"
	TypeApprovalRecord     = "approval_record"
	TypeCircuitBreakerTrip = "circuit_breaker_trip"
	TypeCostEstimate       = "cost_estimate"
	TypeFinding            = "finding"
	TypeRunLog             = "run_log"
	TypeVerificationReport = "verification_report"
)

// Builtin returns the artifact types every engine instance carries.
func Builtin() []Type {
	return []Type{
		{
			Name:        TypeSignalReport,
			Mode:        ModeImmutable,
			Description: "Watchdog observation that triggered a mission",
			Fields: []FieldSpec{
				{Name: "source", Type: FieldString, Required: true},
				{Name: "metric", Type: FieldString, Required: true},
				{Name: "value", Type: FieldNumber, Required: true},
				{Name: "previous_value", Type: FieldNumber},
				{Name: "delta", Type: FieldNumber},
				{Name: "threshold", Type: FieldNumber},
				{Name: "window", Type: FieldString},
				{Name: "triggered", Type: FieldBoolean, Required: true},
			},
		},
		{
			Name:        TypeApprovalRecord,
			Mode:        ModeImmutable,
			Description: "Human decision about a target entity",
			Fields: []FieldSpec{
				{Name: "target_type", Type: FieldString, Required: true},
				{Name: "target_id", Type: FieldString, Required: true},
				{Name: "decision", Type: FieldString, Required: true},
				{Name: "approver", Type: FieldString, Required: true},
				{Name: "reason", Type: FieldString},
			},
		},
		{
			Name:        TypeCircuitBreakerTrip,
			Mode:        ModeImmutable,
			Description: "Record of a safety or budget trip",
			Fields: []FieldSpec{
				{Name: "reason", Type: FieldString, Required: true},
				{Name: "failure_count", Type: FieldNumber},
				{Name: "immediate_exec_count", Type: FieldNumber},
			},
		},
		{
			Name:        TypeCostEstimate,
			Mode:        ModeImmutable,
			Description: "Projected cost that was compared against a ceiling",
			Fields: []FieldSpec{
				{Name: "estimated_cost", Type: FieldNumber, Required: true},
				{Name: "cost_per_hour", Type: FieldNumber},
				{Name: "limit", Type: FieldNumber, Required: true},
				{Name: "reason", Type: FieldString},
			},
		},
		{
			Name:        TypeFinding,
			Mode:        ModeImmutable,
			Description: "A single piece of evidence produced by an agent",
			Fields: []FieldSpec{
				{Name: "summary", Type: FieldString, Required: true},
				{Name: "detail", Type: FieldObject},
			},
		},
		{
			Name:        TypeRunLog,
			Mode:        ModeAppendOnly,
			Description: "Chronological execution log; gains entries, never loses them",
			Fields: []FieldSpec{
				{Name: "line", Type: FieldString, Required: true},
				{Name: "level", Type: FieldString},
			},
		},
		{
			Name:        TypeVerificationReport,
			Mode:        ModeImmutable,
			Description: "Outcome of a verification task",
			Fields: []FieldSpec{
				{Name: "passed", Type: FieldBoolean, Required: true},
				{Name: "summary", Type: FieldString, Required: true},
				{Name: "issues", Type: FieldArray},
			},
		},
	}
}

// New builds a registry from the built-in types plus extras (from config).
// Extras may not shadow built-ins; every type must declare a known mode.
func New(extra []Type) (*Registry, error) {
	types := make(map[string]Type)
	for _, t := range Builtin() {
		types[t.Name] = t
	}
	for _, t := range extra {
		if t.Name == "" {
			return nil, fmt.Errorf("artifact type with empty name")
		}
		if _, exists := types[t.Name]; exists {
			return nil, fmt.Errorf("artifact type %s already registered", t.Name)
		}
		if t.Mode != ModeImmutable && t.Mode != ModeAppendOnly {
			return nil, fmt.Errorf("artifact type %s: invalid mode %q", t.Name, t.Mode)
		}
		for _, f := range t.Fields {
			switch f.Type {
			case FieldString, FieldNumber, FieldBoolean, FieldObject, FieldArray:
			default:
				return nil, fmt.Errorf("artifact type %s: field %s has invalid type %q", t.Name, f.Name, f.Type)
			}
		}
		types[t.Name] = t
	}
	return &Registry{types: types}, nil
}

// Get returns the registered type, if any.
func (r *Registry) Get(name string) (Type, bool) {
	t, ok := r.types[name]
	return t, ok
}

// Has reports whether name is a registered artifact type.
func (r *Registry) Has(name string) bool {
	_, ok := r.types[name]
	return ok
}

// Mode returns the mode for a registered type; empty if unknown.
func (r *Registry) Mode(name string) string {
	if t, ok := r.types[name]; ok {
		return t.Mode
	}
	return ""
}

// Names returns all registered type names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
