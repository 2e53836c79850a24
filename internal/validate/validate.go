// Package validate holds the pure structural validators. Validators never
// persist and never raise; they report field-level problems and leave the
// decision to the engine.
package validate

import (
	"fmt"

	"missionline/internal/domain"
	"missionline/internal/registry"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Result struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

func (r *Result) add(field, message string) {
	r.Errors = append(r.Errors, FieldError{Field: field, Message: message})
}

func (r *Result) finish() Result {
	r.Valid = len(r.Errors) == 0
	return *r
}

var missionClasses = map[string]bool{
	domain.ClassExploration:    true,
	domain.ClassImplementation: true,
	domain.ClassMaintenance:    true,
	domain.ClassDestructive:    true,
	domain.ClassContinuous:     true,
}

var missionStatuses = map[string]bool{
	domain.MissionQueued:      true,
	domain.MissionRunning:     true,
	domain.MissionBlocked:     true,
	domain.MissionNeedsReview: true,
	domain.MissionComplete:    true,
	domain.MissionFailed:      true,
	domain.MissionLocked:      true,
}

var riskLevels = map[string]bool{"low": true, "medium": true, "high": true}

var triggerSources = map[string]bool{"manual": true, "watchdog": true, "scheduled": true}

var taskTypes = map[string]bool{"work": true, "verification": true, "finalization": true}

var taskStatuses = map[string]bool{
	domain.TaskPending:  true,
	domain.TaskReady:    true,
	domain.TaskRunning:  true,
	domain.TaskComplete: true,
	domain.TaskFailed:   true,
	domain.TaskBlocked:  true,
}

var producers = map[string]bool{"agent": true, "watchdog": true, "system": true, "human": true}

// MissionStatus reports whether s is a known mission status.
func MissionStatus(s string) bool { return missionStatuses[s] }

// TaskStatus reports whether s is a known task status.
func TaskStatus(s string) bool { return taskStatuses[s] }

// Mission checks field presence and enum membership for a candidate mission.
func Mission(m domain.Mission) Result {
	var r Result
	if m.Name == "" {
		r.add("name", "name is required")
	}
	if m.Class == "" {
		r.add("class", "class is required")
	} else if !missionClasses[m.Class] {
		r.add("class", fmt.Sprintf("unknown mission class %q", m.Class))
	}
	if m.Status != "" && !missionStatuses[m.Status] {
		r.add("status", fmt.Sprintf("unknown mission status %q", m.Status))
	}
	if m.RiskLevel == "" {
		r.add("risk_level", "risk_level is required")
	} else if !riskLevels[m.RiskLevel] {
		r.add("risk_level", fmt.Sprintf("unknown risk level %q", m.RiskLevel))
	}
	if m.TriggerSource == "" {
		r.add("trigger_source", "trigger_source is required")
	} else if !triggerSources[m.TriggerSource] {
		r.add("trigger_source", fmt.Sprintf("unknown trigger source %q", m.TriggerSource))
	}
	for i, k := range m.RequiredArtifacts {
		if k == "" {
			r.add(fmt.Sprintf("required_artifacts[%d]", i), "artifact type name must not be empty")
		}
	}
	if m.MaxEstimatedCost != nil && *m.MaxEstimatedCost < 0 {
		r.add("max_estimated_cost", "cost ceiling must not be negative")
	}
	if m.MaxCostPerHour != nil && *m.MaxCostPerHour < 0 {
		r.add("max_cost_per_hour", "cost ceiling must not be negative")
	}
	return r.finish()
}

// Task checks field presence and enum membership for a candidate task.
// Dependency existence is the engine's concern, not the validator's; only
// self-references are rejected here.
func Task(t domain.Task) Result {
	var r Result
	if t.MissionID == "" {
		r.add("mission_id", "mission_id is required")
	}
	if t.Title == "" {
		r.add("title", "title is required")
	}
	if t.Type == "" {
		r.add("type", "type is required")
	} else if !taskTypes[t.Type] {
		r.add("type", fmt.Sprintf("unknown task type %q", t.Type))
	}
	if t.Status != "" && !taskStatuses[t.Status] {
		r.add("status", fmt.Sprintf("unknown task status %q", t.Status))
	}
	seen := map[string]bool{}
	for i, dep := range t.DependsOn {
		field := fmt.Sprintf("depends_on[%d]", i)
		if dep == "" {
			r.add(field, "dependency id must not be empty")
			continue
		}
		if dep == t.ID && t.ID != "" {
			r.add(field, "task cannot depend on itself")
		}
		if seen[dep] {
			r.add(field, fmt.Sprintf("duplicate dependency %s", dep))
		}
		seen[dep] = true
	}
	return r.finish()
}

// Artifact checks the candidate against the type registry, including the
// type-specific payload shape. Mode is never taken from the caller; the
// engine derives it from the registered type after validation.
func Artifact(a domain.Artifact, payload map[string]any, reg *registry.Registry) Result {
	var r Result
	if a.MissionID == "" {
		r.add("mission_id", "mission_id is required")
	}
	if a.Label == "" {
		r.add("label", "label is required")
	}
	if a.Provenance.Producer == "" {
		r.add("provenance.producer", "producer is required")
	} else if !producers[a.Provenance.Producer] {
		r.add("provenance.producer", fmt.Sprintf("unknown producer %q", a.Provenance.Producer))
	}
	if a.Type == "" {
		r.add("type", "type is required")
		return r.finish()
	}
	spec, ok := reg.Get(a.Type)
	if !ok {
		r.add("type", fmt.Sprintf("artifact type %q is not registered", a.Type))
		return r.finish()
	}
	checkPayload(&r, spec, payload)
	return r.finish()
}

// Payload checks a bare payload against a registered type, used for entries
// appended to append-only artifacts.
func Payload(typeName string, payload map[string]any, reg *registry.Registry) Result {
	var r Result
	spec, ok := reg.Get(typeName)
	if !ok {
		r.add("type", fmt.Sprintf("artifact type %q is not registered", typeName))
		return r.finish()
	}
	checkPayload(&r, spec, payload)
	return r.finish()
}

func checkPayload(r *Result, spec registry.Type, payload map[string]any) {
	for _, f := range spec.Fields {
		v, present := payload[f.Name]
		field := "payload." + f.Name
		if !present {
			if f.Required {
				r.add(field, "required field missing")
			}
			continue
		}
		if !matchesFieldType(v, f.Type) {
			r.add(field, fmt.Sprintf("expected %s", f.Type))
		}
	}
	if len(spec.Fields) > 0 {
		known := make(map[string]bool, len(spec.Fields))
		for _, f := range spec.Fields {
			known[f.Name] = true
		}
		for k := range payload {
			if !known[k] {
				r.add("payload."+k, fmt.Sprintf("field not declared for type %s", spec.Name))
			}
		}
	}
}

func matchesFieldType(v any, ft registry.FieldType) bool {
	switch ft {
	case registry.FieldString:
		_, ok := v.(string)
		return ok
	case registry.FieldNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case registry.FieldBoolean:
		_, ok := v.(bool)
		return ok
	case registry.FieldObject:
		_, ok := v.(map[string]any)
		return ok
	case registry.FieldArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}

// Breaker checks a candidate circuit breaker state.
func Breaker(b domain.CircuitBreakerState) Result {
	var r Result
	if b.MissionID == "" {
		r.add("mission_id", "mission_id is required")
	}
	if b.FailureCount < 0 {
		r.add("failure_count", "counter must not be negative")
	}
	if b.ImmediateExecCount < 0 {
		r.add("immediate_exec_count", "counter must not be negative")
	}
	if b.Tripped && b.TrippedReason == nil {
		r.add("tripped_reason", "tripped state requires a reason")
	}
	return r.finish()
}
