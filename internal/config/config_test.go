package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"missionline/internal/config"
	"missionline/internal/registry"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Engine.Armed {
		t.Fatalf("default config must not be armed")
	}
	if cfg.Breaker.MaxFailures != 3 || cfg.Breaker.MaxImmediateExecs != 3 {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
	if _, ok := cfg.Artifacts.Catalog["agent_transcript"]; !ok {
		t.Fatalf("default catalog missing agent_transcript")
	}
	types := cfg.RegistryTypes()
	if _, err := registry.New(types); err != nil {
		t.Fatalf("default catalog not registrable: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "negative failures",
			yaml: "breaker:\n  max_failures: -1\n",
			want: "max_failures",
		},
		{
			name: "negative cost ceiling",
			yaml: "costs:\n  default_max_estimated: -5\n",
			want: "ceilings",
		},
		{
			name: "bad idempotency window",
			yaml: "engine:\n  idempotency_window: soon\n",
			want: "idempotency_window",
		},
		{
			name: "bad catalog mode",
			yaml: "artifacts:\n  catalog:\n    note:\n      mode: mutable\n",
			want: "mode",
		},
		{
			name: "bad catalog field type",
			yaml: "artifacts:\n  catalog:\n    note:\n      mode: immutable\n      fields:\n        - name: body\n          type: blob\n",
			want: "invalid type",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(c.yaml))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Fatalf("error %q does not mention %q", err, c.want)
			}
		})
	}
}

func TestThresholdsFallBackToDefaults(t *testing.T) {
	var cfg config.Config
	th := cfg.Thresholds()
	if th.MaxFailures != 3 || th.MaxImmediateExecs != 3 {
		t.Fatalf("unexpected fallback thresholds: %+v", th)
	}
	cfg.Breaker.MaxFailures = 5
	th = cfg.Thresholds()
	if th.MaxFailures != 5 || th.MaxImmediateExecs != 3 {
		t.Fatalf("override not applied: %+v", th)
	}
}

func TestIdempotencyWindow(t *testing.T) {
	var cfg config.Config
	if cfg.IdempotencyWindow() != time.Hour {
		t.Fatalf("empty window must default to 1h")
	}
	cfg.Engine.IdempotencyWindow = "30m"
	if cfg.IdempotencyWindow() != 30*time.Minute {
		t.Fatalf("configured window ignored")
	}
	cfg.Engine.IdempotencyWindow = "-5m"
	if cfg.IdempotencyWindow() != time.Hour {
		t.Fatalf("non-positive window must fall back to 1h")
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	if _, err := config.Load(dir); err == nil {
		t.Fatalf("expected missing-config error")
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("optional load of missing config: cfg=%v err=%v", cfg, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "missionline.yml"), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Breaker.MaxFailures != 3 {
		t.Fatalf("unexpected config: %+v", cfg.Breaker)
	}
}
