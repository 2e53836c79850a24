package snapshot_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"missionline/internal/domain"
	"missionline/internal/snapshot"
)

func TestKeySanitizesReason(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		reason string
		want   string
	}{
		{"manual", "2025-06-01_12-00-00_manual"},
		{"", "2025-06-01_12-00-00_manual"},
		{"Breaker Trip!", "2025-06-01_12-00-00_breaker-trip-"},
		{"pre_destructive", "2025-06-01_12-00-00_pre_destructive"},
	}
	for _, c := range cases {
		if got := snapshot.Key(at, c.reason); got != c.want {
			t.Fatalf("Key(%q) = %q, want %q", c.reason, got, c.want)
		}
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	store := snapshot.Store{Dir: filepath.Join(t.TempDir(), "snapshots")}
	st := snapshot.State{
		TakenAt: "2025-06-01T12:00:00Z",
		Reason:  "manual",
		Missions: []domain.Mission{{
			ID:     "m-1",
			Name:   "disk pressure",
			Status: domain.MissionRunning,
		}},
		Tasks: []domain.Task{{ID: "t-1", MissionID: "m-1", Title: "diagnose"}},
	}
	path, err := store.Write("2025-06-01_12-00-00_manual", st)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	got, err := store.Read("2025-06-01_12-00-00_manual")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Reason != "manual" || len(got.Missions) != 1 || got.Missions[0].ID != "m-1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Tasks) != 1 || got.Tasks[0].Title != "diagnose" {
		t.Fatalf("tasks not preserved: %+v", got.Tasks)
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	store := snapshot.Store{Dir: t.TempDir()}
	if _, err := store.Write("snap", snapshot.State{Reason: "manual"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := os.ReadDir(store.Dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "snap.json" {
		t.Fatalf("unexpected directory contents: %v", entries)
	}
}

func TestListSortsByKey(t *testing.T) {
	store := snapshot.Store{Dir: t.TempDir()}
	ids := []string{
		"2025-06-02_09-00-00_manual",
		"2025-06-01_12-00-00_breaker",
		"2025-06-01_13-30-00_manual",
	}
	for _, id := range ids {
		if _, err := store.Write(id, snapshot.State{}); err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
	}
	got, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{
		"2025-06-01_12-00-00_breaker",
		"2025-06-01_13-30-00_manual",
		"2025-06-02_09-00-00_manual",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d ids, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch at %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestListMissingDir(t *testing.T) {
	store := snapshot.Store{Dir: filepath.Join(t.TempDir(), "nope")}
	ids, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no ids, got %v", ids)
	}
}
