// Package snapshot writes timestamp-named full-state dumps. Files land with
// a rename after fsync so a crash mid-write never leaves a readable partial
// snapshot behind.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"missionline/internal/domain"
)

// KeyFormat yields sortable snapshot keys.
const KeyFormat = "2006-01-02_15-04-05"

// State is the serialized form of everything the engine owns.
type State struct {
	TakenAt   string                       `json:"taken_at" format:"date-time"`
	Reason    string                       `json:"reason"`
	Missions  []domain.Mission             `json:"missions"`
	Tasks     []domain.Task                `json:"tasks"`
	Artifacts []domain.Artifact            `json:"artifacts"`
	Breakers  []domain.CircuitBreakerState `json:"breakers"`
}

type Store struct {
	Dir string
}

// Key returns the sortable identifier for a snapshot taken at t with the
// given reason.
func Key(t time.Time, reason string) string {
	return t.UTC().Format(KeyFormat) + "_" + sanitizeReason(reason)
}

func sanitizeReason(reason string) string {
	reason = strings.TrimSpace(strings.ToLower(reason))
	if reason == "" {
		reason = "manual"
	}
	var b strings.Builder
	for _, r := range reason {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// Write persists the state under id. The write is synchronous: data is
// fsynced before the temp file is renamed into place, and any failure is
// returned to the caller so the triggering mutation can abort.
func (s Store) Write(id string, st State) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	final := filepath.Join(s.Dir, id+".json")
	tmp, err := os.CreateTemp(s.Dir, id+".tmp-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", err
	}
	return final, nil
}

// Read loads a snapshot by id.
func (s Store) Read(id string) (State, error) {
	var st State
	data, err := os.ReadFile(filepath.Join(s.Dir, id+".json"))
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return st, nil
}

// List returns snapshot ids in key order (oldest first).
func (s Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
