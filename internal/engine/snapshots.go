package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
	"missionline/internal/snapshot"
)

// CreateSnapshot serializes the full current state to a timestamped record.
// Snapshotting never fails silently: the returned error propagates to
// whatever mutation triggered it.
func (e Engine) CreateSnapshot(ctx context.Context, reason, actorID string) (domain.Snapshot, error) {
	if err := e.ready(); err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		snap, err = e.writeSnapshot(ctx, tx, reason, actorID)
		return err
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// writeSnapshot captures the state as the caller's tx sees it, writes the
// dump file synchronously, and records the metadata row in the same tx. All
// reads go through the tx: the trip path calls this after writing breaker
// rows, and a pooled-connection read would block on the tx's own locks. The
// file lands before the tx commits; a failed file write aborts the tx.
func (e Engine) writeSnapshot(ctx context.Context, tx *sql.Tx, reason, actorID string) (domain.Snapshot, error) {
	state, err := e.buildState(ctx, tx, reason)
	if err != nil {
		return domain.Snapshot{}, err
	}
	id, err := e.freshSnapshotID(ctx, tx, reason)
	if err != nil {
		return domain.Snapshot{}, err
	}
	path, err := e.Snapshots.Write(id, state)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap := domain.Snapshot{
		ID:        id,
		Reason:    reason,
		Path:      path,
		CreatedAt: state.TakenAt,
	}
	if err := e.Repo.InsertSnapshot(ctx, tx, snap); err != nil {
		return domain.Snapshot{}, err
	}
	if err := e.Events.Append(ctx, tx, "snapshot.created", "", "snapshot", snap.ID, actorID, 0, events.EventPayload{
		"reason": reason,
		"path":   path,
	}); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// freshSnapshotID disambiguates snapshots taken within the same second.
func (e Engine) freshSnapshotID(ctx context.Context, q repo.Querier, reason string) (string, error) {
	base := snapshot.Key(e.now(), reason)
	id := base
	for n := 2; ; n++ {
		_, err := e.Repo.GetSnapshot(ctx, q, id)
		if errors.Is(err, repo.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", err
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

func (e Engine) buildState(ctx context.Context, q repo.Querier, reason string) (snapshot.State, error) {
	var state snapshot.State
	var err error
	state.TakenAt = e.nowString()
	state.Reason = reason
	if state.Missions, err = e.Repo.AllMissions(ctx, q); err != nil {
		return state, err
	}
	if state.Tasks, err = e.Repo.AllTasks(ctx, q); err != nil {
		return state, err
	}
	if state.Artifacts, err = e.Repo.AllArtifacts(ctx, q); err != nil {
		return state, err
	}
	if state.Breakers, err = e.Repo.AllBreakers(ctx, q); err != nil {
		return state, err
	}
	return state, nil
}
