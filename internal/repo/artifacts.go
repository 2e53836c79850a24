package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"missionline/internal/domain"
)

const artifactColumns = `id,mission_id,task_id,type,mode,label,payload_json,files_json,producer,agent_id,worktree,commit_hash,created_at`

func scanArtifact(row rowScanner) (domain.Artifact, error) {
	var a domain.Artifact
	var taskID, payload, filesJSON, agentID, worktree, commitHash sql.NullString
	err := row.Scan(&a.ID, &a.MissionID, &taskID, &a.Type, &a.Mode, &a.Label, &payload, &filesJSON,
		&a.Provenance.Producer, &agentID, &worktree, &commitHash, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if taskID.Valid {
		a.TaskID = &taskID.String
	}
	if payload.Valid {
		a.PayloadJSON = &payload.String
	}
	if filesJSON.Valid {
		_ = json.Unmarshal([]byte(filesJSON.String), &a.Files)
	}
	if agentID.Valid {
		a.Provenance.AgentID = &agentID.String
	}
	if worktree.Valid {
		a.Provenance.Worktree = &worktree.String
	}
	if commitHash.Valid {
		a.Provenance.CommitHash = &commitHash.String
	}
	return a, nil
}

func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(`+artifactColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.MissionID, nullableStringPtr(a.TaskID), a.Type, a.Mode, a.Label, nullableStringPtr(a.PayloadJSON),
		marshalSlice(a.Files), a.Provenance.Producer, nullableStringPtr(a.Provenance.AgentID),
		nullableStringPtr(a.Provenance.Worktree), nullableStringPtr(a.Provenance.CommitHash), a.CreatedAt)
	return err
}

// GetArtifact loads an artifact with its append-only entries, if any.
func (r Repo) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	a, err := scanArtifact(r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=?`, id))
	if err != nil {
		return a, err
	}
	a.Entries, err = r.listArtifactEntries(ctx, r.DB, a.ID)
	return a, err
}

func (r Repo) listArtifactEntries(ctx context.Context, q Querier, artifactID string) ([]domain.ArtifactEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT artifact_id,seq,payload_json,created_at FROM artifact_entries WHERE artifact_id=? ORDER BY seq`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArtifactEntry
	for rows.Next() {
		var e domain.ArtifactEntry
		if err := rows.Scan(&e.ArtifactID, &e.Seq, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AppendArtifactEntry inserts the next entry for an append-only artifact.
// The PRIMARY KEY on (artifact_id, seq) rejects rewrites of existing entries.
func (r Repo) AppendArtifactEntry(ctx context.Context, tx *sql.Tx, e domain.ArtifactEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifact_entries(artifact_id,seq,payload_json,created_at) VALUES (?,?,?,?)`,
		e.ArtifactID, e.Seq, e.PayloadJSON, e.CreatedAt)
	return err
}

// NextEntrySeq returns the next sequence number for an artifact inside tx.
func (r Repo) NextEntrySeq(ctx context.Context, tx *sql.Tx, artifactID string) (int, error) {
	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM artifact_entries WHERE artifact_id=?`, artifactID).Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

type ArtifactFilters struct {
	MissionID string
	TaskID    string
	Type      string
	Limit     int
}

func (r Repo) ListArtifacts(ctx context.Context, f ArtifactFilters) ([]domain.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE 1=1`
	var args []any
	if f.MissionID != "" {
		query += ` AND mission_id=?`
		args = append(args, f.MissionID)
	}
	if f.TaskID != "" {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY rowid`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// MissionArtifactTypes returns the distinct artifact types present on a
// mission; the completion gate compares this set against requiredArtifacts.
func (r Repo) MissionArtifactTypes(ctx context.Context, missionID string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT type FROM artifacts WHERE mission_id=?`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	types := map[string]bool{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types[t] = true
	}
	return types, rows.Err()
}

// CountArtifacts counts a mission's artifacts of one type.
func (r Repo) CountArtifacts(ctx context.Context, missionID, artifactType string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE mission_id=? AND type=?`, missionID, artifactType).Scan(&n)
	return n, err
}

// AllArtifacts returns every artifact, oldest first, for snapshotting.
func (r Repo) AllArtifacts(ctx context.Context, q Querier) ([]domain.Artifact, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Mode != domain.ModeAppendOnly {
			continue
		}
		entries, err := r.listArtifactEntries(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Entries = entries
	}
	return res, nil
}
