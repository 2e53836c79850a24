package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"missionline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// Querier is the read surface shared by *sql.DB and *sql.Tx. The snapshot
// readers take it explicitly: a snapshot triggered mid-mutation must read
// through the open tx, or its reads block on the tx's own table locks.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var ErrNotFound = errors.New("not found")

const missionColumns = `id,name,description,class,status,blocked_reason,required_artifacts_json,risk_level,allowed_tools_json,max_estimated_cost,max_cost_per_hour,trigger_source,state_version,last_snapshot_at,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (domain.Mission, error) {
	var m domain.Mission
	var description, blockedReason, requiredJSON, toolsJSON, lastSnapshotAt, completedAt sql.NullString
	var maxEstimated, maxPerHour sql.NullFloat64
	err := row.Scan(&m.ID, &m.Name, &description, &m.Class, &m.Status, &blockedReason, &requiredJSON, &m.RiskLevel,
		&toolsJSON, &maxEstimated, &maxPerHour, &m.TriggerSource, &m.StateVersion, &lastSnapshotAt, &m.CreatedAt, &m.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if description.Valid {
		m.Description = description.String
	}
	if blockedReason.Valid {
		m.BlockedReason = &blockedReason.String
	}
	if requiredJSON.Valid {
		_ = json.Unmarshal([]byte(requiredJSON.String), &m.RequiredArtifacts)
	}
	if toolsJSON.Valid {
		_ = json.Unmarshal([]byte(toolsJSON.String), &m.AllowedTools)
	}
	if maxEstimated.Valid {
		m.MaxEstimatedCost = &maxEstimated.Float64
	}
	if maxPerHour.Valid {
		m.MaxCostPerHour = &maxPerHour.Float64
	}
	if lastSnapshotAt.Valid {
		m.LastSnapshotAt = &lastSnapshotAt.String
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	return m, nil
}

func missionArgs(m domain.Mission) []any {
	return []any{
		m.ID, m.Name, nullable(m.Description), m.Class, m.Status, nullableStringPtr(m.BlockedReason),
		marshalSlice(m.RequiredArtifacts), m.RiskLevel, marshalSlice(m.AllowedTools),
		nullableFloatPtr(m.MaxEstimatedCost), nullableFloatPtr(m.MaxCostPerHour), m.TriggerSource,
		m.StateVersion, nullableStringPtr(m.LastSnapshotAt), m.CreatedAt, m.UpdatedAt, nullableStringPtr(m.CompletedAt),
	}
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(`+missionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		missionArgs(m)...)
	return err
}

func (r Repo) UpdateMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET name=?, description=?, class=?, status=?, blocked_reason=?, required_artifacts_json=?, risk_level=?, allowed_tools_json=?, max_estimated_cost=?, max_cost_per_hour=?, trigger_source=?, state_version=?, last_snapshot_at=?, updated_at=?, completed_at=? WHERE id=?`,
		m.Name, nullable(m.Description), m.Class, m.Status, nullableStringPtr(m.BlockedReason),
		marshalSlice(m.RequiredArtifacts), m.RiskLevel, marshalSlice(m.AllowedTools),
		nullableFloatPtr(m.MaxEstimatedCost), nullableFloatPtr(m.MaxCostPerHour), m.TriggerSource,
		m.StateVersion, nullableStringPtr(m.LastSnapshotAt), m.UpdatedAt, nullableStringPtr(m.CompletedAt), m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMission loads a mission with its owned task and artifact id lists in
// insertion order.
func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	m, err := scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
	if err != nil {
		return m, err
	}
	if m.TaskIDs, err = r.listOwnedIDs(ctx, `SELECT id FROM tasks WHERE mission_id=? ORDER BY rowid`, id); err != nil {
		return m, err
	}
	if m.ArtifactIDs, err = r.listOwnedIDs(ctx, `SELECT id FROM artifacts WHERE mission_id=? ORDER BY rowid`, id); err != nil {
		return m, err
	}
	return m, nil
}

func (r Repo) listOwnedIDs(ctx context.Context, query, missionID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type MissionFilters struct {
	Status        string
	Class         string
	TriggerSource string
	Limit         int
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Class != "" {
		clauses = append(clauses, "class=?")
		args = append(args, f.Class)
	}
	if f.TriggerSource != "" {
		clauses = append(clauses, "trigger_source=?")
		args = append(args, f.TriggerSource)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + missionColumns + ` FROM missions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// AllMissions returns every mission, oldest first, for snapshotting.
func (r Repo) AllMissions(ctx context.Context, q Querier) ([]domain.Mission, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+missionColumns+` FROM missions ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// --- idempotency keys ---

func (r Repo) InsertIdempotencyKey(ctx context.Context, tx *sql.Tx, key, missionID, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO idempotency_keys(key,mission_id,created_at) VALUES (?,?,?)`, key, missionID, createdAt)
	return err
}

// MissionIDForKey returns the mission holding the idempotency key.
func (r Repo) MissionIDForKey(ctx context.Context, key string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT mission_id FROM idempotency_keys WHERE key=?`, key).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

func (r Repo) DeleteIdempotencyKey(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key=?`, key)
	return err
}

// --- snapshot metadata ---

func (r Repo) InsertSnapshot(ctx context.Context, tx *sql.Tx, s domain.Snapshot) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO snapshots(id,reason,path,created_at) VALUES (?,?,?,?)`,
		s.ID, s.Reason, s.Path, s.CreatedAt)
	return err
}

func (r Repo) GetSnapshot(ctx context.Context, q Querier, id string) (domain.Snapshot, error) {
	var s domain.Snapshot
	err := q.QueryRowContext(ctx, `SELECT id,reason,path,created_at FROM snapshots WHERE id=?`, id).
		Scan(&s.ID, &s.Reason, &s.Path, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSnapshots(ctx context.Context, limit int) ([]domain.Snapshot, error) {
	query := `SELECT id,reason,path,created_at FROM snapshots ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Snapshot
	for rows.Next() {
		var s domain.Snapshot
		if err := rows.Scan(&s.ID, &s.Reason, &s.Path, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func marshalSlice(in []string) any {
	if len(in) == 0 {
		return nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	return string(b)
}
