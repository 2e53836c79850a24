package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"missionline/internal/domain"
)

const taskColumns = `id,mission_id,title,description,type,status,required_artifacts_json,agent_id,state_version,created_at,updated_at,completed_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, requiredJSON, agentID, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.MissionID, &t.Title, &description, &t.Type, &t.Status, &requiredJSON, &agentID,
		&t.StateVersion, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if requiredJSON.Valid {
		_ = json.Unmarshal([]byte(requiredJSON.String), &t.RequiredArtifacts)
	}
	if agentID.Valid {
		t.AgentID = &agentID.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.MissionID, t.Title, nullable(t.Description), t.Type, t.Status, marshalSlice(t.RequiredArtifacts),
		nullableStringPtr(t.AgentID), t.StateVersion, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, type=?, status=?, required_artifacts_json=?, agent_id=?, state_version=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.Type, t.Status, marshalSlice(t.RequiredArtifacts),
		nullableStringPtr(t.AgentID), t.StateVersion, t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependencies(ctx, r.DB, t.ID)
	return t, err
}

// ListMissionTasks returns a mission's tasks in insertion order, with their
// dependency edges loaded.
func (r Repo) ListMissionTasks(ctx context.Context, missionID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE mission_id=? ORDER BY rowid`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := r.ListTaskDependencies(ctx, r.DB, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

// AllTasks returns every task, oldest first, for snapshotting.
func (r Repo) AllTasks(ctx context.Context, q Querier) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := r.ListTaskDependencies(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, q Querier, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY rowid`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}
