package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"missionline/internal/domain"
)

// LatestEvents returns the newest audit entries, filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, missionID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if missionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, missionID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,mission_id,entity_kind,entity_id,actor_id,version,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with ids greater than cursor, ascending, so
// external notifiers can tail the audit trail.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, missionID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if missionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, missionID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,mission_id,entity_kind,entity_id,actor_id,version,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the id of the newest event, zero when the log is
// empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var e domain.Event
	var missionID, entityID, payload sql.NullString
	var version sql.NullInt64
	if err := rows.Scan(&e.ID, &e.TS, &e.Type, &missionID, &e.EntityKind, &entityID, &e.ActorID, &version, &payload); err != nil {
		return e, err
	}
	if missionID.Valid {
		e.MissionID = missionID.String
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	if version.Valid {
		e.Version = int(version.Int64)
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}
