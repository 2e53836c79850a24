package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

const breakerColumns = `mission_id,failure_count,immediate_exec_count,tripped,tripped_at,tripped_reason,locked_until,updated_at`

func scanBreaker(row rowScanner) (domain.CircuitBreakerState, error) {
	var b domain.CircuitBreakerState
	var tripped int
	var trippedAt, trippedReason, lockedUntil sql.NullString
	err := row.Scan(&b.MissionID, &b.FailureCount, &b.ImmediateExecCount, &tripped, &trippedAt, &trippedReason, &lockedUntil, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.Tripped = tripped != 0
	if trippedAt.Valid {
		b.TrippedAt = &trippedAt.String
	}
	if trippedReason.Valid {
		b.TrippedReason = &trippedReason.String
	}
	if lockedUntil.Valid {
		b.LockedUntil = &lockedUntil.String
	}
	return b, nil
}

func (r Repo) GetBreaker(ctx context.Context, missionID string) (domain.CircuitBreakerState, error) {
	return scanBreaker(r.DB.QueryRowContext(ctx, `SELECT `+breakerColumns+` FROM breaker_states WHERE mission_id=?`, missionID))
}

// UpsertBreaker writes the full breaker state; breakers are created lazily on
// the first relevant event.
func (r Repo) UpsertBreaker(ctx context.Context, tx *sql.Tx, b domain.CircuitBreakerState) error {
	tripped := 0
	if b.Tripped {
		tripped = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO breaker_states(`+breakerColumns+`) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(mission_id) DO UPDATE SET failure_count=excluded.failure_count, immediate_exec_count=excluded.immediate_exec_count,
tripped=excluded.tripped, tripped_at=excluded.tripped_at, tripped_reason=excluded.tripped_reason,
locked_until=excluded.locked_until, updated_at=excluded.updated_at`,
		b.MissionID, b.FailureCount, b.ImmediateExecCount, tripped,
		nullableStringPtr(b.TrippedAt), nullableStringPtr(b.TrippedReason), nullableStringPtr(b.LockedUntil), b.UpdatedAt)
	return err
}

// AllBreakers returns every breaker state for snapshotting.
func (r Repo) AllBreakers(ctx context.Context, q Querier) ([]domain.CircuitBreakerState, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+breakerColumns+` FROM breaker_states ORDER BY mission_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CircuitBreakerState
	for rows.Next() {
		b, err := scanBreaker(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}
