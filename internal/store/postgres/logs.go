package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prismgate/gateway/internal/logsink"
)

// InsertRequestLogs batch-inserts request log rows.
func (s *Store) InsertRequestLogs(ctx context.Context, recs []*logsink.Record) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO request_logs (request_id, method, path, matched_route_id,
			target_service, user_id, client_ip, status_code, response_time_ms,
			error_message, created_at)
		VALUES ($1, $2, $3, NULLIF($4, '')::uuid, NULLIF($5, ''), NULLIF($6, ''), $7,
			NULLIF($8, 0), $9, NULLIF($10, ''), $11)
	`
	for _, rec := range recs {
		batch.Queue(query,
			rec.RequestID, rec.Method, rec.Path, rec.MatchedRouteID,
			rec.TargetService, rec.UserID, rec.ClientIP, rec.StatusCode,
			rec.ResponseTimeMS, rec.ErrorMessage, rec.CreatedAt)
	}
	return s.db.SendBatch(ctx, batch).Close()
}

// QueryRequestLogs scans the indexed log columns with the given filters,
// newest first.
func (s *Store) QueryRequestLogs(ctx context.Context, q logsink.Query) ([]*logsink.Record, error) {
	query := `
		SELECT request_id, method, path, COALESCE(matched_route_id, ''),
			COALESCE(target_service, ''), COALESCE(user_id, ''), client_ip,
			COALESCE(status_code, 0), response_time_ms, COALESCE(error_message, ''),
			created_at
		FROM request_logs
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		  AND ($3 = '' OR path = $3)
		  AND ($4 = '' OR target_service = $4)
		  AND ($5 = 0 OR status_code = $5)
		ORDER BY created_at DESC
		LIMIT $6
	`
	from := nullableTime(q.From)
	to := nullableTime(q.To)

	rows, err := s.db.Query(ctx, query, from, to, q.Path, q.Service, q.Status, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query request logs: %w", err)
	}
	defer rows.Close()

	var out []*logsink.Record
	for rows.Next() {
		var rec logsink.Record
		if err := rows.Scan(
			&rec.RequestID, &rec.Method, &rec.Path, &rec.MatchedRouteID,
			&rec.TargetService, &rec.UserID, &rec.ClientIP,
			&rec.StatusCode, &rec.ResponseTimeMS, &rec.ErrorMessage,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// PurgeRequestLogsBefore deletes rows older than cutoff. Scheduling belongs
// to the out-of-band retention sweeper.
func (s *Store) PurgeRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM request_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
