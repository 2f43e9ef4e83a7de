package metrics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/noamsalit/Log-analysis-agent/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists events to a shared Postgres database, for
// deployments where several agent hosts report into one place.
type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{DSN: dsn, db: db}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply postgres migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const postgresInsertEvent = `
INSERT INTO events (
    id,
    run_id,
    kind,
    timestamp,
    tool_name,
    status,
    duration_ms,
    tokens_prompt,
    tokens_completion,
    tokens_total,
    payload,
    created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

func (s *PostgresStore) WriteEvent(ctx context.Context, record *EventRecord) error {
	if record == nil {
		return nil
	}
	if err := validateRecord(record); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, postgresInsertEvent,
		record.ID,
		record.RunID,
		record.Kind,
		record.Timestamp.UTC(),
		record.ToolName,
		record.Status,
		record.DurationMS,
		record.TokensPrompt,
		record.TokensCompletion,
		record.TokensTotal,
		record.Payload,
		record.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write event %q: %w", record.ID, err)
	}
	return nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, records []*EventRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, postgresInsertEvent)
	if err != nil {
		return fmt.Errorf("prepare postgres batch insert: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if record == nil {
			continue
		}
		if err := validateRecord(record); err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			record.ID,
			record.RunID,
			record.Kind,
			record.Timestamp.UTC(),
			record.ToolName,
			record.Status,
			record.DurationMS,
			record.TokensPrompt,
			record.TokensCompletion,
			record.TokensTotal,
			record.Payload,
			record.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert event %q: %w", record.ID, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) QueryEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error) {
	query := strings.Builder{}
	query.WriteString(`
SELECT id, run_id, kind, timestamp, tool_name, status, duration_ms,
       tokens_prompt, tokens_completion, tokens_total, payload, created_at
FROM events
WHERE 1=1`)

	var args []any
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.RunID != "" {
		query.WriteString(` AND run_id = ` + arg(filter.RunID))
	}
	if filter.Kind != "" {
		query.WriteString(` AND kind = ` + arg(filter.Kind))
	}
	if !filter.From.IsZero() {
		query.WriteString(` AND timestamp >= ` + arg(filter.From.UTC()))
	}
	if !filter.To.IsZero() {
		query.WriteString(` AND timestamp <= ` + arg(filter.To.UTC()))
	}
	query.WriteString(` ORDER BY timestamp ASC`)
	if filter.Limit > 0 {
		query.WriteString(` LIMIT ` + arg(filter.Limit))
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var records []*EventRecord
	for rows.Next() {
		record := &EventRecord{}
		if err := rows.Scan(
			&record.ID,
			&record.RunID,
			&record.Kind,
			&record.Timestamp,
			&record.ToolName,
			&record.Status,
			&record.DurationMS,
			&record.TokensPrompt,
			&record.TokensCompletion,
			&record.TokensTotal,
			&record.Payload,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) RunSummary(ctx context.Context, runID string) (*RunSummary, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("run id is required")
	}

	summary := &RunSummary{RunID: runID, CountsByKind: make(map[string]int64)}

	rows, err := s.db.QueryContext(ctx, `
SELECT kind, COUNT(*)
FROM events
WHERE run_id = $1
GROUP BY kind`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run summary counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("scan run summary count: %w", err)
		}
		summary.CountsByKind[kind] = count
		summary.EventCount += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run summary counts: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(tokens_prompt), 0),
       COALESCE(SUM(tokens_completion), 0),
       COALESCE(SUM(tokens_total), 0)
FROM events
WHERE run_id = $1 AND kind = $2`, runID, string(KindLLMUsage))
	if err := row.Scan(&summary.TokensPrompt, &summary.TokensCompletion, &summary.TokensTotal); err != nil {
		return nil, fmt.Errorf("scan run summary tokens: %w", err)
	}

	bounds := s.db.QueryRowContext(ctx, `
SELECT MIN(timestamp), MAX(timestamp) FROM events WHERE run_id = $1`, runID)
	var minTS, maxTS sql.NullTime
	if err := bounds.Scan(&minTS, &maxTS); err != nil {
		return nil, fmt.Errorf("scan run summary bounds: %w", err)
	}
	if minTS.Valid {
		summary.FirstEvent = minTS.Time
	}
	if maxTS.Valid {
		summary.LastEvent = maxTS.Time
	}

	return summary, nil
}
