package metrics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/noamsalit/Log-analysis-agent/migrations"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyMaxRetries     = 5
	sqliteBusyInitialBackoff = 10 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// SQLiteStore is the default event store: a single local file, suitable
// for one agent process.
type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when the async writer and the report
	// command touch the database concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{Path: path, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite migrations: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteInsertEvent = `
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLiteStore) WriteEvent(ctx context.Context, record *EventRecord) error {
	if record == nil {
		return nil
	}
	if err := validateRecord(record); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, sqliteInsertEvent,
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
		return err
	})
	if err != nil {
		return fmt.Errorf("write event %q: %w", record.ID, err)
	}
	return nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, records []*EventRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, sqliteInsertEvent)
		if err != nil {
			return fmt.Errorf("prepare sqlite batch insert: %w", err)
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
	})
}

func (s *SQLiteStore) QueryEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error) {
	query := strings.Builder{}
	query.WriteString(`
SELECT id, run_id, kind, timestamp, tool_name, status, duration_ms,
       tokens_prompt, tokens_completion, tokens_total, payload, created_at
FROM events
WHERE 1=1`)

	var args []any
	if filter.RunID != "" {
		query.WriteString(` AND run_id = ?`)
		args = append(args, filter.RunID)
	}
	if filter.Kind != "" {
		query.WriteString(` AND kind = ?`)
		args = append(args, filter.Kind)
	}
	if !filter.From.IsZero() {
		query.WriteString(` AND timestamp >= ?`)
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query.WriteString(` AND timestamp <= ?`)
		args = append(args, filter.To.UTC())
	}
	query.WriteString(` ORDER BY timestamp ASC`)
	if filter.Limit > 0 {
		query.WriteString(` LIMIT ?`)
		args = append(args, filter.Limit)
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

func (s *SQLiteStore) RunSummary(ctx context.Context, runID string) (*RunSummary, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("run id is required")
	}

	summary := &RunSummary{RunID: runID, CountsByKind: make(map[string]int64)}

	rows, err := s.db.QueryContext(ctx, `
SELECT kind, COUNT(*)
FROM events
WHERE run_id = ?
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
WHERE run_id = ? AND kind = ?`, runID, string(KindLLMUsage))

	if err := row.Scan(&summary.TokensPrompt, &summary.TokensCompletion, &summary.TokensTotal); err != nil {
		return nil, fmt.Errorf("scan run summary tokens: %w", err)
	}

	bounds := s.db.QueryRowContext(ctx, `
SELECT MIN(timestamp), MAX(timestamp) FROM events WHERE run_id = ?`, runID)
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

// retrySQLiteBusy retries transient lock contention so queued events are
// not dropped during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "database is locked")
}
