package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomworks/loom/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a
// Store. The path should be a file URI, e.g. "file:/path/to/loom.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return schema.NewError(schema.ErrCodePersistence, "marshal definition").WithCause(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, name, document, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, document=excluded.document, updated_at=CURRENT_TIMESTAMP`,
		def.ID, def.Name, string(doc),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "save definition %q", def.ID).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM definitions WHERE id = ?`, id,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence, "get definition %q", id).WithCause(err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal([]byte(doc), &def); err != nil {
		return nil, schema.NewError(schema.ErrCodePersistence, "unmarshal definition").WithCause(err)
	}
	return &def, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM definitions ORDER BY id`)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodePersistence, "list definitions").WithCause(err)
	}
	defer rows.Close()

	var out []*schema.WorkflowDefinition
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, schema.NewError(schema.ErrCodePersistence, "scan definition").WithCause(err)
		}
		var def schema.WorkflowDefinition
		if err := json.Unmarshal([]byte(doc), &def); err != nil {
			return nil, schema.NewError(schema.ErrCodePersistence, "unmarshal definition").WithCause(err)
		}
		out = append(out, &def)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM definitions WHERE id = ?`, id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "delete definition %q", id).WithCause(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
	}
	return nil
}

// --- Checkpoints ---

func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, rc *schema.RunContext) error {
	raw, err := json.Marshal(rc)
	if err != nil {
		return schema.NewError(schema.ErrCodePersistence, "marshal checkpoint").WithCause(err)
	}

	var waitEvent sql.NullString
	var waitResumeAt sql.NullTime
	if rc.PendingWait != nil {
		if rc.PendingWait.Event != "" {
			waitEvent = sql.NullString{String: rc.PendingWait.Event, Valid: true}
		}
		if rc.PendingWait.ResumeAt != nil {
			waitResumeAt = sql.NullTime{Time: *rc.PendingWait.ResumeAt, Valid: true}
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, definition_id, status, context, wait_event, wait_resume_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   status=excluded.status, context=excluded.context,
		   wait_event=excluded.wait_event, wait_resume_at=excluded.wait_resume_at,
		   updated_at=excluded.updated_at`,
		rc.RunID, rc.DefinitionID, string(rc.Status), string(raw),
		waitEvent, waitResumeAt, rc.UpdatedAt,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "save checkpoint for run %q", rc.RunID).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) LoadCheckpoint(ctx context.Context, runID string) (*schema.RunContext, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT context FROM runs WHERE run_id = ?`, runID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence, "load checkpoint for run %q", runID).WithCause(err)
	}
	var rc schema.RunContext
	if err := json.Unmarshal([]byte(raw), &rc); err != nil {
		return nil, schema.NewError(schema.ErrCodePersistence, "unmarshal checkpoint").WithCause(err)
	}
	return &rc, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.RunContext, error) {
	query := `SELECT context FROM runs`
	var conds []string
	var args []any

	if filter.DefinitionID != "" {
		conds = append(conds, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.WaitDueBefore != nil {
		conds = append(conds, "wait_resume_at IS NOT NULL AND wait_resume_at <= ?")
		args = append(args, *filter.WaitDueBefore)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY run_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodePersistence, "list runs").WithCause(err)
	}
	defer rows.Close()

	var out []*schema.RunContext
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, schema.NewError(schema.ErrCodePersistence, "scan run").WithCause(err)
		}
		var rc schema.RunContext
		if err := json.Unmarshal([]byte(raw), &rc); err != nil {
			return nil, schema.NewError(schema.ErrCodePersistence, "unmarshal checkpoint").WithCause(err)
		}
		out = append(out, &rc)
	}
	return out, rows.Err()
}

// --- Event log ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.RunEvent) error {
	var payload sql.NullString
	if len(event.Payload) > 0 {
		raw, err := json.Marshal(event.Payload)
		if err != nil {
			return schema.NewError(schema.ErrCodePersistence, "marshal event payload").WithCause(err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, type, step_id, payload, timestamp) VALUES (?, ?, ?, ?, ?)`,
		event.RunID, event.Type, nullStr(event.StepID), payload, ts,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "append event for run %q", event.RunID).WithCause(err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, type, step_id, payload, timestamp FROM run_events
		 WHERE run_id = ? AND id > ? ORDER BY id`, runID, since)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence, "get events for run %q", runID).WithCause(err)
	}
	defer rows.Close()

	var out []*schema.RunEvent
	for rows.Next() {
		e := &schema.RunEvent{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &stepID, &payload, &e.Timestamp); err != nil {
			return nil, schema.NewError(schema.ErrCodePersistence, "scan event").WithCause(err)
		}
		e.StepID = stepID.String
		if payload.Valid {
			_ = json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*LibSQLStore)(nil)
