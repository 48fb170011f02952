package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// SourceRepository keeps the sources table in step with the registry.
type SourceRepository struct {
	db  *DB
	now func() time.Time
}

func NewSourceRepository(db *DB) *SourceRepository {
	return &SourceRepository{db: db, now: time.Now}
}

type sourceRow struct {
	ID        string         `db:"id"`
	Name      string         `db:"name"`
	Kind      string         `db:"kind"`
	Group     string         `db:"group_name"`
	Enabled   bool           `db:"enabled"`
	CreatedAt string         `db:"created_at"`
	UpdatedAt string         `db:"updated_at"`
	LastRunAt sql.NullString `db:"last_run_at"`
	LastError string         `db:"last_error"`
}

func (row sourceRow) toSource() (Source, error) {
	created, err := parseTime(row.CreatedAt)
	if err != nil {
		return Source{}, err
	}
	updated, err := parseTime(row.UpdatedAt)
	if err != nil {
		return Source{}, err
	}
	lastRun, err := parseNullTime(row.LastRunAt)
	if err != nil {
		return Source{}, err
	}
	return Source{
		ID:        row.ID,
		Name:      row.Name,
		Kind:      row.Kind,
		Group:     row.Group,
		Enabled:   row.Enabled,
		CreatedAt: created,
		UpdatedAt: updated,
		LastRunAt: lastRun,
		LastError: row.LastError,
	}, nil
}

// Upsert registers a source or refreshes its descriptive columns, keeping
// created_at and run history.
func (r *SourceRepository) Upsert(ctx context.Context, src Source) error {
	now := formatTime(r.now())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sources (id, name, kind, group_name, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			group_name = excluded.group_name,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, src.ID, src.Name, src.Kind, src.Group, src.Enabled, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert source %s: %w", src.ID, err)
	}
	return nil
}

func (r *SourceRepository) Get(ctx context.Context, id string) (*Source, error) {
	var row sourceRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, name, kind, group_name, enabled, created_at, updated_at, last_run_at, last_error
		FROM sources WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source %s: %w", id, err)
	}

	src, err := row.toSource()
	if err != nil {
		return nil, err
	}
	return &src, nil
}

func (r *SourceRepository) List(ctx context.Context) ([]Source, error) {
	var rows []sourceRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, name, kind, group_name, enabled, created_at, updated_at, last_run_at, last_error
		FROM sources ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}

	sources := make([]Source, 0, len(rows))
	for _, row := range rows {
		src, err := row.toSource()
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// RecordRun stores the outcome of a finished run. An empty runErr clears the
// previous error.
func (r *SourceRepository) RecordRun(ctx context.Context, id string, finishedAt time.Time, runErr string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sources SET last_run_at = ?, last_error = ? WHERE id = ?`,
		formatTime(finishedAt), runErr, id)
	if err != nil {
		return fmt.Errorf("failed to record run for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	return nil
}
