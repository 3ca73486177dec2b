package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/degenlabs/degenshield/internal/pagination"
)

// PostgresStore persists analyses in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed analysis store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the analyses table and indexes.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS analyses (
			id           VARCHAR(128) PRIMARY KEY,
			kind         VARCHAR(32) NOT NULL,
			subject      VARCHAR(128) NOT NULL,
			requester    VARCHAR(42) NOT NULL,
			status       VARCHAR(20) NOT NULL CHECK (status IN ('submitted','completed','timeout')),
			result       JSONB,
			submitted_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_analyses_subject ON analyses (LOWER(subject), submitted_at DESC);
		CREATE INDEX IF NOT EXISTS idx_analyses_submitted_at ON analyses (submitted_at DESC);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, a *Analysis) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO analyses (id, kind, subject, requester, status, result, submitted_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.Kind, a.Subject, a.Requester, string(a.Status),
		nullJSON(a.Result), a.SubmittedAt, a.CompletedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Analysis, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, kind, subject, requester, status, result, submitted_at, completed_at
		FROM analyses WHERE id = $1`, id)

	a, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *PostgresStore) Complete(ctx context.Context, id string, result json.RawMessage, at time.Time) error {
	return p.close(ctx, id, StatusCompleted, result, at)
}

func (p *PostgresStore) MarkTimeout(ctx context.Context, id string, at time.Time) error {
	return p.close(ctx, id, StatusTimeout, nil, at)
}

// close moves an analysis to a terminal status, guarding against double
// transitions at the SQL level.
func (p *PostgresStore) close(ctx context.Context, id string, status Status, result json.RawMessage, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE analyses
		SET status = $2, result = COALESCE($3, result), completed_at = $4
		WHERE id = $1 AND status = 'submitted'`,
		id, string(status), nullJSON(result), at,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyClosed
	}
	return nil
}

func (p *PostgresStore) ListBySubject(ctx context.Context, subject string, limit int, before *pagination.Cursor) ([]*Analysis, error) {
	query := `
		SELECT id, kind, subject, requester, status, result, submitted_at, completed_at
		FROM analyses
		WHERE LOWER(subject) = LOWER($1)`
	args := []any{subject}
	if before != nil {
		query += ` AND (submitted_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY submitted_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanAnalyses(rows)
}

func (p *PostgresStore) ListRecent(ctx context.Context, limit int, before *pagination.Cursor) ([]*Analysis, error) {
	query := `
		SELECT id, kind, subject, requester, status, result, submitted_at, completed_at
		FROM analyses`
	args := []any{}
	if before != nil {
		query += ` WHERE (submitted_at, id) < ($1, $2)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY submitted_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanAnalyses(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (*Analysis, error) {
	var (
		a      Analysis
		status string
		result []byte
	)
	if err := row.Scan(&a.ID, &a.Kind, &a.Subject, &a.Requester, &status,
		&result, &a.SubmittedAt, &a.CompletedAt); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if len(result) > 0 {
		a.Result = json.RawMessage(result)
	}
	return &a, nil
}

func scanAnalyses(rows *sql.Rows) ([]*Analysis, error) {
	var result []*Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

var _ Store = (*PostgresStore)(nil)
