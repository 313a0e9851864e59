package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/incidentstack/responder/internal/models"
)

// PostgresStore persists records as JSONB documents with an integer version
// column for compare-and-swap updates.
type PostgresStore struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS incidents (
    namespace   TEXT        NOT NULL,
    id          TEXT        NOT NULL,
    status      TEXT        NOT NULL,
    index_dirty BOOLEAN     NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ NOT NULL,
    doc         JSONB       NOT NULL,
    version     BIGINT      NOT NULL,
    PRIMARY KEY (namespace, id)
);
CREATE INDEX IF NOT EXISTS incidents_status_idx ON incidents (namespace, status);
CREATE INDEX IF NOT EXISTS incidents_dirty_idx ON incidents (namespace) WHERE index_dirty;

CREATE TABLE IF NOT EXISTS runbooks (
    namespace  TEXT        NOT NULL,
    id         TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    doc        JSONB       NOT NULL,
    version    BIGINT      NOT NULL,
    PRIMARY KEY (namespace, id)
);
`

// NewPostgresStore opens a connection pool and ensures the schema exists.
func NewPostgresStore(dsn string, timeout time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w: %v", models.ErrStoreUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// PutIncident inserts or CAS-updates an incident record.
func (s *PostgresStore) PutIncident(ctx context.Context, rec models.IncidentRecord, expectedVersion int64) (models.IncidentRecord, error) {
	if expectedVersion == 0 {
		rec.Version = 1
		doc, err := json.Marshal(rec)
		if err != nil {
			return models.IncidentRecord{}, fmt.Errorf("marshal incident: %w", err)
		}
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO incidents (namespace, id, status, index_dirty, created_at, doc, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (namespace, id) DO NOTHING`,
			rec.Namespace, rec.ID, string(rec.Status), rec.IndexDirty, rec.CreatedAt, doc, rec.Version)
		if err != nil {
			return models.IncidentRecord{}, storeErr("insert incident", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return models.IncidentRecord{}, fmt.Errorf("incident %s exists: %w", rec.ID, models.ErrVersionConflict)
		}
		return rec, nil
	}

	rec.Version = expectedVersion + 1
	doc, err := json.Marshal(rec)
	if err != nil {
		return models.IncidentRecord{}, fmt.Errorf("marshal incident: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE incidents
		SET status = $1, index_dirty = $2, doc = $3, version = $4
		WHERE namespace = $5 AND id = $6 AND version = $7`,
		string(rec.Status), rec.IndexDirty, doc, rec.Version, rec.Namespace, rec.ID, expectedVersion)
	if err != nil {
		return models.IncidentRecord{}, storeErr("update incident", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Distinguish a missing row from a concurrent writer.
		var v int64
		err := s.db.QueryRowContext(ctx,
			`SELECT version FROM incidents WHERE namespace = $1 AND id = $2`,
			rec.Namespace, rec.ID).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return models.IncidentRecord{}, fmt.Errorf("incident %s: %w", rec.ID, models.ErrNotFound)
		}
		if err != nil {
			return models.IncidentRecord{}, storeErr("reread incident", err)
		}
		return models.IncidentRecord{}, fmt.Errorf("incident %s at version %d, expected %d: %w",
			rec.ID, v, expectedVersion, models.ErrVersionConflict)
	}
	return rec, nil
}

// GetIncident loads one record.
func (s *PostgresStore) GetIncident(ctx context.Context, namespace, id string) (models.IncidentRecord, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM incidents WHERE namespace = $1 AND id = $2`,
		namespace, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return models.IncidentRecord{}, fmt.Errorf("incident %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.IncidentRecord{}, storeErr("get incident", err)
	}
	return decodeIncident(doc)
}

// ListIncidents returns records matching the filter, newest first.
func (s *PostgresStore) ListIncidents(ctx context.Context, filter models.ListFilter) ([]models.IncidentRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}

	query := `SELECT doc FROM incidents WHERE namespace = $1`
	args := []interface{}{filter.Namespace}
	if filter.StatusFilter != nil {
		query += ` AND status = $2`
		args = append(args, string(*filter.StatusFilter))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list incidents", err)
	}
	defer rows.Close()

	return scanIncidents(rows)
}

// ListIndexDirty returns records flagged for index repair.
func (s *PostgresStore) ListIndexDirty(ctx context.Context, namespace string, limit int) ([]models.IncidentRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT doc FROM incidents WHERE index_dirty`
	args := []interface{}{}
	if namespace != "" {
		query += ` AND namespace = $1`
		args = append(args, namespace)
	}
	query += fmt.Sprintf(` ORDER BY created_at LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list dirty incidents", err)
	}
	defer rows.Close()

	return scanIncidents(rows)
}

// PutRunbook inserts or CAS-updates a runbook record.
func (s *PostgresStore) PutRunbook(ctx context.Context, rb models.RunbookRecord, expectedVersion int64) (models.RunbookRecord, error) {
	if expectedVersion == 0 {
		rb.Version = 1
		doc, err := json.Marshal(rb)
		if err != nil {
			return models.RunbookRecord{}, fmt.Errorf("marshal runbook: %w", err)
		}
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO runbooks (namespace, id, created_at, doc, version)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (namespace, id) DO NOTHING`,
			rb.Namespace, rb.ID, rb.CreatedAt, doc, rb.Version)
		if err != nil {
			return models.RunbookRecord{}, storeErr("insert runbook", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return models.RunbookRecord{}, fmt.Errorf("runbook %s exists: %w", rb.ID, models.ErrVersionConflict)
		}
		return rb, nil
	}

	rb.Version = expectedVersion + 1
	doc, err := json.Marshal(rb)
	if err != nil {
		return models.RunbookRecord{}, fmt.Errorf("marshal runbook: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE runbooks SET doc = $1, version = $2
		WHERE namespace = $3 AND id = $4 AND version = $5`,
		doc, rb.Version, rb.Namespace, rb.ID, expectedVersion)
	if err != nil {
		return models.RunbookRecord{}, storeErr("update runbook", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var v int64
		err := s.db.QueryRowContext(ctx,
			`SELECT version FROM runbooks WHERE namespace = $1 AND id = $2`,
			rb.Namespace, rb.ID).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return models.RunbookRecord{}, fmt.Errorf("runbook %s: %w", rb.ID, models.ErrNotFound)
		}
		if err != nil {
			return models.RunbookRecord{}, storeErr("reread runbook", err)
		}
		return models.RunbookRecord{}, fmt.Errorf("runbook %s at version %d, expected %d: %w",
			rb.ID, v, expectedVersion, models.ErrVersionConflict)
	}
	return rb, nil
}

// GetRunbook loads one runbook.
func (s *PostgresStore) GetRunbook(ctx context.Context, namespace, id string) (models.RunbookRecord, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM runbooks WHERE namespace = $1 AND id = $2`,
		namespace, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RunbookRecord{}, fmt.Errorf("runbook %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.RunbookRecord{}, storeErr("get runbook", err)
	}

	var rb models.RunbookRecord
	if err := json.Unmarshal(doc, &rb); err != nil {
		return models.RunbookRecord{}, fmt.Errorf("decode runbook: %w", err)
	}
	return rb, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanIncidents(rows *sql.Rows) ([]models.IncidentRecord, error) {
	out := make([]models.IncidentRecord, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, storeErr("scan incident", err)
		}
		rec, err := decodeIncident(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate incidents", err)
	}
	return out, nil
}

func decodeIncident(doc []byte) (models.IncidentRecord, error) {
	var rec models.IncidentRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return models.IncidentRecord{}, fmt.Errorf("decode incident: %w", err)
	}
	return rec, nil
}

func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, models.ErrStoreUnavailable, err)
}
