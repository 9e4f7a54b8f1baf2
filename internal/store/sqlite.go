package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/dbpilot/internal/domain"
	"github.com/ashureev/dbpilot/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		dialect TEXT NOT NULL,
		dsn TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dashboards (
		id TEXT PRIMARY KEY,
		connection_id TEXT,
		name TEXT NOT NULL,
		description TEXT,
		widgets_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dashboards_updated ON dashboards(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateConnection stores a new connection descriptor.
func (s *SQLiteStore) CreateConnection(ctx context.Context, conn *domain.Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now()
	}
	query := `INSERT INTO connections (id, name, dialect, dsn, created_at) VALUES (?, ?, ?, ?, ?)`
	return shared.RetryOnConflict(ctx, s.retry, "create_connection", func() error {
		if _, err := s.db.ExecContext(ctx, query, conn.ID, conn.Name, string(conn.Dialect), conn.DSN, conn.CreatedAt.Unix()); err != nil {
			return fmt.Errorf("insert connection: %w", err)
		}
		return nil
	})
}

// GetConnection retrieves a connection by ID.
func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*domain.Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, dialect, dsn, created_at FROM connections WHERE id = ?`, id)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection row: %w", err)
	}
	return conn, nil
}

// ListConnections returns all connections ordered by creation time.
func (s *SQLiteStore) ListConnections(ctx context.Context) ([]*domain.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, dialect, dsn, created_at FROM connections ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close connection rows", "error", closeErr)
		}
	}()

	var conns []*domain.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection row: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return conns, nil
}

// DeleteConnection removes a connection.
func (s *SQLiteStore) DeleteConnection(ctx context.Context, id string) error {
	return shared.RetryOnConflict(ctx, s.retry, "delete_connection", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete connection: %w", err)
		}
		return nil
	})
}

// SaveDashboard inserts or replaces a dashboard.
func (s *SQLiteStore) SaveDashboard(ctx context.Context, d *domain.Dashboard) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	widgets := d.Widgets
	if widgets == nil {
		widgets = []domain.Widget{}
	}
	widgetsJSON, err := json.Marshal(widgets)
	if err != nil {
		return "", fmt.Errorf("marshal widgets: %w", err)
	}

	query := `
		INSERT INTO dashboards (id, connection_id, name, description, widgets_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			connection_id = excluded.connection_id,
			name = excluded.name,
			description = excluded.description,
			widgets_json = excluded.widgets_json,
			updated_at = excluded.updated_at`

	var connectionID interface{}
	if d.ConnectionID != "" {
		connectionID = d.ConnectionID
	}

	err = shared.RetryOnConflict(ctx, s.retry, "save_dashboard", func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			d.ID, connectionID, d.Name, d.Description, string(widgetsJSON),
			d.CreatedAt.Unix(), d.UpdatedAt.Unix(),
		)
		if execErr != nil {
			return fmt.Errorf("upsert dashboard: %w", execErr)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

// GetDashboard retrieves a dashboard by ID.
func (s *SQLiteStore) GetDashboard(ctx context.Context, id string) (*domain.Dashboard, error) {
	query := `
		SELECT id, connection_id, name, description, widgets_json, created_at, updated_at
		FROM dashboards WHERE id = ?`
	d, err := scanDashboard(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan dashboard row: %w", err)
	}
	return d, nil
}

// ListDashboards returns dashboards, newest first.
func (s *SQLiteStore) ListDashboards(ctx context.Context) ([]*domain.Dashboard, error) {
	query := `
		SELECT id, connection_id, name, description, widgets_json, created_at, updated_at
		FROM dashboards ORDER BY updated_at DESC, id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query dashboards: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close dashboard rows", "error", closeErr)
		}
	}()

	var out []*domain.Dashboard
	for rows.Next() {
		d, err := scanDashboard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dashboard row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dashboards: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConnection(row scanner) (*domain.Connection, error) {
	var conn domain.Connection
	var dialect string
	var createdAt int64
	if err := row.Scan(&conn.ID, &conn.Name, &dialect, &conn.DSN, &createdAt); err != nil {
		return nil, err
	}
	conn.Dialect = domain.Dialect(dialect)
	conn.CreatedAt = time.Unix(createdAt, 0)
	return &conn, nil
}

func scanDashboard(row scanner) (*domain.Dashboard, error) {
	var d domain.Dashboard
	var connectionID, description sql.NullString
	var widgetsJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(&d.ID, &connectionID, &d.Name, &description, &widgetsJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.ConnectionID = connectionID.String
	d.Description = description.String
	d.CreatedAt = time.Unix(createdAt, 0)
	d.UpdatedAt = time.Unix(updatedAt, 0)
	if err := json.Unmarshal([]byte(widgetsJSON), &d.Widgets); err != nil {
		return nil, fmt.Errorf("decode widgets: %w", err)
	}
	return &d, nil
}
