// Package dbadapter executes SQL against user-registered databases and
// introspects their schema.
package dbadapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/dbpilot/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrUnsupportedDialect is returned for connections whose dialect has no driver.
var ErrUnsupportedDialect = errors.New("unsupported dialect")

// Field describes one result column.
type Field struct {
	Name     string `json:"name"`
	DataType string `json:"dataType,omitempty"`
}

// QueryResult is the outcome of one statement.
type QueryResult struct {
	Rows     []map[string]any `json:"rows"`
	Fields   []Field          `json:"fields"`
	RowCount int              `json:"rowCount"`
}

// MultiResult is the outcome of a possibly multi-statement SQL text.
type MultiResult struct {
	Results         []QueryResult `json:"results"`
	TotalDurationMs int64         `json:"totalDurationMs"`
}

// QueryOptions tunes a single QueryMultiple call.
type QueryOptions struct {
	Timeout time.Duration
}

// Adapter pools one *sql.DB per connection ID.
type Adapter struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
}

// New creates an adapter with no open pools.
func New() *Adapter {
	return &Adapter{pools: make(map[string]*sql.DB)}
}

func driverFor(d domain.Dialect) (string, error) {
	switch d {
	case domain.DialectSQLite, "":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDialect, d)
	}
}

func (a *Adapter) pool(conn domain.Connection) (*sql.DB, error) {
	driver, err := driverFor(conn.Dialect)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if db, ok := a.pools[conn.ID]; ok {
		return db, nil
	}
	db, err := sql.Open(driver, conn.DSN)
	if err != nil {
		return nil, fmt.Errorf("open connection %s: %w", conn.ID, err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	a.pools[conn.ID] = db
	return db, nil
}

// QueryMultiple runs every statement of sqlText in order and reports one result per
// statement. Execution stops at the first failing statement.
func (a *Adapter) QueryMultiple(ctx context.Context, conn domain.Connection, sqlText string, opts QueryOptions) (*MultiResult, error) {
	db, err := a.pool(conn)
	if err != nil {
		return nil, err
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	statements := SplitStatements(sqlText)
	if len(statements) == 0 {
		return nil, errors.New("empty query")
	}

	start := time.Now()
	out := &MultiResult{Results: make([]QueryResult, 0, len(statements))}
	for _, stmt := range statements {
		var res QueryResult
		if returnsRows(stmt) {
			res, err = queryRows(ctx, db, stmt)
		} else {
			res, err = execStatement(ctx, db, stmt)
		}
		if err != nil {
			return nil, err
		}
		out.Results = append(out.Results, res)
	}
	out.TotalDurationMs = time.Since(start).Milliseconds()
	return out, nil
}

func queryRows(ctx context.Context, db *sql.DB, stmt string) (QueryResult, error) {
	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return QueryResult{}, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close query rows", "error", closeErr)
		}
	}()

	types, err := rows.ColumnTypes()
	if err != nil {
		return QueryResult{}, fmt.Errorf("column types: %w", err)
	}
	res := QueryResult{Fields: make([]Field, len(types)), Rows: []map[string]any{}}
	for i, ct := range types {
		res.Fields[i] = Field{Name: ct.Name(), DataType: ct.DatabaseTypeName()}
	}

	for rows.Next() {
		values := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return QueryResult{}, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(types))
		for i, f := range res.Fields {
			if b, ok := values[i].([]byte); ok {
				row[f.Name] = string(b)
				continue
			}
			row[f.Name] = values[i]
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, err
	}
	res.RowCount = len(res.Rows)
	return res, nil
}

func execStatement(ctx context.Context, db *sql.DB, stmt string) (QueryResult, error) {
	result, err := db.ExecContext(ctx, stmt)
	if err != nil {
		return QueryResult{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		affected = 0
	}
	return QueryResult{Rows: []map[string]any{}, Fields: []Field{}, RowCount: int(affected)}, nil
}

var rowKeywords = map[string]bool{
	"SELECT": true, "WITH": true, "PRAGMA": true, "EXPLAIN": true, "VALUES": true,
}

func returnsRows(stmt string) bool {
	fields := strings.Fields(strings.ToUpper(stmt))
	if len(fields) == 0 {
		return false
	}
	if rowKeywords[fields[0]] {
		return true
	}
	for _, f := range fields {
		if f == "RETURNING" {
			return true
		}
	}
	return false
}

// Close releases every pooled connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for id, db := range a.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool %s: %w", id, err))
		}
		delete(a.pools, id)
	}
	return errors.Join(errs...)
}

// Forget closes and drops the pool for a connection, e.g. after it is deleted.
func (a *Adapter) Forget(connectionID string) {
	a.mu.Lock()
	db, ok := a.pools[connectionID]
	delete(a.pools, connectionID)
	a.mu.Unlock()
	if ok {
		if err := db.Close(); err != nil {
			slog.Warn("failed to close connection pool", "connection_id", connectionID, "error", err)
		}
	}
}
