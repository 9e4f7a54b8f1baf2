package dbadapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/dbpilot/internal/domain"
)

// Introspect captures tables, columns, primary keys and foreign-key targets.
func (a *Adapter) Introspect(ctx context.Context, conn domain.Connection) (domain.SchemaSnapshot, error) {
	db, err := a.pool(conn)
	if err != nil {
		return domain.SchemaSnapshot{}, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return domain.SchemaSnapshot{}, fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return domain.SchemaSnapshot{}, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return domain.SchemaSnapshot{}, fmt.Errorf("iterate tables: %w", err)
	}
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close table rows", "error", err)
	}

	snapshot := domain.SchemaSnapshot{Tables: make([]domain.Table, 0, len(names))}
	for _, name := range names {
		table, err := introspectTable(ctx, a, conn, name)
		if err != nil {
			return domain.SchemaSnapshot{}, err
		}
		snapshot.Tables = append(snapshot.Tables, table)
	}
	return snapshot, nil
}

func introspectTable(ctx context.Context, a *Adapter, conn domain.Connection, name string) (domain.Table, error) {
	quoted := `"` + strings.ReplaceAll(name, `"`, `""`) + `"`

	info, err := a.QueryMultiple(ctx, conn, "PRAGMA table_info("+quoted+")", QueryOptions{})
	if err != nil {
		return domain.Table{}, fmt.Errorf("table_info %s: %w", name, err)
	}
	fks, err := a.QueryMultiple(ctx, conn, "PRAGMA foreign_key_list("+quoted+")", QueryOptions{})
	if err != nil {
		return domain.Table{}, fmt.Errorf("foreign_key_list %s: %w", name, err)
	}

	refs := make(map[string]string)
	for _, fk := range fks.Results[0].Rows {
		from, _ := fk["from"].(string)
		target, _ := fk["table"].(string)
		to, _ := fk["to"].(string)
		if from == "" || target == "" {
			continue
		}
		ref := target
		if to != "" {
			ref += "." + to
		}
		refs[from] = ref
	}

	table := domain.Table{Name: name}
	for _, col := range info.Results[0].Rows {
		colName, _ := col["name"].(string)
		dataType, _ := col["type"].(string)
		table.Columns = append(table.Columns, domain.Column{
			Name:       colName,
			DataType:   dataType,
			Nullable:   !truthy(col["notnull"]),
			PrimaryKey: truthy(col["pk"]),
			References: refs[colName],
		})
	}
	return table, nil
}

func truthy(v any) bool {
	switch n := v.(type) {
	case int64:
		return n != 0
	case int:
		return n != 0
	case bool:
		return n
	default:
		return false
	}
}
