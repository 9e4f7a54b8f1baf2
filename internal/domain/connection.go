package domain

import (
	"strings"
	"time"
)

// Dialect names the SQL flavour of a connection.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectMSSQL    Dialect = "mssql"
)

// Connection describes a target database. The DSN is never sent to the model.
type Connection struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Dialect   Dialect   `json:"dialect"`
	DSN       string    `json:"dsn,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Column describes one column of a table.
type Column struct {
	Name       string `json:"name"`
	DataType   string `json:"dataType"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primaryKey,omitempty"`
	References string `json:"references,omitempty"` // "table.column" for foreign keys
}

// Table describes one table and its columns.
type Table struct {
	Schema  string   `json:"schema,omitempty"`
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// SchemaSnapshot is the schema captured when a session starts.
type SchemaSnapshot struct {
	Tables []Table `json:"tables"`
}

// FindTable looks a table up by case-insensitive name.
func (s SchemaSnapshot) FindTable(name string) (Table, bool) {
	for _, t := range s.Tables {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return Table{}, false
}
