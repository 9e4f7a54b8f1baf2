package agent

import (
	"fmt"
	"strings"

	"github.com/ashureev/dbpilot/internal/domain"
)

const promptPreamble = `You are a database assistant working directly against a live database.
Use the tools to inspect the schema, sample data and run queries before answering.
Call one tool at a time and wait for its result.
Statements that change data or schema are shown to the user first and only run if they approve.
If the user declines, do not retry the same statement; explain what you would have done instead.
When asked for a dashboard, create the widgets first and then call save_dashboard once.
Finish with a short summary of what you found or did.`

// BuildSystemPrompt renders the instructions given to the model for one session.
func BuildSystemPrompt(conn domain.Connection, schema domain.SchemaSnapshot, registry *Registry) string {
	var b strings.Builder
	b.WriteString(promptPreamble)

	dialect := conn.Dialect
	if dialect == "" {
		dialect = domain.DialectSQLite
	}
	fmt.Fprintf(&b, "\n\nDatabase: %s (dialect: %s). Write SQL for this dialect.\n", conn.Name, dialect)

	if len(schema.Tables) > 0 {
		b.WriteString("\nTables:\n")
		for _, t := range schema.Tables {
			fmt.Fprintf(&b, "- %s (%d columns)\n", t.Name, len(t.Columns))
		}
	} else {
		b.WriteString("\nNo schema snapshot is available; use get_schema or queries to discover tables.\n")
	}

	fmt.Fprintf(&b, "\nTools (catalog v%s):\n", CatalogVersion)
	for _, t := range registry.All() {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return b.String()
}
