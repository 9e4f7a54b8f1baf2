package agent

import (
	"regexp"
	"strings"

	"github.com/ashureev/dbpilot/internal/dbadapter"
)

// mutatingSQL matches statements that change data or schema by their leading
// keyword. It does not parse SQL: a data-modifying CTE such as
// "WITH x AS (DELETE ... RETURNING *) SELECT * FROM x" is not detected.
var mutatingSQL = regexp.MustCompile(`(?i)^\s*(INSERT|UPDATE|DELETE|DROP|TRUNCATE|ALTER)\b`)

// IsMutatingSQL reports whether sql must be approved before it runs. The
// adapter runs every statement of a batch, so each one is classified on its
// own after its leading comments.
func IsMutatingSQL(sql string) bool {
	for _, stmt := range dbadapter.SplitStatements(sql) {
		if mutatingSQL.MatchString(skipLeadingComments(stmt)) {
			return true
		}
	}
	return false
}

func skipLeadingComments(stmt string) string {
	for {
		stmt = strings.TrimSpace(stmt)
		switch {
		case strings.HasPrefix(stmt, "--"):
			end := strings.IndexByte(stmt, '\n')
			if end < 0 {
				return ""
			}
			stmt = stmt[end+1:]
		case strings.HasPrefix(stmt, "/*"):
			end := strings.Index(stmt[2:], "*/")
			if end < 0 {
				return ""
			}
			stmt = stmt[end+4:]
		default:
			return stmt
		}
	}
}
