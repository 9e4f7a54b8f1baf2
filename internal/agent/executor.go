package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/dbpilot/internal/dbadapter"
	"github.com/ashureev/dbpilot/internal/domain"
	"github.com/ashureev/dbpilot/internal/layout"
)

const (
	maxTransportRows  = 100
	defaultSampleRows = 5
	maxSampleRows     = 20
)

// ExecContext is the session state a tool may read or extend.
type ExecContext struct {
	Connection domain.Connection
	Schema     domain.SchemaSnapshot
	Widgets    *WidgetBuffer
}

// QueryToolResult is returned by execute_query and sample_data.
type QueryToolResult struct {
	Table      string            `json:"table,omitempty"`
	RowCount   int               `json:"rowCount"`
	Rows       []map[string]any  `json:"rows"`
	Fields     []dbadapter.Field `json:"fields"`
	DurationMs int64             `json:"durationMs"`
	Truncated  bool              `json:"truncated,omitempty"`
}

// SchemaToolResult is returned by get_schema.
type SchemaToolResult struct {
	Tables []SchemaTable `json:"tables"`
}

// SchemaTable is the denormalized projection of one table.
type SchemaTable struct {
	Table   string         `json:"table"`
	Columns []SchemaColumn `json:"columns"`
}

// SchemaColumn is one column of a SchemaTable.
type SchemaColumn struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primaryKey"`
	References string `json:"references,omitempty"`
}

// WidgetToolResult is returned by the widget creation tools.
type WidgetToolResult struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	WidgetCount int    `json:"widgetCount"`
}

// SaveDashboardResult is returned by save_dashboard.
type SaveDashboardResult struct {
	Success   bool                  `json:"success"`
	Message   string                `json:"message"`
	Dashboard domain.DashboardDraft `json:"dashboard"`
}

// Executor runs single tool calls.
type Executor struct {
	registry     *Registry
	db           QueryExecutor
	queryTimeout time.Duration
}

// NewExecutor creates an executor over the given catalog and database.
func NewExecutor(registry *Registry, db QueryExecutor, queryTimeout time.Duration) *Executor {
	return &Executor{registry: registry, db: db, queryTimeout: queryTimeout}
}

// Registry returns the catalog the executor validates against.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute validates args and runs the named tool. A mutating execute_query is
// not run; its Outcome carries an ApprovalRequest instead.
func (e *Executor) Execute(ctx context.Context, name string, args json.RawMessage, ec ExecContext) (Outcome, error) {
	spec, ok := e.registry.Get(name)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := spec.Validate(args); err != nil {
		return Outcome{}, err
	}
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	var (
		result any
		err    error
	)
	switch name {
	case ToolExecuteQuery:
		var in struct {
			SQL    string `json:"sql"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return Outcome{}, &ValidationError{Tool: name, Message: err.Error()}
		}
		if IsMutatingSQL(in.SQL) {
			return Outcome{Approval: &ApprovalRequest{SQL: in.SQL, Reason: in.Reason}}, nil
		}
		result, err = e.RunQuery(ctx, ec, in.SQL)
	case ToolGetSchema:
		result, err = e.getSchema(args, ec)
	case ToolSampleData:
		result, err = e.sampleData(ctx, args, ec)
	case ToolCreateChartWidget, ToolCreateKPIWidget, ToolCreateTableWidget:
		result, err = e.createWidget(name, args, ec)
	case ToolSaveDashboard:
		result, err = e.saveDashboard(args, ec)
	default:
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Result: result}, nil
}

// RunQuery executes SQL and reports the first result set, truncated for transport.
// It is also used to run a mutation after approval.
func (e *Executor) RunQuery(ctx context.Context, ec ExecContext, sqlText string) (*QueryToolResult, error) {
	return e.query(ctx, ec, ToolExecuteQuery, sqlText)
}

func (e *Executor) query(ctx context.Context, ec ExecContext, tool, sqlText string) (*QueryToolResult, error) {
	res, err := e.db.QueryMultiple(ctx, ec.Connection, sqlText, dbadapter.QueryOptions{Timeout: e.queryTimeout})
	if err != nil {
		return nil, &ExecutionError{Tool: tool, Err: err}
	}
	out := &QueryToolResult{Rows: []map[string]any{}, Fields: []dbadapter.Field{}, DurationMs: res.TotalDurationMs}
	if len(res.Results) == 0 {
		return out, nil
	}
	first := res.Results[0]
	out.RowCount = first.RowCount
	if first.Fields != nil {
		out.Fields = first.Fields
	}
	rows := first.Rows
	if len(rows) > maxTransportRows {
		rows = rows[:maxTransportRows]
		out.Truncated = true
	}
	if rows != nil {
		out.Rows = rows
	}
	return out, nil
}

func (e *Executor) getSchema(args json.RawMessage, ec ExecContext) (*SchemaToolResult, error) {
	var in struct {
		Tables []string `json:"tables"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, &ValidationError{Tool: ToolGetSchema, Message: err.Error()}
	}

	out := &SchemaToolResult{Tables: []SchemaTable{}}
	for _, t := range ec.Schema.Tables {
		if len(in.Tables) > 0 && !containsFold(in.Tables, t.Name) {
			continue
		}
		st := SchemaTable{Table: t.Name, Columns: make([]SchemaColumn, 0, len(t.Columns))}
		for _, c := range t.Columns {
			st.Columns = append(st.Columns, SchemaColumn{
				Name:       c.Name,
				Type:       c.DataType,
				Nullable:   c.Nullable,
				PrimaryKey: c.PrimaryKey,
				References: c.References,
			})
		}
		out.Tables = append(out.Tables, st)
	}
	return out, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func (e *Executor) sampleData(ctx context.Context, args json.RawMessage, ec ExecContext) (*QueryToolResult, error) {
	var in struct {
		Table string `json:"table"`
		Limit *int   `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, &ValidationError{Tool: ToolSampleData, Message: err.Error()}
	}

	table := strings.TrimSpace(in.Table)
	if len(ec.Schema.Tables) > 0 {
		t, ok := ec.Schema.FindTable(table)
		if !ok {
			return nil, &ValidationError{Tool: ToolSampleData, Field: "table", Message: fmt.Sprintf("unknown table %q", table)}
		}
		table = t.Name
	}
	limit := defaultSampleRows
	if in.Limit != nil {
		limit = *in.Limit
	}
	limit = min(max(limit, 1), maxSampleRows)

	res, err := e.query(ctx, ec, ToolSampleData, SampleQuery(ec.Connection.Dialect, table, limit))
	if err != nil {
		return nil, err
	}
	res.Table = table
	return res, nil
}

// SampleQuery builds a bounded SELECT for the dialect.
func SampleQuery(dialect domain.Dialect, table string, limit int) string {
	switch dialect {
	case domain.DialectMSSQL:
		return fmt.Sprintf("SELECT TOP %d * FROM %s", limit, quoteIdent(dialect, table))
	default:
		return fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(dialect, table), limit)
	}
}

func quoteIdent(dialect domain.Dialect, name string) string {
	switch dialect {
	case domain.DialectMySQL:
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	case domain.DialectMSSQL:
		return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
	default:
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
}

type widgetArgs struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	SQL         string `json:"sql"`
	Width       *int   `json:"width"`
	Height      *int   `json:"height"`

	ChartType  string   `json:"chartType"`
	XKey       string   `json:"xKey"`
	YKeys      []string `json:"yKeys"`
	ShowLegend *bool    `json:"showLegend"`

	ValueKey string `json:"valueKey"`
	Label    string `json:"label"`
	Format   string `json:"format"`
	Prefix   string `json:"prefix"`
	Suffix   string `json:"suffix"`

	Columns []string `json:"columns"`
	MaxRows *int     `json:"maxRows"`
}

func (a widgetArgs) size(tool string, def domain.Layout) (domain.Layout, error) {
	l := def
	if a.Width != nil {
		if *a.Width < 1 || *a.Width > domain.GridColumns {
			return l, &ValidationError{Tool: tool, Field: "width", Message: fmt.Sprintf("must be between 1 and %d", domain.GridColumns)}
		}
		l.W = *a.Width
	}
	if a.Height != nil {
		if *a.Height < 1 {
			return l, &ValidationError{Tool: tool, Field: "height", Message: "must be at least 1"}
		}
		l.H = *a.Height
	}
	return l, nil
}

func (e *Executor) createWidget(tool string, args json.RawMessage, ec ExecContext) (*WidgetToolResult, error) {
	if ec.Widgets == nil {
		return nil, fmt.Errorf("%s: no widget buffer", tool)
	}
	var in widgetArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, &ValidationError{Tool: tool, Message: err.Error()}
	}

	w := domain.Widget{
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		SQL:         in.SQL,
	}
	var (
		size layout.Size
		err  error
	)
	switch tool {
	case ToolCreateChartWidget:
		size = defaultChartSize
		if strings.TrimSpace(in.XKey) == "" {
			return nil, &ValidationError{Tool: tool, Field: "xKey", Message: "is required"}
		}
		yKeys := make([]string, 0, len(in.YKeys))
		for _, k := range in.YKeys {
			if k = strings.TrimSpace(k); k != "" {
				yKeys = append(yKeys, k)
			}
		}
		if len(yKeys) == 0 {
			return nil, &ValidationError{Tool: tool, Field: "yKeys", Message: "needs at least one key"}
		}
		chartType := in.ChartType
		if chartType == "" {
			chartType = "bar"
		}
		showLegend := true
		if in.ShowLegend != nil {
			showLegend = *in.ShowLegend
		}
		w.Kind = domain.WidgetChart
		w.Chart = &domain.ChartConfig{ChartType: chartType, XKey: in.XKey, YKeys: yKeys, ShowLegend: showLegend}
	case ToolCreateKPIWidget:
		size = defaultKPISize
		if strings.TrimSpace(in.ValueKey) == "" {
			return nil, &ValidationError{Tool: tool, Field: "valueKey", Message: "is required"}
		}
		format := in.Format
		if format == "" {
			format = "number"
		}
		w.Kind = domain.WidgetKPI
		w.KPI = &domain.KPIConfig{ValueKey: in.ValueKey, Label: in.Label, Format: format, Prefix: in.Prefix, Suffix: in.Suffix}
	case ToolCreateTableWidget:
		size = defaultTableSize
		maxRows := 10
		if in.MaxRows != nil {
			if *in.MaxRows < 1 {
				return nil, &ValidationError{Tool: tool, Field: "maxRows", Message: "must be at least 1"}
			}
			maxRows = *in.MaxRows
		}
		w.Kind = domain.WidgetTable
		w.Table = &domain.TableConfig{Columns: in.Columns, MaxRows: maxRows}
	}

	if w.Layout, err = in.size(tool, domain.Layout{W: size.W, H: size.H}); err != nil {
		return nil, err
	}
	count := ec.Widgets.Add(w)
	return &WidgetToolResult{
		Success:     true,
		Message:     fmt.Sprintf("Added %s widget %q (%dx%d). %d widget(s) ready to save.", w.Kind, w.Title, w.Layout.W, w.Layout.H, count),
		WidgetCount: count,
	}, nil
}

func (e *Executor) saveDashboard(args json.RawMessage, ec ExecContext) (*SaveDashboardResult, error) {
	if ec.Widgets == nil {
		return nil, ErrNoWidgets
	}
	var in struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, &ValidationError{Tool: ToolSaveDashboard, Message: err.Error()}
	}
	draft, err := ec.Widgets.Draft(in.Name, in.Description)
	if err != nil {
		return nil, err
	}
	return &SaveDashboardResult{
		Success:   true,
		Message:   fmt.Sprintf("Dashboard %q laid out with %d widget(s).", draft.Name, len(draft.Widgets)),
		Dashboard: draft,
	}, nil
}
