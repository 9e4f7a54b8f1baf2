package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CatalogVersion identifies the tool catalog revision advertised to the model.
const CatalogVersion = "1"

// Tool names.
const (
	ToolExecuteQuery      = "execute_query"
	ToolGetSchema         = "get_schema"
	ToolSampleData        = "sample_data"
	ToolCreateChartWidget = "create_chart_widget"
	ToolCreateKPIWidget   = "create_kpi_widget"
	ToolCreateTableWidget = "create_table_widget"
	ToolSaveDashboard     = "save_dashboard"
)

// FieldType is the JSON type of a tool argument.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
)

// FieldSpec declares one tool argument.
type FieldSpec struct {
	Name        string
	Type        FieldType
	Items       FieldType // element type for arrays
	Required    bool
	Default     any
	Enum        []string
	Description string
}

// ToolSpec is one catalog entry.
type ToolSpec struct {
	Name        string
	Description string
	Fields      []FieldSpec
	// MayMutate marks tools whose mutation is decided per call from the SQL text.
	MayMutate bool
}

// ToolSchema is the model-facing rendering of a ToolSpec.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema object
}

// Schema renders the tool as a JSON Schema object.
func (t ToolSpec) Schema() ToolSchema {
	props := make(map[string]any, len(t.Fields))
	required := make([]string, 0, len(t.Fields))
	for _, f := range t.Fields {
		p := map[string]any{"type": string(f.Type), "description": f.Description}
		if f.Type == TypeArray {
			p["items"] = map[string]any{"type": string(f.Items)}
		}
		if len(f.Enum) > 0 {
			p["enum"] = f.Enum
		}
		if f.Default != nil {
			p["default"] = f.Default
		}
		props[f.Name] = p
		if f.Required {
			required = append(required, f.Name)
		}
	}
	return ToolSchema{
		Name:        t.Name,
		Description: t.Description,
		Parameters: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

// Validate checks required fields and JSON types of raw arguments.
func (t ToolSpec) Validate(raw json.RawMessage) error {
	args := map[string]any{}
	if len(strings.TrimSpace(string(raw))) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &args); err != nil {
			return &ValidationError{Tool: t.Name, Message: "arguments must be a JSON object"}
		}
	}
	for _, f := range t.Fields {
		v, ok := args[f.Name]
		if !ok || v == nil {
			if f.Required {
				return &ValidationError{Tool: t.Name, Field: f.Name, Message: "is required"}
			}
			continue
		}
		if err := checkType(f, v); err != "" {
			return &ValidationError{Tool: t.Name, Field: f.Name, Message: err}
		}
		if s, isString := v.(string); isString {
			if f.Required && strings.TrimSpace(s) == "" {
				return &ValidationError{Tool: t.Name, Field: f.Name, Message: "must not be empty"}
			}
			if len(f.Enum) > 0 && !contains(f.Enum, s) {
				return &ValidationError{Tool: t.Name, Field: f.Name, Message: fmt.Sprintf("must be one of %s", strings.Join(f.Enum, ", "))}
			}
		}
	}
	return nil
}

func checkType(f FieldSpec, v any) string {
	switch f.Type {
	case TypeString:
		if _, ok := v.(string); !ok {
			return "must be a string"
		}
	case TypeInteger:
		n, ok := v.(float64)
		if !ok || n != float64(int64(n)) {
			return "must be an integer"
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return "must be a boolean"
		}
	case TypeArray:
		items, ok := v.([]any)
		if !ok {
			return "must be an array"
		}
		for _, item := range items {
			if f.Items == TypeString {
				if _, ok := item.(string); !ok {
					return "must contain only strings"
				}
			}
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Registry is the fixed tool catalog.
type Registry struct {
	order []string
	tools map[string]ToolSpec
}

// NewRegistry creates a registry holding the given specs in order.
func NewRegistry(specs ...ToolSpec) *Registry {
	r := &Registry{tools: make(map[string]ToolSpec, len(specs))}
	for _, s := range specs {
		if _, dup := r.tools[s.Name]; !dup {
			r.order = append(r.order, s.Name)
		}
		r.tools[s.Name] = s
	}
	return r
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (ToolSpec, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// All returns the catalog in declaration order.
func (r *Registry) All() []ToolSpec {
	out := make([]ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Schemas renders every tool for the model.
func (r *Registry) Schemas() []ToolSchema {
	specs := r.All()
	out := make([]ToolSchema, len(specs))
	for i, s := range specs {
		out[i] = s.Schema()
	}
	return out
}

// IsMutating reports whether a call must pass through the approval gate.
func (r *Registry) IsMutating(name string, raw json.RawMessage) bool {
	spec, ok := r.tools[name]
	if !ok || !spec.MayMutate {
		return false
	}
	var args struct {
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return false
	}
	return IsMutatingSQL(args.SQL)
}

var (
	widthField  = FieldSpec{Name: "width", Type: TypeInteger, Description: "Width in grid columns (1-12)."}
	heightField = FieldSpec{Name: "height", Type: TypeInteger, Description: "Height in grid rows."}
)

func withDefault(f FieldSpec, v any) FieldSpec {
	f.Default = v
	return f
}

// DefaultRegistry returns the seven-tool catalog.
func DefaultRegistry() *Registry {
	return NewRegistry(
		ToolSpec{
			Name: ToolExecuteQuery,
			Description: "Run a SQL query against the connected database and return up to 100 rows. " +
				"Statements that modify data or schema (INSERT, UPDATE, DELETE, DROP, TRUNCATE, ALTER) " +
				"are held until the user approves them.",
			MayMutate: true,
			Fields: []FieldSpec{
				{Name: "sql", Type: TypeString, Required: true, Description: "The SQL statement to run."},
				{Name: "reason", Type: TypeString, Description: "Why this query is needed; shown to the user when approval is required."},
			},
		},
		ToolSpec{
			Name:        ToolGetSchema,
			Description: "Look up tables and columns (types, nullability, primary and foreign keys). Omit tables to list everything.",
			Fields: []FieldSpec{
				{Name: "tables", Type: TypeArray, Items: TypeString, Description: "Table names to include (case-insensitive)."},
			},
		},
		ToolSpec{
			Name:        ToolSampleData,
			Description: "Fetch a few example rows from a table to understand its contents.",
			Fields: []FieldSpec{
				{Name: "table", Type: TypeString, Required: true, Description: "Table to sample."},
				{Name: "limit", Type: TypeInteger, Default: 5, Description: "Number of rows, between 1 and 20."},
			},
		},
		ToolSpec{
			Name:        ToolCreateChartWidget,
			Description: "Add a chart widget to the dashboard being built. The widget runs its own SQL query.",
			Fields: []FieldSpec{
				{Name: "title", Type: TypeString, Required: true, Description: "Widget title."},
				{Name: "description", Type: TypeString, Description: "Short subtitle."},
				{Name: "sql", Type: TypeString, Required: true, Description: "Query producing the chart data."},
				{Name: "chartType", Type: TypeString, Default: "bar", Enum: []string{"bar", "line", "area", "pie"}, Description: "Chart style."},
				{Name: "xKey", Type: TypeString, Required: true, Description: "Result column for the x axis."},
				{Name: "yKeys", Type: TypeArray, Items: TypeString, Required: true, Description: "Result columns plotted as series."},
				{Name: "showLegend", Type: TypeBoolean, Default: true, Description: "Show the series legend."},
				withDefault(widthField, defaultChartSize.W),
				withDefault(heightField, defaultChartSize.H),
			},
		},
		ToolSpec{
			Name:        ToolCreateKPIWidget,
			Description: "Add a single-value KPI widget to the dashboard being built.",
			Fields: []FieldSpec{
				{Name: "title", Type: TypeString, Required: true, Description: "Widget title."},
				{Name: "description", Type: TypeString, Description: "Short subtitle."},
				{Name: "sql", Type: TypeString, Required: true, Description: "Query returning one row."},
				{Name: "valueKey", Type: TypeString, Required: true, Description: "Result column holding the value."},
				{Name: "label", Type: TypeString, Description: "Label under the value."},
				{Name: "format", Type: TypeString, Default: "number", Enum: []string{"number", "currency", "percent"}, Description: "Value formatting."},
				{Name: "prefix", Type: TypeString, Description: "Text before the value."},
				{Name: "suffix", Type: TypeString, Description: "Text after the value."},
				withDefault(widthField, defaultKPISize.W),
				withDefault(heightField, defaultKPISize.H),
			},
		},
		ToolSpec{
			Name:        ToolCreateTableWidget,
			Description: "Add a table widget to the dashboard being built.",
			Fields: []FieldSpec{
				{Name: "title", Type: TypeString, Required: true, Description: "Widget title."},
				{Name: "description", Type: TypeString, Description: "Short subtitle."},
				{Name: "sql", Type: TypeString, Required: true, Description: "Query producing the rows."},
				{Name: "columns", Type: TypeArray, Items: TypeString, Description: "Columns to show, in order. Defaults to all."},
				{Name: "maxRows", Type: TypeInteger, Default: 10, Description: "Maximum rows displayed."},
				withDefault(widthField, defaultTableSize.W),
				withDefault(heightField, defaultTableSize.H),
			},
		},
		ToolSpec{
			Name:        ToolSaveDashboard,
			Description: "Lay out every widget created so far and save them as a dashboard. Call once, after creating widgets.",
			Fields: []FieldSpec{
				{Name: "name", Type: TypeString, Required: true, Description: "Dashboard name."},
				{Name: "description", Type: TypeString, Description: "What the dashboard shows."},
			},
		},
	)
}
