package domain

import "time"

// GridColumns is the width of the dashboard grid.
const GridColumns = 12

// WidgetKind identifies how a widget renders its query result.
type WidgetKind string

const (
	WidgetChart WidgetKind = "chart"
	WidgetKPI   WidgetKind = "kpi"
	WidgetTable WidgetKind = "table"
)

// Layout is a widget's position and size in grid units.
type Layout struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// ChartConfig configures a chart widget.
type ChartConfig struct {
	ChartType  string   `json:"chartType"`
	XKey       string   `json:"xKey"`
	YKeys      []string `json:"yKeys"`
	ShowLegend bool     `json:"showLegend"`
}

// KPIConfig configures a single-value widget.
type KPIConfig struct {
	ValueKey string `json:"valueKey"`
	Label    string `json:"label,omitempty"`
	Format   string `json:"format"`
	Prefix   string `json:"prefix,omitempty"`
	Suffix   string `json:"suffix,omitempty"`
}

// TableConfig configures a tabular widget.
type TableConfig struct {
	Columns []string `json:"columns,omitempty"`
	MaxRows int      `json:"maxRows"`
}

// Widget is a dashboard widget descriptor carrying its own inline query.
type Widget struct {
	Kind        WidgetKind   `json:"kind"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	SQL         string       `json:"sql"`
	Chart       *ChartConfig `json:"chart,omitempty"`
	KPI         *KPIConfig   `json:"kpi,omitempty"`
	Table       *TableConfig `json:"table,omitempty"`
	Layout      Layout       `json:"layout"`
}

// Clone copies w including its kind-specific config.
func (w Widget) Clone() Widget {
	out := w
	if w.Chart != nil {
		c := *w.Chart
		c.YKeys = append([]string(nil), w.Chart.YKeys...)
		out.Chart = &c
	}
	if w.KPI != nil {
		k := *w.KPI
		out.KPI = &k
	}
	if w.Table != nil {
		t := *w.Table
		t.Columns = append([]string(nil), w.Table.Columns...)
		out.Table = &t
	}
	return out
}

// DashboardDraft is a packed widget set awaiting persistence by the caller.
type DashboardDraft struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Widgets     []Widget `json:"widgets"`
}

// Clone deep-copies the draft.
func (d DashboardDraft) Clone() DashboardDraft {
	out := d
	out.Widgets = make([]Widget, len(d.Widgets))
	for i, w := range d.Widgets {
		out.Widgets[i] = w.Clone()
	}
	return out
}

// Dashboard is a persisted dashboard.
type Dashboard struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connectionId,omitempty"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Widgets      []Widget  `json:"widgets"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
