package agent

import (
	"strings"
	"sync"

	"github.com/ashureev/dbpilot/internal/domain"
	"github.com/ashureev/dbpilot/internal/layout"
	"github.com/google/uuid"
)

var (
	defaultChartSize = layout.Size{W: 6, H: 4}
	defaultKPISize   = layout.Size{W: 3, H: 2}
	defaultTableSize = layout.Size{W: 12, H: 4}
)

const defaultDashboardName = "Agent dashboard"

// WidgetBuffer accumulates the widgets created during one session.
type WidgetBuffer struct {
	mu          sync.Mutex
	widgets     []domain.Widget
	draftID     string
	name        string
	description string
}

// NewWidgetBuffer creates an empty buffer.
func NewWidgetBuffer() *WidgetBuffer {
	return &WidgetBuffer{}
}

// Add appends a widget and returns the new count.
func (b *WidgetBuffer) Add(w domain.Widget) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.widgets = append(b.widgets, w.Clone())
	return len(b.widgets)
}

// Len returns the number of buffered widgets.
func (b *WidgetBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.widgets)
}

// Draft packs the buffered widgets into a dashboard draft. An empty name keeps the
// name from an earlier Draft call. The draft id is stable for the buffer's lifetime.
func (b *WidgetBuffer) Draft(name, description string) (domain.DashboardDraft, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.widgets) == 0 {
		return domain.DashboardDraft{}, ErrNoWidgets
	}
	if b.draftID == "" {
		b.draftID = uuid.NewString()
	}
	if name = strings.TrimSpace(name); name != "" {
		b.name = name
		b.description = strings.TrimSpace(description)
	}
	if b.name == "" {
		b.name = defaultDashboardName
	}
	return domain.DashboardDraft{
		ID:          b.draftID,
		Name:        b.name,
		Description: b.description,
		Widgets:     layout.PackWidgets(b.widgets),
	}, nil
}
