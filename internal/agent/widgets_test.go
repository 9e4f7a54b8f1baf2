package agent

import (
	"errors"
	"testing"

	"github.com/ashureev/dbpilot/internal/domain"
)

func TestWidgetBuffer_Draft(t *testing.T) {
	b := NewWidgetBuffer()
	if _, err := b.Draft("x", ""); !errors.Is(err, ErrNoWidgets) {
		t.Fatalf("empty draft error = %v", err)
	}

	b.Add(domain.Widget{Kind: domain.WidgetKPI, Layout: domain.Layout{W: 3, H: 2}})
	b.Add(domain.Widget{Kind: domain.WidgetKPI, Layout: domain.Layout{W: 3, H: 2}})

	first, err := b.Draft("", "")
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	if first.Name != defaultDashboardName {
		t.Errorf("name = %q, want default", first.Name)
	}
	if first.Widgets[1].Layout.X != 3 {
		t.Errorf("second widget x = %d, want 3", first.Widgets[1].Layout.X)
	}

	named, _ := b.Draft("Ops", "Daily")
	again, _ := b.Draft("", "")
	if named.ID != first.ID || again.ID != first.ID {
		t.Error("draft id changed between calls")
	}
	if again.Name != "Ops" || again.Description != "Daily" {
		t.Errorf("name fallback = %q / %q", again.Name, again.Description)
	}
}

func TestWidgetBuffer_AddCopies(t *testing.T) {
	b := NewWidgetBuffer()
	w := domain.Widget{Kind: domain.WidgetChart, Chart: &domain.ChartConfig{YKeys: []string{"a"}}, Layout: domain.Layout{W: 6, H: 4}}
	b.Add(w)
	w.Chart.YKeys[0] = "changed"

	d, _ := b.Draft("", "")
	if d.Widgets[0].Chart.YKeys[0] != "a" {
		t.Error("buffer shares storage with the caller's widget")
	}
}
