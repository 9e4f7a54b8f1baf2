package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ashureev/dbpilot/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestConnectionLifecycle(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	conn := &domain.Connection{Name: "analytics", Dialect: domain.DialectSQLite, DSN: "/tmp/a.db"}
	if err := repo.CreateConnection(ctx, conn); err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}
	if conn.ID == "" {
		t.Fatal("expected generated connection id")
	}

	got, err := repo.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}
	if got == nil || got.Name != "analytics" || got.Dialect != domain.DialectSQLite {
		t.Fatalf("unexpected connection: %+v", got)
	}

	list, err := repo.ListConnections(ctx)
	if err != nil {
		t.Fatalf("ListConnections failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(list))
	}

	if err := repo.DeleteConnection(ctx, conn.ID); err != nil {
		t.Fatalf("DeleteConnection failed: %v", err)
	}
	got, err = repo.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("GetConnection after delete failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}

func TestSaveDashboardRoundTrip(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	d := &domain.Dashboard{
		Name: "Sales",
		Widgets: []domain.Widget{{
			Kind:   domain.WidgetChart,
			Title:  "Revenue by month",
			SQL:    "SELECT month, total FROM revenue",
			Chart:  &domain.ChartConfig{ChartType: "bar", XKey: "month", YKeys: []string{"total"}},
			Layout: domain.Layout{X: 0, Y: 0, W: 6, H: 4},
		}},
	}
	id, err := repo.SaveDashboard(ctx, d)
	if err != nil {
		t.Fatalf("SaveDashboard failed: %v", err)
	}

	got, err := repo.GetDashboard(ctx, id)
	if err != nil {
		t.Fatalf("GetDashboard failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected dashboard")
	}
	if len(got.Widgets) != 1 || got.Widgets[0].Chart == nil || got.Widgets[0].Chart.XKey != "month" {
		t.Errorf("widgets not preserved: %+v", got.Widgets)
	}

	d.Name = "Sales v2"
	if _, err := repo.SaveDashboard(ctx, d); err != nil {
		t.Fatalf("second SaveDashboard failed: %v", err)
	}
	all, err := repo.ListDashboards(ctx)
	if err != nil {
		t.Fatalf("ListDashboards failed: %v", err)
	}
	if len(all) != 1 || all[0].Name != "Sales v2" {
		t.Errorf("expected single updated dashboard, got %+v", all)
	}
}

func TestGetDashboardMissing(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	got, err := repo.GetDashboard(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}
