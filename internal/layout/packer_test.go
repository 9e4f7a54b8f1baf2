package layout

import (
	"math/rand"
	"testing"

	"github.com/ashureev/dbpilot/internal/domain"
)

func TestPackWrapsRows(t *testing.T) {
	got := Pack([]Size{{W: 6, H: 4}, {W: 6, H: 3}, {W: 12, H: 2}}, 12)
	want := []Rect{
		{X: 0, Y: 0, W: 6, H: 4},
		{X: 6, Y: 0, W: 6, H: 3},
		{X: 0, Y: 4, W: 12, H: 2},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rect %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestPackClampsDimensions(t *testing.T) {
	tests := []struct {
		name string
		in   Size
		want Rect
	}{
		{name: "zero width", in: Size{W: 0, H: 2}, want: Rect{W: 1, H: 2}},
		{name: "too wide", in: Size{W: 40, H: 2}, want: Rect{W: 12, H: 2}},
		{name: "zero height", in: Size{W: 3, H: 0}, want: Rect{W: 3, H: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Pack([]Size{tt.in}, 12)
			if got[0] != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got[0])
			}
		})
	}
}

func TestPackNeverOverlaps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		sizes := make([]Size, 1+rng.Intn(15))
		for i := range sizes {
			sizes[i] = Size{W: 1 + rng.Intn(12), H: 1 + rng.Intn(6)}
		}
		rects := Pack(sizes, 12)
		for i := range rects {
			if rects[i].X+rects[i].W > 12 {
				t.Fatalf("round %d: rect %d exceeds grid: %+v", round, i, rects[i])
			}
			for j := i + 1; j < len(rects); j++ {
				if rects[i].Overlaps(rects[j]) {
					t.Fatalf("round %d: rects %d and %d overlap: %+v %+v", round, i, j, rects[i], rects[j])
				}
			}
		}
	}
}

func TestPackIsDeterministic(t *testing.T) {
	sizes := []Size{{W: 4, H: 2}, {W: 5, H: 3}, {W: 4, H: 1}, {W: 8, H: 2}}
	first := Pack(sizes, 12)
	second := Pack(sizes, 12)
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("rect %d differs between runs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestPackWidgetsPreservesContent(t *testing.T) {
	in := []domain.Widget{
		{Kind: domain.WidgetKPI, Title: "Revenue", Layout: domain.Layout{X: 9, Y: 9, W: 3, H: 2}},
		{Kind: domain.WidgetTable, Title: "Orders", Layout: domain.Layout{W: 12, H: 4}},
	}
	out := PackWidgets(in)
	if out[0].Title != "Revenue" || out[1].Kind != domain.WidgetTable {
		t.Fatalf("widget content changed: %+v", out)
	}
	if out[0].Layout != (domain.Layout{X: 0, Y: 0, W: 3, H: 2}) {
		t.Errorf("unexpected first layout: %+v", out[0].Layout)
	}
	if out[1].Layout != (domain.Layout{X: 0, Y: 2, W: 12, H: 4}) {
		t.Errorf("unexpected second layout: %+v", out[1].Layout)
	}
	if in[0].Layout.X != 9 {
		t.Error("input widgets must not be mutated")
	}
}
