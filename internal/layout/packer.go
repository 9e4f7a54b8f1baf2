// Package layout assigns grid positions to dashboard widgets.
package layout

import "github.com/ashureev/dbpilot/internal/domain"

// Size is a declared widget footprint in grid units.
type Size struct {
	W int
	H int
}

// Rect is a placed footprint.
type Rect struct {
	X, Y, W, H int
}

// Overlaps reports whether r and o share any grid cell.
func (r Rect) Overlaps(o Rect) bool {
	return r.X < o.X+o.W && o.X < r.X+r.W && r.Y < o.Y+o.H && o.Y < r.Y+r.H
}

// Pack places sizes left to right on a grid of the given column count, wrapping to a
// new row when the next item does not fit. Input order is preserved and the output is
// a pure function of the input. Widths are clamped to [1, columns], heights to >= 1.
func Pack(sizes []Size, columns int) []Rect {
	if columns <= 0 {
		columns = domain.GridColumns
	}
	out := make([]Rect, len(sizes))
	x, y, rowHeight := 0, 0, 0
	for i, s := range sizes {
		w := min(max(s.W, 1), columns)
		h := max(s.H, 1)
		if x+w > columns {
			x = 0
			y += rowHeight
			rowHeight = 0
		}
		out[i] = Rect{X: x, Y: y, W: w, H: h}
		x += w
		rowHeight = max(rowHeight, h)
	}
	return out
}

// PackWidgets returns copies of widgets with X/Y assigned on the 12-column grid.
// Only the declared W/H are inspected.
func PackWidgets(widgets []domain.Widget) []domain.Widget {
	sizes := make([]Size, len(widgets))
	for i, w := range widgets {
		sizes[i] = Size{W: w.Layout.W, H: w.Layout.H}
	}
	rects := Pack(sizes, domain.GridColumns)
	out := make([]domain.Widget, len(widgets))
	for i, w := range widgets {
		c := w.Clone()
		c.Layout = domain.Layout{X: rects[i].X, Y: rects[i].Y, W: rects[i].W, H: rects[i].H}
		out[i] = c
	}
	return out
}
