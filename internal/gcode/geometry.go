package gcode

import (
	"math"
	"sort"
)

type point struct{ x, y float64 }

type polyline struct {
	points []point
	closed bool
	filled bool
}

// affine is the SVG matrix(a b c d e f).
type affine struct{ a, b, c, d, e, f float64 }

var identity = affine{a: 1, d: 1}

func (m affine) apply(p point) point {
	return point{
		x: m.a*p.x + m.c*p.y + m.e,
		y: m.b*p.x + m.d*p.y + m.f,
	}
}

// mul returns m·n: n is applied first.
func (m affine) mul(n affine) affine {
	return affine{
		a: m.a*n.a + m.c*n.b,
		b: m.b*n.a + m.d*n.b,
		c: m.a*n.c + m.c*n.d,
		d: m.b*n.c + m.d*n.d,
		e: m.a*n.e + m.c*n.f + m.e,
		f: m.b*n.e + m.d*n.f + m.f,
	}
}

func translate(tx, ty float64) affine { return affine{a: 1, d: 1, e: tx, f: ty} }

func scale(sx, sy float64) affine { return affine{a: sx, d: sy} }

func rotate(deg float64) affine {
	rad := deg * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	return affine{a: cos, b: sin, c: -sin, d: cos}
}

func distance(a, b point) float64 {
	return math.Hypot(b.x-a.x, b.y-a.y)
}

// hatch returns horizontal fill segments for the closed polylines using the
// even-odd rule, alternating direction on each scanline.
func hatch(shapes []polyline, spacing float64) [][2]point {
	if spacing <= 0 || len(shapes) == 0 {
		return nil
	}
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, shape := range shapes {
		for _, p := range shape.points {
			minY = math.Min(minY, p.y)
			maxY = math.Max(maxY, p.y)
		}
	}

	var segments [][2]point
	row := 0
	for y := minY + spacing/2; y < maxY; y += spacing {
		var xs []float64
		for _, shape := range shapes {
			pts := shape.points
			for i := 0; i < len(pts); i++ {
				a, b := pts[i], pts[(i+1)%len(pts)]
				if (a.y <= y) == (b.y <= y) {
					continue
				}
				xs = append(xs, a.x+(y-a.y)*(b.x-a.x)/(b.y-a.y))
			}
		}
		sort.Float64s(xs)
		var rowSegs [][2]point
		for i := 0; i+1 < len(xs); i += 2 {
			rowSegs = append(rowSegs, [2]point{{xs[i], y}, {xs[i+1], y}})
		}
		if row%2 == 1 {
			for i, j := 0, len(rowSegs)-1; i < j; i, j = i+1, j-1 {
				rowSegs[i], rowSegs[j] = rowSegs[j], rowSegs[i]
			}
			for i := range rowSegs {
				rowSegs[i][0], rowSegs[i][1] = rowSegs[i][1], rowSegs[i][0]
			}
		}
		segments = append(segments, rowSegs...)
		row++
	}
	return segments
}
