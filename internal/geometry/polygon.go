// Package geometry holds the zone boundary type used by the crossing engine.
//
// A Polygon is immutable once built. Containment is boundary-inclusive: a
// point lying exactly on an edge or a vertex is inside.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// ErrInvalidGeometry is returned when a polygon cannot be built from the
// supplied vertices.
var ErrInvalidGeometry = errors.New("invalid geometry")

// MinVertices is the smallest vertex count that forms a polygon.
const MinVertices = 3

// Point is a 2-D image-space coordinate.
type Point = r2.Vec

// Polygon is a closed ring of vertices. The closing edge from the last
// vertex back to the first is implicit.
type Polygon struct {
	vertices []Point
	bounds   r2.Box
	area     float64
}

type options struct {
	strict bool
}

// Option configures polygon construction.
type Option func(*options)

// Strict rejects degenerate shapes (zero area, fewer than three distinct
// vertices) in addition to the checks that always apply.
func Strict() Option {
	return func(o *options) { o.strict = true }
}

// New validates vertices and returns an immutable Polygon.
func New(vertices []Point, opts ...Option) (*Polygon, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if len(vertices) < MinVertices {
		return nil, fmt.Errorf("%w: need at least %d vertices, got %d", ErrInvalidGeometry, MinVertices, len(vertices))
	}
	for i, v := range vertices {
		if !finite(v) {
			return nil, fmt.Errorf("%w: vertex %d is not finite (%v, %v)", ErrInvalidGeometry, i, v.X, v.Y)
		}
	}

	vs := make([]Point, len(vertices))
	copy(vs, vertices)

	p := &Polygon{
		vertices: vs,
		bounds:   boundsOf(vs),
		area:     signedArea(vs),
	}

	if o.strict {
		if n := distinct(vs); n < MinVertices {
			return nil, fmt.Errorf("%w: need at least %d distinct vertices, got %d", ErrInvalidGeometry, MinVertices, n)
		}
		if p.area == 0 {
			return nil, fmt.Errorf("%w: polygon has zero area", ErrInvalidGeometry)
		}
	}
	return p, nil
}

// FromCoordinates builds a Polygon from [x, y] pairs as stored with a zone.
func FromCoordinates(coords [][]float64, opts ...Option) (*Polygon, error) {
	vs := make([]Point, 0, len(coords))
	for i, c := range coords {
		if len(c) != 2 {
			return nil, fmt.Errorf("%w: coordinate %d has %d components, want 2", ErrInvalidGeometry, i, len(c))
		}
		vs = append(vs, Point{X: c[0], Y: c[1]})
	}
	return New(vs, opts...)
}

// Contains reports whether pt lies inside the polygon or on its boundary.
func (p *Polygon) Contains(pt Point) bool {
	if pt.X < p.bounds.Min.X || pt.X > p.bounds.Max.X ||
		pt.Y < p.bounds.Min.Y || pt.Y > p.bounds.Max.Y {
		return false
	}

	n := len(p.vertices)
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := p.vertices[j], p.vertices[i]
		if onSegment(a, b, pt) {
			return true
		}
		if (b.Y > pt.Y) != (a.Y > pt.Y) {
			xCross := (a.X-b.X)*(pt.Y-b.Y)/(a.Y-b.Y) + b.X
			if pt.X < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

// Vertices returns a copy of the vertex ring.
func (p *Polygon) Vertices() []Point {
	vs := make([]Point, len(p.vertices))
	copy(vs, p.vertices)
	return vs
}

// Bounds returns the axis-aligned bounding box of the vertices.
func (p *Polygon) Bounds() r2.Box { return p.bounds }

// Area returns the absolute enclosed area.
func (p *Polygon) Area() float64 { return math.Abs(p.area) }

// Len returns the number of vertices.
func (p *Polygon) Len() int { return len(p.vertices) }

// BottomCenter returns the horizontal midpoint of a box's bottom edge, the
// reference point used for a detection. Image y grows downwards so the
// bottom edge is the larger of y1 and y2.
func BottomCenter(x1, y1, x2, y2 float64) Point {
	return Point{X: (x1 + x2) / 2, Y: math.Max(y1, y2)}
}

// Finite reports whether both components of v are finite numbers.
func Finite(v Point) bool { return finite(v) }

func finite(v Point) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0)
}

func onSegment(a, b, pt Point) bool {
	if r2.Cross(r2.Sub(b, a), r2.Sub(pt, a)) != 0 {
		return false
	}
	return pt.X >= math.Min(a.X, b.X) && pt.X <= math.Max(a.X, b.X) &&
		pt.Y >= math.Min(a.Y, b.Y) && pt.Y <= math.Max(a.Y, b.Y)
}

// signedArea is the shoelace sum; positive for counter-clockwise rings.
func signedArea(vs []Point) float64 {
	var sum float64
	for i := range vs {
		sum += r2.Cross(vs[i], vs[(i+1)%len(vs)])
	}
	return sum / 2
}

// boundsOf keeps zero-width extents, which r2.Box.Union treats as empty.
func boundsOf(vs []Point) r2.Box {
	b := r2.Box{Min: vs[0], Max: vs[0]}
	for _, v := range vs[1:] {
		b.Min.X = math.Min(b.Min.X, v.X)
		b.Min.Y = math.Min(b.Min.Y, v.Y)
		b.Max.X = math.Max(b.Max.X, v.X)
		b.Max.Y = math.Max(b.Max.Y, v.Y)
	}
	return b
}

func distinct(vs []Point) int {
	seen := make(map[Point]struct{}, len(vs))
	for _, v := range vs {
		seen[v] = struct{}{}
	}
	return len(seen)
}
