package core

import (
	"errors"
	"fmt"
)

// BlockSize is the edge length of one grid cell in world units.
const BlockSize = 40

// Grid dimensions of a single map, in cells.
const (
	GridWidth  = 20
	GridHeight = 12
)

// ErrInvalidGeometry is returned when a box has a non-positive width or height.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Point is an integer world coordinate.
type Point struct {
	X, Y int
}

// Pt is shorthand for Point{X: x, Y: y}.
func Pt(x, y int) Point { return Point{X: x, Y: y} }

// Add returns p + other.
func (p Point) Add(other Point) Point {
	return Point{X: p.X + other.X, Y: p.Y + other.Y}
}

// AddXY returns p shifted by (dx, dy).
func (p Point) AddXY(dx, dy int) Point {
	return Point{X: p.X + dx, Y: p.Y + dy}
}

// Sub returns p - other.
func (p Point) Sub(other Point) Point {
	return Point{X: p.X - other.X, Y: p.Y - other.Y}
}

// SubXY returns p shifted by (-dx, -dy).
func (p Point) SubXY(dx, dy int) Point {
	return Point{X: p.X - dx, Y: p.Y - dy}
}

func (p Point) String() string {
	return fmt.Sprintf("%d,%d", p.X, p.Y)
}

// BoundingBox is an axis-aligned rectangle anchored at its top-left corner.
type BoundingBox struct {
	TopLeft Point
	Width   int
	Height  int
}

// NewBoundingBox builds a box and rejects non-positive dimensions.
func NewBoundingBox(x, y, w, h int) (BoundingBox, error) {
	b := BoundingBox{TopLeft: Point{X: x, Y: y}, Width: w, Height: h}
	if !b.Valid() {
		return BoundingBox{}, fmt.Errorf("%w: box %dx%d at %d,%d", ErrInvalidGeometry, w, h, x, y)
	}
	return b, nil
}

// mustBox is used for the static port tables, where a bad size is a
// programming error.
func mustBox(x, y, w, h int) BoundingBox {
	b, err := NewBoundingBox(x, y, w, h)
	if err != nil {
		panic(err)
	}
	return b
}

// Valid reports whether the box has positive area.
func (b BoundingBox) Valid() bool {
	return b.Width > 0 && b.Height > 0
}

// BottomRight is the corner opposite TopLeft.
func (b BoundingBox) BottomRight() Point {
	return b.TopLeft.AddXY(b.Width, b.Height)
}

// Translate returns the same-sized box shifted by delta.
func (b BoundingBox) Translate(delta Point) BoundingBox {
	return BoundingBox{TopLeft: b.TopLeft.Add(delta), Width: b.Width, Height: b.Height}
}

// RelativeTo treats b as an offset from other's top-left and returns the
// resulting world-space box. Ports are stored this way.
func (b BoundingBox) RelativeTo(other BoundingBox) BoundingBox {
	return b.Translate(other.TopLeft)
}

// Intersects reports whether the two boxes share a region of positive area.
// Boxes that only touch along an edge or a corner do not intersect.
func (b BoundingBox) Intersects(other BoundingBox) bool {
	br := b.BottomRight()
	obr := other.BottomRight()
	return b.TopLeft.X < obr.X && other.TopLeft.X < br.X &&
		b.TopLeft.Y < obr.Y && other.TopLeft.Y < br.Y
}

// Contains reports whether p lies inside the box (top-left inclusive).
func (b BoundingBox) Contains(p Point) bool {
	br := b.BottomRight()
	return p.X >= b.TopLeft.X && p.X < br.X && p.Y >= b.TopLeft.Y && p.Y < br.Y
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("%s - %s", b.TopLeft, b.BottomRight())
}

// cellBox is the single grid cell anchored at p.
func cellBox(p Point) BoundingBox {
	return BoundingBox{TopLeft: p, Width: BlockSize, Height: BlockSize}
}
