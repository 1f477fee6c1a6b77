package gtr

import (
	"image"
	"math"
)

// Rectangle is an axis-aligned bounding box in (x_min, y_min, x_max, y_max) form.
type Rectangle struct {
	XMin float64
	YMin float64
	XMax float64
	YMax float64
}

func NewRect(xMin, yMin, xMax, yMax float64) Rectangle {
	return Rectangle{
		XMin: xMin,
		YMin: yMin,
		XMax: xMax,
		YMax: yMax,
	}
}

func NewRectFrom(rect image.Rectangle) Rectangle {
	return Rectangle{
		XMin: float64(rect.Min.X),
		YMin: float64(rect.Min.Y),
		XMax: float64(rect.Max.X),
		YMax: float64(rect.Max.Y),
	}
}

// Width returns horizontal extent of rectangle
func (r Rectangle) Width() float64 {
	return r.XMax - r.XMin
}

// Height returns vertical extent of rectangle
func (r Rectangle) Height() float64 {
	return r.YMax - r.YMin
}

// Area returns area of rectangle
func (r Rectangle) Area() float64 {
	return r.Width() * r.Height()
}

// Center returns center point of rectangle
func (r Rectangle) Center() Point {
	return Point{
		X: (r.XMin + r.XMax) / 2.0,
		Y: (r.YMin + r.YMax) / 2.0,
	}
}

// Diagonal returns length of rectangle's diagonal
func (r Rectangle) Diagonal() float64 {
	return math.Sqrt(math.Pow(r.Width(), 2) + math.Pow(r.Height(), 2))
}

// Scale returns the rectangle with both corners scaled by (sx, sy).
// Used to normalize pixel coordinates into the [0, 1] range.
func (r Rectangle) Scale(sx, sy float64) Rectangle {
	return Rectangle{
		XMin: r.XMin * sx,
		YMin: r.YMin * sy,
		XMax: r.XMax * sx,
		YMax: r.YMax * sy,
	}
}

type Point struct {
	X float64
	Y float64
}

func NewPoint(x, y float64) Point {
	return Point{
		X: x,
		Y: y,
	}
}

func NewPointFrom(point image.Point) Point {
	return Point{
		X: float64(point.X),
		Y: float64(point.Y),
	}
}

func euclideanDistance(p1, p2 Point) float64 {
	return math.Sqrt(math.Pow(p1.X-p2.X, 2) + math.Pow(p1.Y-p2.Y, 2))
}

// IoU calculates Intersection over Union between two rectangles.
func IoU(r1, r2 Rectangle) float64 {
	xA := math.Max(r1.XMin, r2.XMin)
	yA := math.Max(r1.YMin, r2.YMin)
	xB := math.Min(r1.XMax, r2.XMax)
	yB := math.Min(r1.YMax, r2.YMax)

	interArea := math.Max(0, xB-xA) * math.Max(0, yB-yA)
	if interArea == 0 {
		return 0.0
	}

	union := r1.Area() + r2.Area() - interArea
	if union <= 0 {
		return 0.0
	}
	return interArea / union
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampFloat64(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
