package geom

import (
	"math"
)

func EqualWithEpsilon(a float32, b float32, epsilon float64) bool {
	return math.Abs((float64)(a-b)) <= epsilon
}

type Vector3 struct {
	X float32
	Y float32
	Z float32
}

func NewVector3(x, y, z float32) Vector3 {
	return Vector3{x, y, z}
}

func (v1 Vector3) EqualWithEpsilon(v2 Vector3, epsilon float64) bool {
	return math.Abs((float64)(v1.X-v2.X)) <= epsilon &&
		math.Abs((float64)(v1.Y-v2.Y)) <= epsilon &&
		math.Abs((float64)(v1.Z-v2.Z)) <= epsilon
}

// Axis returns the component for axis 0 (x), 1 (y) or 2 (z).
func (v Vector3) Axis(axis int) float32 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func Add(a Vector3, b Vector3) Vector3 {
	return Vector3{a.X + b.X, a.Y + b.Y, a.Z + b.Z}
}

func Sub(a Vector3, b Vector3) Vector3 {
	return Vector3{a.X - b.X, a.Y - b.Y, a.Z - b.Z}
}

func Mul(a Vector3, s float32) Vector3 {
	return Vector3{a.X * s, a.Y * s, a.Z * s}
}

func Div(a Vector3, s float32) Vector3 {
	return Vector3{a.X / s, a.Y / s, a.Z / s}
}

func (a Vector3) Length() float32 {
	return (float32)(math.Sqrt((float64)(a.X*a.X + a.Y*a.Y + a.Z*a.Z)))
}

func Normalized(a Vector3) Vector3 {
	length := a.Length()
	result := a
	if length != 0 {
		result.X /= length
		result.Y /= length
		result.Z /= length
	}
	return result
}

func (a Vector3) Dot(b Vector3) float32 {
	return a.X*b.X + a.Y*b.Y + a.Z*b.Z
}

func Cross(a Vector3, b Vector3) Vector3 {
	return Vector3{a.Y*b.Z - a.Z*b.Y, a.Z*b.X - a.X*b.Z, a.X*b.Y - a.Y*b.X}
}

// AABox is an axis aligned box. The zero value is a degenerate box at the
// origin; use EmptyBox for a box that contains nothing.
type AABox struct {
	Low  Vector3
	High Vector3
}

func NewAABox(low, high Vector3) AABox {
	return AABox{Low: low, High: high}
}

func EmptyBox() AABox {
	inf := (float32)(math.Inf(1))
	return AABox{
		Low:  Vector3{inf, inf, inf},
		High: Vector3{-inf, -inf, -inf},
	}
}

func (b AABox) Contains(p Vector3) bool {
	return p.X >= b.Low.X && p.Y >= b.Low.Y && p.Z >= b.Low.Z &&
		p.X <= b.High.X && p.Y <= b.High.Y && p.Z <= b.High.Z
}

func (b AABox) Center() Vector3 {
	return Mul(Add(b.Low, b.High), 0.5)
}

func (b AABox) Extent() Vector3 {
	return Sub(b.High, b.Low)
}

func (b *AABox) Merge(o AABox) {
	b.Low = Vector3{min(b.Low.X, o.Low.X), min(b.Low.Y, o.Low.Y), min(b.Low.Z, o.Low.Z)}
	b.High = Vector3{max(b.High.X, o.High.X), max(b.High.Y, o.High.Y), max(b.High.Z, o.High.Z)}
}

func (b *AABox) MergePoint(p Vector3) {
	b.Merge(AABox{Low: p, High: p})
}

// Ray is a half line. Direction is expected to be of unit length so that
// intersection times are distances.
type Ray struct {
	Origin    Vector3
	Direction Vector3
}

func NewRay(origin, direction Vector3) Ray {
	return Ray{Origin: origin, Direction: direction}
}

func (r Ray) At(t float32) Vector3 {
	return Add(r.Origin, Mul(r.Direction, t))
}

// IntersectionTime returns the distance along the ray to the box, 0 when the
// origin is inside and +Inf when the ray misses.
func (r Ray) IntersectionTime(b AABox) float32 {
	inf := (float32)(math.Inf(1))
	tMin := (float32)(0)
	tMax := inf

	for axis := 0; axis < 3; axis++ {
		o := r.Origin.Axis(axis)
		d := r.Direction.Axis(axis)
		lo := b.Low.Axis(axis)
		hi := b.High.Axis(axis)

		if d == 0 {
			if o < lo || o > hi {
				return inf
			}
			continue
		}

		t1 := (lo - o) / d
		t2 := (hi - o) / d
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tMin = max(tMin, t1)
		tMax = min(tMax, t2)
		if tMin > tMax {
			return inf
		}
	}
	return tMin
}

// IntersectTriangle tests the ray against triangle abc and tightens distance
// when a hit closer than distance is found.
func IntersectTriangle(r Ray, a, b, c Vector3, distance *float32) bool {
	const eps = 1e-5

	e1 := Sub(b, a)
	e2 := Sub(c, a)
	p := Cross(r.Direction, e2)
	det := e1.Dot(p)
	if math.Abs((float64)(det)) < eps {
		return false
	}

	f := 1 / det
	s := Sub(r.Origin, a)
	u := f * s.Dot(p)
	if u < 0 || u > 1 {
		return false
	}

	q := Cross(s, e1)
	v := f * r.Direction.Dot(q)
	if v < 0 || u+v > 1 {
		return false
	}

	t := f * e2.Dot(q)
	if t > 0 && t < *distance {
		*distance = t
		return true
	}
	return false
}
