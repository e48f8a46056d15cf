// Package bih implements a bounding interval hierarchy packed in a flat array
// of 32-bit words.
//
// Every node takes three words. Interior nodes store the split axis and the
// offset of their two children in the first word and the left child maximum
// and right child minimum along the axis in the next two. BVH2 nodes have a
// single child bounded by both planes. Leaves store an offset into the object
// index array and an object count.
package bih

import (
	"math"

	"github.com/aukilabs/vmap/geom"
)

const (
	leafAxis = 3
	bvh2Bit  = 1 << 29

	maxStackSize = 64
)

// RayCallback is invoked for every primitive of a leaf crossed by the ray. It
// may tighten maxDist and reports whether the primitive was hit.
type RayCallback func(r geom.Ray, index uint32, maxDist *float32, stopAtFirstHit bool) bool

// PointCallback is invoked for every primitive of a leaf containing the
// point. Returning true stops the traversal.
type PointCallback func(p geom.Vector3, index uint32) bool

type Tree struct {
	bounds  geom.AABox
	tree    []uint32
	objects []uint32
}

type stackNode struct {
	node  uint32
	tNear float32
	tFar  float32
}

// PrimitiveCount returns the number of primitives the tree was built over.
func (t *Tree) PrimitiveCount() uint32 {
	return uint32(len(t.objects))
}

func (t *Tree) Bounds() geom.AABox {
	return t.bounds
}

func decodeNode(word uint32) (axis uint32, bvh2 bool, offset uint32) {
	return (word >> 30) & 3, word&bvh2Bit != 0, word &^ (7 << 29)
}

func (t *Tree) IntersectRay(r geom.Ray, cb RayCallback, maxDist *float32, stopAtFirstHit bool) {
	if len(t.tree) == 0 {
		return
	}

	intervalMin := (float32)(-1)
	intervalMax := (float32)(-1)

	var invDir [3]float32
	for i := 0; i < 3; i++ {
		dir := r.Direction.Axis(i)
		invDir[i] = 1 / dir
		if !geom.EqualWithEpsilon(dir, 0, 0.00001) {
			t1 := (t.bounds.Low.Axis(i) - r.Origin.Axis(i)) * invDir[i]
			t2 := (t.bounds.High.Axis(i) - r.Origin.Axis(i)) * invDir[i]
			if t1 > t2 {
				t1, t2 = t2, t1
			}
			if t1 > intervalMin {
				intervalMin = t1
			}
			if t2 < intervalMax || intervalMax < 0 {
				intervalMax = t2
			}
			// the interval only shrinks on the remaining axes
			if intervalMax <= 0 || intervalMin >= *maxDist {
				return
			}
		}
	}

	if intervalMin > intervalMax {
		return
	}
	intervalMin = max(intervalMin, 0)
	intervalMax = min(intervalMax, *maxDist)

	// front/back word and child offsets per axis, from the direction sign
	var offsetFront, offsetBack, offsetFront3, offsetBack3 [3]uint32
	for i := 0; i < 3; i++ {
		offsetFront[i] = math.Float32bits(r.Direction.Axis(i)) >> 31
		offsetBack[i] = offsetFront[i] ^ 1
		offsetFront3[i] = offsetFront[i] * 3
		offsetBack3[i] = offsetBack[i] * 3
		offsetFront[i]++
		offsetBack[i]++
	}

	stack := make([]stackNode, 0, maxStackSize)
	node := uint32(0)

	for {
	traversal:
		for {
			axis, bvh2, offset := decodeNode(t.tree[node])

			switch {
			case !bvh2 && axis < leafAxis:
				o := r.Origin.Axis(int(axis))
				tf := (math.Float32frombits(t.tree[node+offsetFront[axis]]) - o) * invDir[axis]
				tb := (math.Float32frombits(t.tree[node+offsetBack[axis]]) - o) * invDir[axis]

				// between the clip planes
				if tf < intervalMin && tb > intervalMax {
					break traversal
				}

				back := offset + offsetBack3[axis]
				node = back
				// far child only
				if tf < intervalMin {
					if tb >= intervalMin {
						intervalMin = tb
					}
					continue
				}

				node = offset + offsetFront3[axis]
				// near child only
				if tb > intervalMax {
					if tf <= intervalMax {
						intervalMax = tf
					}
					continue
				}

				// both children, visit the far one later
				tNear := intervalMin
				if tb >= intervalMin {
					tNear = tb
				}
				stack = append(stack, stackNode{node: back, tNear: tNear, tFar: intervalMax})
				if tf <= intervalMax {
					intervalMax = tf
				}

			case !bvh2:
				n := t.tree[node+1]
				for ; n > 0; n-- {
					hit := cb(r, t.objects[offset], maxDist, stopAtFirstHit)
					if stopAtFirstHit && hit {
						return
					}
					offset++
				}
				break traversal

			default:
				if axis >= leafAxis {
					return
				}
				o := r.Origin.Axis(int(axis))
				tf := (math.Float32frombits(t.tree[node+offsetFront[axis]]) - o) * invDir[axis]
				tb := (math.Float32frombits(t.tree[node+offsetBack[axis]]) - o) * invDir[axis]
				node = offset
				if tf >= intervalMin {
					intervalMin = tf
				}
				if tb <= intervalMax {
					intervalMax = tb
				}
				if intervalMin > intervalMax {
					break traversal
				}
			}
		}

		for {
			if len(stack) == 0 {
				return
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			intervalMin = top.tNear
			if *maxDist < intervalMin {
				continue
			}
			node = top.node
			intervalMax = top.tFar
			break
		}
	}
}

func (t *Tree) IntersectPoint(p geom.Vector3, cb PointCallback) {
	if len(t.tree) == 0 || !t.bounds.Contains(p) {
		return
	}

	stack := make([]uint32, 0, maxStackSize)
	node := uint32(0)

	for {
	traversal:
		for {
			axis, bvh2, offset := decodeNode(t.tree[node])

			switch {
			case !bvh2 && axis < leafAxis:
				v := p.Axis(int(axis))
				tl := math.Float32frombits(t.tree[node+1])
				tr := math.Float32frombits(t.tree[node+2])

				// between the clip planes
				if tl < v && tr > v {
					break traversal
				}

				right := offset + 3
				node = right
				if tl < v {
					continue
				}

				node = offset
				if tr > v {
					continue
				}

				stack = append(stack, right)

			case !bvh2:
				n := t.tree[node+1]
				for ; n > 0; n-- {
					if cb(p, t.objects[offset]) {
						return
					}
					offset++
				}
				break traversal

			default:
				if axis >= leafAxis {
					return
				}
				v := p.Axis(int(axis))
				tl := math.Float32frombits(t.tree[node+1])
				tr := math.Float32frombits(t.tree[node+2])
				node = offset
				if tl > v || tr < v {
					break traversal
				}
			}
		}

		if len(stack) == 0 {
			return
		}
		node = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
	}
}
