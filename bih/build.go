package bih

import (
	"math"
	"sort"

	"github.com/aukilabs/vmap/geom"
)

// DefaultLeafSize is the number of primitives below which Build stops
// splitting.
const DefaultLeafSize = 3

// Build constructs a tree over the given primitive bounds. Primitive i of the
// tree is bounds[i].
func Build(bounds []geom.AABox, leafSize int) *Tree {
	if leafSize < 1 {
		leafSize = DefaultLeafSize
	}

	t := &Tree{
		bounds:  geom.EmptyBox(),
		tree:    make([]uint32, 3),
		objects: make([]uint32, len(bounds)),
	}
	for i, b := range bounds {
		t.objects[i] = uint32(i)
		t.bounds.Merge(b)
	}

	t.subdivide(bounds, 0, len(bounds), 0, leafSize)
	return t
}

func (t *Tree) subdivide(bounds []geom.AABox, left, right int, node uint32, leafSize int) {
	if right-left <= leafSize {
		t.tree[node] = leafAxis<<30 | uint32(left)
		t.tree[node+1] = uint32(right - left)
		return
	}

	objects := t.objects[left:right]

	centers := geom.EmptyBox()
	for _, o := range objects {
		centers.MergePoint(bounds[o].Center())
	}
	extent := centers.Extent()
	axis := 0
	if extent.Y > extent.X && extent.Y >= extent.Z {
		axis = 1
	} else if extent.Z > extent.X && extent.Z > extent.Y {
		axis = 2
	}

	sort.SliceStable(objects, func(i, j int) bool {
		return bounds[objects[i]].Center().Axis(axis) < bounds[objects[j]].Center().Axis(axis)
	})

	mid := len(objects) / 2
	clipLeft := (float32)(math.Inf(-1))
	for _, o := range objects[:mid] {
		clipLeft = max(clipLeft, bounds[o].High.Axis(axis))
	}
	clipRight := (float32)(math.Inf(1))
	for _, o := range objects[mid:] {
		clipRight = min(clipRight, bounds[o].Low.Axis(axis))
	}

	child := uint32(len(t.tree))
	t.tree = append(t.tree, 0, 0, 0, 0, 0, 0)
	t.tree[node] = uint32(axis)<<30 | child
	t.tree[node+1] = math.Float32bits(clipLeft)
	t.tree[node+2] = math.Float32bits(clipRight)

	t.subdivide(bounds, left, left+mid, child, leafSize)
	t.subdivide(bounds, left+mid, right, child+3, leafSize)
}
