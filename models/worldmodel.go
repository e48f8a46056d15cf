package models

import (
	"math"

	"github.com/aukilabs/vmap/bih"
	"github.com/aukilabs/vmap/geom"
)

// MeshTriangle indexes three vertices of a group model.
type MeshTriangle struct {
	Idx0 uint32
	Idx1 uint32
	Idx2 uint32
}

// AreaInfo is the result of an area lookup. GroundZ starts at -Inf and only
// grows while candidates are visited.
type AreaInfo struct {
	Result  bool
	GroundZ float32
	Flags   uint32
	AdtID   int32
	RootID  int32
	GroupID int32
}

func NewAreaInfo() AreaInfo {
	return AreaInfo{GroundZ: (float32)(math.Inf(-1))}
}

// LocationInfo is the result of a location lookup: the instance and group the
// point is resting on.
type LocationInfo struct {
	RootID      int32
	HitInstance *ModelInstance
	HitModel    *GroupModel
	GroundZ     float32
}

func NewLocationInfo() LocationInfo {
	return LocationInfo{GroundZ: (float32)(math.Inf(-1))}
}

// GroupModel is one triangle mesh of a world model, in model space.
type GroupModel struct {
	Bound      geom.AABox
	MogpFlags  uint32
	GroupWMOID uint32
	Vertices   []geom.Vector3
	Triangles  []MeshTriangle
	MeshTree   *bih.Tree
}

// NewGroupModel builds the triangle tree of a group from its mesh.
func NewGroupModel(mogpFlags, groupWMOID uint32, vertices []geom.Vector3, triangles []MeshTriangle) GroupModel {
	bound := geom.EmptyBox()
	bounds := make([]geom.AABox, len(triangles))
	for i, tri := range triangles {
		b := geom.EmptyBox()
		b.MergePoint(vertices[tri.Idx0])
		b.MergePoint(vertices[tri.Idx1])
		b.MergePoint(vertices[tri.Idx2])
		bounds[i] = b
		bound.Merge(b)
	}

	return GroupModel{
		Bound:      bound,
		MogpFlags:  mogpFlags,
		GroupWMOID: groupWMOID,
		Vertices:   vertices,
		Triangles:  triangles,
		MeshTree:   bih.Build(bounds, bih.DefaultLeafSize),
	}
}

func (g *GroupModel) IntersectRay(r geom.Ray, distance *float32, stopAtFirstHit bool) bool {
	if len(g.Triangles) == 0 || g.MeshTree == nil {
		return false
	}

	hit := false
	g.MeshTree.IntersectRay(r, func(r geom.Ray, index uint32, distance *float32, _ bool) bool {
		tri := g.Triangles[index]
		if geom.IntersectTriangle(r, g.Vertices[tri.Idx0], g.Vertices[tri.Idx1], g.Vertices[tri.Idx2], distance) {
			hit = true
		}
		return hit
	}, distance, stopAtFirstHit)
	return hit
}

// IsInsideObject reports whether p is within the group bounds with a
// surface below it, and the distance to that surface along down.
func (g *GroupModel) IsInsideObject(p, down geom.Vector3) (float32, bool) {
	if len(g.Triangles) == 0 || !g.Bound.Contains(p) {
		return 0, false
	}

	origin := geom.Sub(p, geom.Mul(down, 0.1))
	dist := (float32)(math.Inf(1))
	if !g.IntersectRay(geom.NewRay(origin, down), &dist, false) {
		return 0, false
	}
	return dist - 0.1, true
}

// WorldModel is the shared geometry of a named model.
type WorldModel struct {
	RootWMOID   uint32
	Flags       ModelFlags
	GroupModels []GroupModel
	GroupTree   *bih.Tree
}

// NewWorldModel builds the group tree of a world model.
func NewWorldModel(rootWMOID uint32, groups []GroupModel) *WorldModel {
	bounds := make([]geom.AABox, len(groups))
	for i, g := range groups {
		bounds[i] = g.Bound
	}

	return &WorldModel{
		RootWMOID:   rootWMOID,
		GroupModels: groups,
		GroupTree:   bih.Build(bounds, 1),
	}
}

func (m *WorldModel) IntersectRay(r geom.Ray, distance *float32, stopAtFirstHit bool, ignoreFlags IgnoreFlags) bool {
	if ignoreFlags&IgnoreM2 != 0 && m.Flags&ModM2 != 0 {
		return false
	}

	switch len(m.GroupModels) {
	case 0:
		return false
	case 1:
		return m.GroupModels[0].IntersectRay(r, distance, stopAtFirstHit)
	}

	hit := false
	m.GroupTree.IntersectRay(r, func(r geom.Ray, index uint32, distance *float32, stopAtFirstHit bool) bool {
		if m.GroupModels[index].IntersectRay(r, distance, stopAtFirstHit) {
			hit = true
		}
		return hit
	}, distance, stopAtFirstHit)
	return hit
}

// closestGroupBelow returns the group with the nearest surface below p.
func (m *WorldModel) closestGroupBelow(p, down geom.Vector3) (*GroupModel, float32) {
	if len(m.GroupModels) == 0 || m.GroupTree == nil {
		return nil, 0
	}

	var hit *GroupModel
	zDist := (float32)(math.Inf(1))
	m.GroupTree.IntersectPoint(p, func(p geom.Vector3, index uint32) bool {
		g := &m.GroupModels[index]
		if groupZ, ok := g.IsInsideObject(p, down); ok && groupZ < zDist {
			zDist = groupZ
			hit = g
		}
		return false
	})
	return hit, zDist
}

// IntersectPoint fills the root and group attributes of info from the group
// below p and returns the distance to its surface along down.
func (m *WorldModel) IntersectPoint(p, down geom.Vector3, info *AreaInfo) (float32, bool) {
	g, dist := m.closestGroupBelow(p, down)
	if g == nil {
		return 0, false
	}

	info.RootID = int32(m.RootWMOID)
	info.GroupID = int32(g.GroupWMOID)
	info.Flags = g.MogpFlags
	info.Result = true
	return dist, true
}

func (m *WorldModel) GetLocationInfo(p, down geom.Vector3, info *LocationInfo) (float32, bool) {
	g, dist := m.closestGroupBelow(p, down)
	if g == nil {
		return 0, false
	}

	info.RootID = int32(m.RootWMOID)
	info.HitModel = g
	return dist, true
}
