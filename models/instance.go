package models

import (
	"math"

	"github.com/aukilabs/vmap/geom"
)

// ModelInstance is a spawn placed in world space together with the shared
// geometry of its model.
type ModelInstance struct {
	ModelSpawn

	invRot   geom.Matrix3
	invScale float32
	model    *WorldModel
}

func NewModelInstance(spawn ModelSpawn, model *WorldModel) *ModelInstance {
	rot := geom.FromEulerAnglesZYX(
		math.Pi*spawn.Rot.Y/180,
		math.Pi*spawn.Rot.X/180,
		math.Pi*spawn.Rot.Z/180,
	)

	return &ModelInstance{
		ModelSpawn: spawn,
		invRot:     rot.Transpose(),
		invScale:   1 / spawn.Scale,
		model:      model,
	}
}

// Model returns the shared geometry, nil once the instance is unloaded.
func (mi *ModelInstance) Model() *WorldModel {
	return mi.model
}

func (mi *ModelInstance) Loaded() bool {
	return mi.model != nil
}

// SetUnloaded detaches the instance from its model. Queries on an unloaded
// instance find nothing.
func (mi *ModelInstance) SetUnloaded() {
	mi.model = nil
}

// IntersectRay tests the world space ray against the instance and tightens
// maxDist on a hit.
func (mi *ModelInstance) IntersectRay(r geom.Ray, maxDist *float32, stopAtFirstHit bool, ignoreFlags IgnoreFlags) bool {
	if mi.model == nil {
		return false
	}

	if math.IsInf(float64(r.IntersectionTime(mi.Bound)), 1) {
		return false
	}

	modelRay := geom.NewRay(
		geom.Mul(mi.invRot.MulVec(geom.Sub(r.Origin, mi.Pos)), mi.invScale),
		mi.invRot.MulVec(r.Direction),
	)
	distance := *maxDist * mi.invScale
	if !mi.model.IntersectRay(modelRay, &distance, stopAtFirstHit, ignoreFlags) {
		return false
	}

	*maxDist = distance * mi.Scale
	return true
}

// IntersectPoint updates info when the model surface below p is higher than
// the ground found so far.
func (mi *ModelInstance) IntersectPoint(p geom.Vector3, info *AreaInfo) {
	pModel, zDirModel, ok := mi.toModelDown(p)
	if !ok {
		return
	}

	candidate := *info
	zDist, ok := mi.model.IntersectPoint(pModel, zDirModel, &candidate)
	if !ok {
		return
	}

	groundZ := mi.worldZ(pModel, zDirModel, zDist)
	if groundZ > info.GroundZ {
		*info = candidate
		info.GroundZ = groundZ
		info.AdtID = int32(mi.AdtID)
	}
}

// GetLocationInfo reports whether the model surface below p is higher than
// the ground found so far, updating info when it is.
func (mi *ModelInstance) GetLocationInfo(p geom.Vector3, info *LocationInfo) bool {
	pModel, zDirModel, ok := mi.toModelDown(p)
	if !ok {
		return false
	}

	candidate := *info
	zDist, ok := mi.model.GetLocationInfo(pModel, zDirModel, &candidate)
	if !ok {
		return false
	}

	groundZ := mi.worldZ(pModel, zDirModel, zDist)
	if groundZ <= info.GroundZ {
		return false
	}

	*info = candidate
	info.HitInstance = mi
	info.GroundZ = groundZ
	return true
}

// toModelDown converts p and the world down direction to model space. Only
// world models with a bound containing p take part in area lookups.
func (mi *ModelInstance) toModelDown(p geom.Vector3) (geom.Vector3, geom.Vector3, bool) {
	if mi.model == nil || mi.Flags&ModM2 != 0 || !mi.Bound.Contains(p) {
		return geom.Vector3{}, geom.Vector3{}, false
	}

	pModel := geom.Mul(mi.invRot.MulVec(geom.Sub(p, mi.Pos)), mi.invScale)
	zDirModel := mi.invRot.MulVec(geom.Vector3{X: 0, Y: 0, Z: -1})
	return pModel, zDirModel, true
}

func (mi *ModelInstance) worldZ(pModel, zDirModel geom.Vector3, zDist float32) float32 {
	modelGround := geom.Add(pModel, geom.Mul(zDirModel, zDist))
	return geom.Add(geom.Mul(mi.invRot.VecMul(modelGround), mi.Scale), mi.Pos).Z
}
