package maptree

import (
	"math"

	"github.com/aukilabs/vmap/geom"
	"github.com/aukilabs/vmap/models"
)

// Rays shorter than this are treated as a single point.
const minRayLength = 1e-10

// intersectionTime casts r against the resident instances and tightens
// maxDist to the closest hit.
func (t *MapTree) intersectionTime(r geom.Ray, maxDist *float32, stopAtFirstHit bool, ignoreFlags models.IgnoreFlags) bool {
	if !t.Initialized() {
		return false
	}

	distance := *maxDist
	hit := false
	t.tree.IntersectRay(r, func(r geom.Ray, index uint32, distance *float32, stopAtFirstHit bool) bool {
		instance := t.instances[index]
		if instance == nil {
			return false
		}
		if instance.IntersectRay(r, distance, stopAtFirstHit, ignoreFlags) {
			hit = true
			return true
		}
		return false
	}, &distance, stopAtFirstHit)

	if hit {
		*maxDist = distance
	}
	return hit
}

// segment returns the unit direction and length from p1 to p2 and whether
// the length can be traversed.
func segment(p1, p2 geom.Vector3) (geom.Vector3, float32, bool) {
	length := geom.Sub(p2, p1).Length()
	if math.IsInf(float64(length), 0) || math.IsNaN(float64(length)) || length >= math.MaxFloat32 {
		return geom.Vector3{}, length, false
	}
	if length < minRayLength {
		return geom.Vector3{}, length, true
	}
	return geom.Div(geom.Sub(p2, p1), length), length, true
}

// IsInLineOfSight reports whether no resident geometry blocks the segment
// between p1 and p2. Segments too long to be traversed are never clear.
func (t *MapTree) IsInLineOfSight(p1, p2 geom.Vector3, ignoreFlags models.IgnoreFlags) bool {
	dir, maxDist, ok := segment(p1, p2)
	if !ok {
		return false
	}
	if maxDist < minRayLength {
		return true
	}

	return !t.intersectionTime(geom.NewRay(p1, dir), &maxDist, true, ignoreFlags)
}

// GetObjectHitPos returns the first hit between p1 and p2, moved along the
// ray by pad. A negative pad moves the hit back toward p1 without passing
// it. Without a hit, p2 is returned.
func (t *MapTree) GetObjectHitPos(p1, p2 geom.Vector3, pad float32) (geom.Vector3, bool) {
	dir, maxDist, ok := segment(p1, p2)
	if !ok || maxDist < minRayLength {
		return p2, false
	}

	dist := maxDist
	if !t.intersectionTime(geom.NewRay(p1, dir), &dist, false, models.IgnoreNothing) {
		return p2, false
	}

	hit := geom.Add(p1, geom.Mul(dir, dist))
	if pad < 0 && geom.Sub(hit, p1).Length() <= -pad {
		return p1, true
	}
	return geom.Add(hit, geom.Mul(dir, pad)), true
}

// GetHeight returns the height of the closest surface at most maxSearchDist
// below p.
func (t *MapTree) GetHeight(p geom.Vector3, maxSearchDist float32) (float32, bool) {
	dist := maxSearchDist
	r := geom.NewRay(p, geom.Vector3{X: 0, Y: 0, Z: -1})
	if !t.intersectionTime(r, &dist, false, models.IgnoreNothing) {
		return 0, false
	}
	return p.Z - dist, true
}

// GetAreaInfo returns the attributes of the highest world model surface at or
// below p.
func (t *MapTree) GetAreaInfo(p geom.Vector3) (models.AreaInfo, bool) {
	info := models.NewAreaInfo()
	if !t.Initialized() {
		return info, false
	}

	t.tree.IntersectPoint(p, func(p geom.Vector3, index uint32) bool {
		if instance := t.instances[index]; instance != nil {
			instance.IntersectPoint(p, &info)
		}
		return false
	})
	return info, info.Result
}

// GetLocationInfo returns the model instance and group p is resting on.
func (t *MapTree) GetLocationInfo(p geom.Vector3) (models.LocationInfo, bool) {
	info := models.NewLocationInfo()
	if !t.Initialized() {
		return info, false
	}

	found := false
	t.tree.IntersectPoint(p, func(p geom.Vector3, index uint32) bool {
		if instance := t.instances[index]; instance != nil && instance.GetLocationInfo(p, &info) {
			found = true
		}
		return false
	})
	return info, found
}
