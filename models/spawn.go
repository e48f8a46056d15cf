package models

import (
	"encoding/binary"
	"io"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/vmap/geom"
)

type ModelFlags uint32

const (
	ModM2         ModelFlags = 1 << 0
	ModWorldSpawn ModelFlags = 1 << 1
	ModHasBound   ModelFlags = 1 << 2
)

// IgnoreFlags select model instances a ray query skips.
type IgnoreFlags uint32

const (
	IgnoreNothing IgnoreFlags = 0
	IgnoreM2      IgnoreFlags = 1 << 0
)

const (
	ErrTypeCorruptSpawn = "corrupt_spawn"

	maxSpawnNameLength = 500
)

// ModelSpawn is the placement of a named model as stored in tile files.
type ModelSpawn struct {
	Flags ModelFlags
	AdtID uint16
	ID    uint32
	Pos   geom.Vector3
	// Rotation in degrees.
	Rot   geom.Vector3
	Scale float32
	Bound geom.AABox
	Name  string
}

type spawnHeader struct {
	Flags uint32
	AdtID uint16
	ID    uint32
	Pos   [3]float32
	Rot   [3]float32
	Scale float32
}

// ReadSpawn reads one spawn record. It returns io.EOF when r is exhausted
// before the record starts.
func ReadSpawn(r io.Reader) (ModelSpawn, error) {
	var h spawnHeader
	if err := binary.Read(r, binary.LittleEndian, &h.Flags); err != nil {
		if err == io.EOF {
			return ModelSpawn{}, io.EOF
		}
		return ModelSpawn{}, corruptSpawn("reading spawn flags failed", 0, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.AdtID); err != nil {
		return ModelSpawn{}, corruptSpawn("reading spawn adt id failed", h.ID, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.ID); err != nil {
		return ModelSpawn{}, corruptSpawn("reading spawn id failed", h.ID, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Pos); err != nil {
		return ModelSpawn{}, corruptSpawn("reading spawn position failed", h.ID, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Rot); err != nil {
		return ModelSpawn{}, corruptSpawn("reading spawn rotation failed", h.ID, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Scale); err != nil {
		return ModelSpawn{}, corruptSpawn("reading spawn scale failed", h.ID, err)
	}

	s := ModelSpawn{
		Flags: ModelFlags(h.Flags),
		AdtID: h.AdtID,
		ID:    h.ID,
		Pos:   vector(h.Pos),
		Rot:   vector(h.Rot),
		Scale: h.Scale,
		Bound: geom.EmptyBox(),
	}

	if s.Flags&ModHasBound != 0 {
		var bound [6]float32
		if err := binary.Read(r, binary.LittleEndian, &bound); err != nil {
			return ModelSpawn{}, corruptSpawn("reading spawn bound failed", s.ID, err)
		}
		s.Bound = geom.NewAABox(
			geom.Vector3{X: bound[0], Y: bound[1], Z: bound[2]},
			geom.Vector3{X: bound[3], Y: bound[4], Z: bound[5]},
		)
	}

	var nameLen uint32
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return ModelSpawn{}, corruptSpawn("reading spawn name length failed", s.ID, err)
	}
	if nameLen > maxSpawnNameLength {
		return ModelSpawn{}, errors.New("spawn name too long").
			WithType(ErrTypeCorruptSpawn).
			WithTag("spawn_id", s.ID).
			WithTag("length", nameLen)
	}

	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return ModelSpawn{}, corruptSpawn("reading spawn name failed", s.ID, err)
	}
	s.Name = string(name)
	return s, nil
}

// WriteSpawn writes s in the format read by ReadSpawn. The bound is only
// written when s has the ModHasBound flag.
func WriteSpawn(w io.Writer, s ModelSpawn) error {
	if len(s.Name) > maxSpawnNameLength {
		return errors.New("spawn name too long").
			WithType(ErrTypeCorruptSpawn).
			WithTag("spawn_id", s.ID).
			WithTag("length", len(s.Name))
	}

	values := []any{
		spawnHeader{
			Flags: uint32(s.Flags),
			AdtID: s.AdtID,
			ID:    s.ID,
			Pos:   [3]float32{s.Pos.X, s.Pos.Y, s.Pos.Z},
			Rot:   [3]float32{s.Rot.X, s.Rot.Y, s.Rot.Z},
			Scale: s.Scale,
		},
	}
	if s.Flags&ModHasBound != 0 {
		values = append(values, [6]float32{
			s.Bound.Low.X, s.Bound.Low.Y, s.Bound.Low.Z,
			s.Bound.High.X, s.Bound.High.Y, s.Bound.High.Z,
		})
	}
	values = append(values, uint32(len(s.Name)), []byte(s.Name))

	for _, v := range values {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return errors.New("writing spawn failed").
				WithTag("spawn_id", s.ID).
				Wrap(err)
		}
	}
	return nil
}

func vector(v [3]float32) geom.Vector3 {
	return geom.Vector3{X: v[0], Y: v[1], Z: v[2]}
}

func corruptSpawn(msg string, spawnID uint32, err error) error {
	return errors.New(msg).
		WithType(ErrTypeCorruptSpawn).
		WithTag("spawn_id", spawnID).
		Wrap(err)
}
