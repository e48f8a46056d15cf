package modelcache

import (
	"io"
	"os"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"gopkg.in/yaml.v3"
)

const ErrTypeInvalidHierarchy = "invalid_hierarchy"

// MapEntry describes a map of the hierarchy file. A map with a parent falls
// back to the parent tiles when it has none of its own.
type MapEntry struct {
	ID     uint32  `yaml:"id"`
	Name   string  `yaml:"name"`
	Parent *uint32 `yaml:"parent,omitempty"`
}

// Hierarchy maps child map ids to their parent map id.
type Hierarchy struct {
	Maps []MapEntry `yaml:"maps"`

	parents map[uint32]uint32
}

// NewHierarchy returns a hierarchy from child to parent pairs.
func NewHierarchy(parents map[uint32]uint32) *Hierarchy {
	h := &Hierarchy{parents: make(map[uint32]uint32, len(parents))}
	for child, parent := range parents {
		p := parent
		h.Maps = append(h.Maps, MapEntry{ID: child, Parent: &p})
		h.parents[child] = parent
	}
	return h
}

func LoadHierarchy(r io.Reader) (*Hierarchy, error) {
	var h Hierarchy
	if err := yaml.NewDecoder(r).Decode(&h); err != nil && err != io.EOF {
		return nil, errors.New("decoding map hierarchy failed").
			WithType(ErrTypeInvalidHierarchy).
			Wrap(err)
	}

	h.parents = make(map[uint32]uint32, len(h.Maps))
	for _, m := range h.Maps {
		if m.Parent == nil {
			continue
		}
		if *m.Parent == m.ID {
			return nil, errors.New("map is its own parent").
				WithType(ErrTypeInvalidHierarchy).
				WithTag("map_id", m.ID)
		}
		if _, ok := h.parents[m.ID]; ok {
			return nil, errors.New("map has more than one parent").
				WithType(ErrTypeInvalidHierarchy).
				WithTag("map_id", m.ID)
		}
		h.parents[m.ID] = *m.Parent
	}
	return &h, nil
}

func LoadHierarchyFile(filename string) (*Hierarchy, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.New("opening map hierarchy file failed").
			WithTag("file", filename).
			Wrap(err)
	}
	defer f.Close()

	return LoadHierarchy(f)
}

// ParentMapID returns the parent of mapID.
func (h *Hierarchy) ParentMapID(mapID uint32) (uint32, bool) {
	if h == nil {
		return 0, false
	}
	parent, ok := h.parents[mapID]
	return parent, ok
}
