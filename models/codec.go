package models

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/vmap/bih"
	"github.com/aukilabs/vmap/geom"
)

const (
	// FileMagic opens every vmap file. A mismatch means the file was produced
	// by an incompatible extractor.
	FileMagic = "VMAP_4.7"

	ErrTypeCorruptModel    = "corrupt_model"
	ErrTypeVersionMismatch = "version_mismatch"

	maxMeshSize = 1 << 24
)

// ReadWorldModelFile reads a .vmo file.
func ReadWorldModelFile(filename string) (*WorldModel, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.New("opening world model file failed").
			WithTag("file", filename).
			Wrap(err)
	}
	defer f.Close()

	m, err := ReadWorldModel(bufio.NewReader(f))
	if err != nil {
		return nil, errors.New("reading world model file failed").
			WithTag("file", filename).
			Wrap(err)
	}
	return m, nil
}

// ReadWorldModel reads a world model in the format written by
// WriteWorldModel.
func ReadWorldModel(r io.Reader) (*WorldModel, error) {
	if err := ReadMagic(r); err != nil {
		return nil, err
	}

	if err := ReadChunk(r, "WMOD", ErrTypeCorruptModel); err != nil {
		return nil, err
	}
	var root struct {
		RootWMOID uint32
		Flags     uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &root); err != nil {
		return nil, corruptModel("reading root model failed", err)
	}

	if err := ReadChunk(r, "GMOD", ErrTypeCorruptModel); err != nil {
		return nil, err
	}
	count, err := readCount(r)
	if err != nil {
		return nil, corruptModel("reading group count failed", err)
	}

	groups := make([]GroupModel, count)
	for i := range groups {
		if err := readGroupModel(r, &groups[i]); err != nil {
			return nil, errors.New("reading group model failed").
				WithTag("group", i).
				Wrap(err)
		}
	}

	if err := ReadChunk(r, "GBIH", ErrTypeCorruptModel); err != nil {
		return nil, err
	}
	groupTree := &bih.Tree{}
	if _, err := groupTree.ReadFrom(r); err != nil {
		return nil, err
	}
	if groupTree.PrimitiveCount() != uint32(len(groups)) {
		return nil, errors.New("group tree does not match group count").
			WithType(ErrTypeCorruptModel).
			WithTag("primitives", groupTree.PrimitiveCount()).
			WithTag("groups", len(groups))
	}

	return &WorldModel{
		RootWMOID:   root.RootWMOID,
		Flags:       ModelFlags(root.Flags),
		GroupModels: groups,
		GroupTree:   groupTree,
	}, nil
}

func readGroupModel(r io.Reader, g *GroupModel) error {
	var h struct {
		Bound      [6]float32
		MogpFlags  uint32
		GroupWMOID uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return corruptModel("reading group header failed", err)
	}
	g.Bound = geom.NewAABox(
		geom.Vector3{X: h.Bound[0], Y: h.Bound[1], Z: h.Bound[2]},
		geom.Vector3{X: h.Bound[3], Y: h.Bound[4], Z: h.Bound[5]},
	)
	g.MogpFlags = h.MogpFlags
	g.GroupWMOID = h.GroupWMOID

	if err := ReadChunk(r, "VERT", ErrTypeCorruptModel); err != nil {
		return err
	}
	count, err := readCount(r)
	if err != nil {
		return corruptModel("reading vertex count failed", err)
	}
	vertices := make([][3]float32, count)
	if err := binary.Read(r, binary.LittleEndian, vertices); err != nil {
		return corruptModel("reading vertices failed", err)
	}
	g.Vertices = make([]geom.Vector3, count)
	for i, v := range vertices {
		g.Vertices[i] = vector(v)
	}

	if err := ReadChunk(r, "TRIM", ErrTypeCorruptModel); err != nil {
		return err
	}
	if count, err = readCount(r); err != nil {
		return corruptModel("reading triangle count failed", err)
	}
	g.Triangles = make([]MeshTriangle, count)
	if err := binary.Read(r, binary.LittleEndian, g.Triangles); err != nil {
		return corruptModel("reading triangles failed", err)
	}
	for i, tri := range g.Triangles {
		n := uint32(len(g.Vertices))
		if tri.Idx0 >= n || tri.Idx1 >= n || tri.Idx2 >= n {
			return errors.New("triangle references a missing vertex").
				WithType(ErrTypeCorruptModel).
				WithTag("triangle", i)
		}
	}

	if err := ReadChunk(r, "MBIH", ErrTypeCorruptModel); err != nil {
		return err
	}
	g.MeshTree = &bih.Tree{}
	if _, err := g.MeshTree.ReadFrom(r); err != nil {
		return err
	}
	if g.MeshTree.PrimitiveCount() != uint32(len(g.Triangles)) {
		return errors.New("mesh tree does not match triangle count").
			WithType(ErrTypeCorruptModel).
			WithTag("primitives", g.MeshTree.PrimitiveCount()).
			WithTag("triangles", len(g.Triangles))
	}
	return nil
}

// WriteWorldModelFile writes m to filename, replacing any existing file.
func WriteWorldModelFile(filename string, m *WorldModel) error {
	f, err := os.Create(filename)
	if err != nil {
		return errors.New("creating world model file failed").
			WithTag("file", filename).
			Wrap(err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := WriteWorldModel(w, m); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return errors.New("writing world model file failed").
			WithTag("file", filename).
			Wrap(err)
	}
	return f.Close()
}

func WriteWorldModel(w io.Writer, m *WorldModel) error {
	values := []any{
		[]byte(FileMagic),
		[]byte("WMOD"),
		m.RootWMOID,
		uint32(m.Flags),
		[]byte("GMOD"),
		uint32(len(m.GroupModels)),
	}
	if err := writeValues(w, values...); err != nil {
		return err
	}

	for i := range m.GroupModels {
		if err := writeGroupModel(w, &m.GroupModels[i]); err != nil {
			return err
		}
	}

	if err := writeValues(w, []byte("GBIH")); err != nil {
		return err
	}
	if _, err := m.GroupTree.WriteTo(w); err != nil {
		return err
	}
	return nil
}

func writeGroupModel(w io.Writer, g *GroupModel) error {
	vertices := make([][3]float32, len(g.Vertices))
	for i, v := range g.Vertices {
		vertices[i] = [3]float32{v.X, v.Y, v.Z}
	}

	err := writeValues(w,
		[6]float32{
			g.Bound.Low.X, g.Bound.Low.Y, g.Bound.Low.Z,
			g.Bound.High.X, g.Bound.High.Y, g.Bound.High.Z,
		},
		g.MogpFlags,
		g.GroupWMOID,
		[]byte("VERT"),
		uint32(len(vertices)),
		vertices,
		[]byte("TRIM"),
		uint32(len(g.Triangles)),
		g.Triangles,
		[]byte("MBIH"),
	)
	if err != nil {
		return err
	}

	if _, err := g.MeshTree.WriteTo(w); err != nil {
		return err
	}
	return nil
}

// ReadMagic consumes the file magic and fails with a version mismatch error
// when it differs from FileMagic.
func ReadMagic(r io.Reader) error {
	magic := make([]byte, len(FileMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return errors.New("reading file magic failed").
			WithType(ErrTypeVersionMismatch).
			Wrap(err)
	}
	if string(magic) != FileMagic {
		return errors.New("unexpected file magic").
			WithType(ErrTypeVersionMismatch).
			WithTag("magic", string(magic))
	}
	return nil
}

// ReadChunk consumes the chunk identifier name. A missing or different
// identifier is an error of type errType.
func ReadChunk(r io.Reader, name, errType string) error {
	chunk := make([]byte, len(name))
	if _, err := io.ReadFull(r, chunk); err != nil {
		return errors.New("reading chunk failed").
			WithType(errType).
			WithTag("chunk", name).
			Wrap(err)
	}
	if string(chunk) != name {
		return errors.New("unexpected chunk").
			WithType(errType).
			WithTag("expected", name).
			WithTag("chunk", string(chunk))
	}
	return nil
}

func readCount(r io.Reader) (uint32, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return 0, err
	}
	if count > maxMeshSize {
		return 0, errors.Newf("count %d exceeds limit", count)
	}
	return count, nil
}

func writeValues(w io.Writer, values ...any) error {
	for _, v := range values {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return errors.New("writing world model failed").Wrap(err)
		}
	}
	return nil
}

func corruptModel(msg string, err error) error {
	return errors.New(msg).
		WithType(ErrTypeCorruptModel).
		Wrap(err)
}
