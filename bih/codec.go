package bih

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/vmap/geom"
)

const (
	ErrTypeCorruptTree = "corrupt_tree"

	// Upper bound for the word and object counts read from a file, protects
	// against allocating garbage sizes from a corrupt header.
	maxArraySize = 1 << 26
)

// ReadFrom reads a tree written by WriteTo.
func (t *Tree) ReadFrom(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}

	var lo, hi [3]float32
	if err := binary.Read(cr, binary.LittleEndian, &lo); err != nil {
		return cr.n, corrupt("reading tree bounds failed", err)
	}
	if err := binary.Read(cr, binary.LittleEndian, &hi); err != nil {
		return cr.n, corrupt("reading tree bounds failed", err)
	}

	tree, err := readWords(cr)
	if err != nil {
		return cr.n, corrupt("reading tree nodes failed", err)
	}

	objects, err := readWords(cr)
	if err != nil {
		return cr.n, corrupt("reading tree objects failed", err)
	}

	if err := validate(tree, objects); err != nil {
		return cr.n, err
	}

	t.bounds = geom.NewAABox(geom.Vector3{X: lo[0], Y: lo[1], Z: lo[2]}, geom.Vector3{X: hi[0], Y: hi[1], Z: hi[2]})
	t.tree = tree
	t.objects = objects
	return cr.n, nil
}

// WriteTo serializes the tree: bounds, node words and object indices, little
// endian, each array prefixed by its length.
func (t *Tree) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	values := []any{
		[3]float32{t.bounds.Low.X, t.bounds.Low.Y, t.bounds.Low.Z},
		[3]float32{t.bounds.High.X, t.bounds.High.Y, t.bounds.High.Z},
		uint32(len(t.tree)),
		t.tree,
		uint32(len(t.objects)),
		t.objects,
	}
	for _, v := range values {
		if err := binary.Write(cw, binary.LittleEndian, v); err != nil {
			return cw.n, errors.New("writing tree failed").Wrap(err)
		}
	}

	if err := bw.Flush(); err != nil {
		return cw.n, errors.New("writing tree failed").Wrap(err)
	}
	return cw.n, nil
}

func readWords(r io.Reader) ([]uint32, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if size > maxArraySize {
		return nil, errors.Newf("array size %d exceeds limit", size)
	}

	words := make([]uint32, size)
	if size == 0 {
		return words, nil
	}
	if err := binary.Read(r, binary.LittleEndian, words); err != nil {
		return nil, err
	}
	return words, nil
}

func validate(tree, objects []uint32) error {
	if len(tree) == 0 && len(objects) != 0 {
		return errors.New("tree without nodes has objects").
			WithType(ErrTypeCorruptTree).
			WithTag("objects", len(objects))
	}
	if len(tree)%3 != 0 {
		return errors.New("node array is not a multiple of the node size").
			WithType(ErrTypeCorruptTree).
			WithTag("words", len(tree))
	}

	for _, o := range objects {
		if o >= uint32(len(objects)) {
			return errors.New("object index out of range").
				WithType(ErrTypeCorruptTree).
				WithTag("index", o).
				WithTag("objects", len(objects))
		}
	}

	for node := 0; node < len(tree); node += 3 {
		axis, bvh2, offset := decodeNode(tree[node])
		switch {
		case !bvh2 && axis == leafAxis:
			if uint64(offset)+uint64(tree[node+1]) > uint64(len(objects)) {
				return errors.New("leaf range out of bounds").
					WithType(ErrTypeCorruptTree).
					WithTag("node", node)
			}

		case uint32(node) >= offset:
			return errors.New("child offset does not follow its parent").
				WithType(ErrTypeCorruptTree).
				WithTag("node", node).
				WithTag("offset", offset)

		case !bvh2:
			if uint64(offset)+6 > uint64(len(tree)) {
				return errors.New("child offset out of bounds").
					WithType(ErrTypeCorruptTree).
					WithTag("node", node)
			}

		default:
			if uint64(offset)+3 > uint64(len(tree)) {
				return errors.New("child offset out of bounds").
					WithType(ErrTypeCorruptTree).
					WithTag("node", node)
			}
		}
	}
	return nil
}

func corrupt(msg string, err error) error {
	return errors.New(msg).
		WithType(ErrTypeCorruptTree).
		Wrap(err)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
