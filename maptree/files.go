package maptree

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/vmap/bih"
	"github.com/aukilabs/vmap/models"
)

// ParentResolver resolves the map whose tiles a map falls back to.
type ParentResolver interface {
	ParentMapID(mapID uint32) (uint32, bool)
}

// MapFileName returns the name of the header file of a map.
func MapFileName(mapID uint32) string {
	return fmt.Sprintf("%04d.vmtree", mapID)
}

// TileFileName returns the name of a tile file. The tile Y coordinate comes
// first.
func TileFileName(mapID, tileX, tileY uint32) string {
	return fmt.Sprintf("%04d_%02d_%02d.vmtile", mapID, tileY, tileX)
}

func packTileID(tileX, tileY uint32) uint32 {
	return tileX<<16 | tileY
}

type tileFile struct {
	*os.File
	mapID uint32
}

// openTileFile opens the tile file of mapID or, when it has none, the one of
// the closest parent map providing it.
func openTileFile(basePath string, mapID, tileX, tileY uint32, parents ParentResolver) (tileFile, error) {
	visited := make(map[uint32]struct{})

	for id := mapID; ; {
		visited[id] = struct{}{}

		f, err := os.Open(filepath.Join(basePath, TileFileName(id, tileX, tileY)))
		if err == nil {
			return tileFile{File: f, mapID: id}, nil
		}
		if !os.IsNotExist(err) {
			return tileFile{}, errors.New("opening tile file failed").
				WithType(ErrTypeCorruptFile).
				WithTag("map_id", id).
				Wrap(err)
		}

		if parents == nil {
			break
		}
		parent, ok := parents.ParentMapID(id)
		if !ok {
			break
		}
		if _, ok := visited[parent]; ok {
			return tileFile{}, errors.New("map hierarchy has a cycle").
				WithType(ErrTypeFileNotFound).
				WithTag("map_id", mapID).
				WithTag("parent_id", parent)
		}
		id = parent
	}

	return tileFile{}, errors.New("tile file not found").
		WithType(ErrTypeFileNotFound).
		WithTag("map_id", mapID).
		WithTag("tile_x", tileX).
		WithTag("tile_y", tileY)
}

// readTileHeader consumes the magic and spawn count of a tile file.
func readTileHeader(r io.Reader) (uint32, LoadResult, error) {
	if err := models.ReadMagic(r); err != nil {
		return 0, VersionMismatch, err
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return 0, ReadFromFileFailed, errors.New("reading tile spawn count failed").
			WithType(ErrTypeCorruptFile).
			Wrap(err)
	}
	return count, Success, nil
}

// CanLoadMap checks that the header of a map and the tile file serving
// (tileX, tileY) exist and carry the expected magic, without loading them.
func CanLoadMap(basePath string, mapID, tileX, tileY uint32, parents ParentResolver) LoadResult {
	f, err := os.Open(filepath.Join(basePath, MapFileName(mapID)))
	if err != nil {
		return FileNotFound
	}
	defer f.Close()

	if err := models.ReadMagic(f); err != nil {
		return VersionMismatch
	}

	tf, err := openTileFile(basePath, mapID, tileX, tileY, parents)
	if err != nil {
		return FileNotFound
	}
	defer tf.Close()

	if err := models.ReadMagic(tf); err != nil {
		return VersionMismatch
	}
	return Success
}

// WriteMapFile writes a map header: the tree over the map spawns followed by
// the spawn ids, spawn i being primitive i of the tree.
func WriteMapFile(filename string, tree *bih.Tree, spawnIDs []uint32) error {
	return writeFile(filename, func(w io.Writer) error {
		if err := writeChunks(w, []byte(models.FileMagic), []byte("NODE")); err != nil {
			return err
		}
		if _, err := tree.WriteTo(w); err != nil {
			return err
		}
		return writeChunks(w, []byte("SIDX"), uint32(len(spawnIDs)), spawnIDs)
	})
}

// WriteTileFile writes the spawn records of a tile.
func WriteTileFile(filename string, spawns []models.ModelSpawn) error {
	return writeFile(filename, func(w io.Writer) error {
		if err := writeChunks(w, []byte(models.FileMagic), uint32(len(spawns))); err != nil {
			return err
		}
		for _, s := range spawns {
			if err := models.WriteSpawn(w, s); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeFile(filename string, write func(io.Writer) error) error {
	f, err := os.Create(filename)
	if err != nil {
		return errors.New("creating file failed").
			WithTag("file", filename).
			Wrap(err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := write(w); err != nil {
		return errors.New("writing file failed").
			WithTag("file", filename).
			Wrap(err)
	}
	if err := w.Flush(); err != nil {
		return errors.New("writing file failed").
			WithTag("file", filename).
			Wrap(err)
	}
	return f.Close()
}

func writeChunks(w io.Writer, values ...any) error {
	for _, v := range values {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}
