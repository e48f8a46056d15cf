// Package maptree implements the static collision index of a map: a bounding
// interval hierarchy over every model spawn of the map, of which only the
// spawns referenced by loaded tiles are resident.
//
// A MapTree is not safe for concurrent use. Tile loads and unloads need
// exclusive access; queries may run concurrently with each other.
package maptree

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/vmap/bih"
	"github.com/aukilabs/vmap/models"
	"github.com/google/uuid"
)

const (
	ErrTypeFileNotFound     = "file_not_found"
	ErrTypeCorruptFile      = "corrupt_file"
	ErrTypeUnknownSpawn     = "unknown_spawn"
	ErrTypeUnbalancedUnload = "unbalanced_unload"
)

// ModelProvider supplies the shared geometry of model instances.
type ModelProvider interface {
	ParentResolver

	AcquireModelInstance(name string, flags models.ModelFlags) *models.WorldModel
	ReleaseModelInstance(name string)
}

type tileState struct {
	hadFile bool
	mapID   uint32

	// Number of spawn records taken into account by the load. Unloading
	// walks the same records.
	spawns uint32

	// Records per primitive whose model could not be loaded. They hold no
	// cache reference to give back.
	missingModels map[uint32]uint32
}

type MapTree struct {
	mapID    uint32
	basePath string
	provider ModelProvider
	treeID   string

	tree         *bih.Tree
	instances    []*models.ModelInstance
	spawnIndices map[uint32]uint32
	tiles        map[uint32]tileState
	loadedSpawns map[uint32]uint32

	// Cache references held per primitive. A spawn whose model could not be
	// loaded holds none.
	modelRefs map[uint32]uint32
}

// NewMapTree returns the index of mapID reading its files from basePath. It
// must be initialized with InitMap before tiles can be loaded.
func NewMapTree(mapID uint32, basePath string, provider ModelProvider) *MapTree {
	return &MapTree{
		mapID:        mapID,
		basePath:     basePath,
		provider:     provider,
		treeID:       uuid.NewString(),
		tiles:        make(map[uint32]tileState),
		loadedSpawns: make(map[uint32]uint32),
		modelRefs:    make(map[uint32]uint32),
	}
}

func (t *MapTree) MapID() uint32 {
	return t.mapID
}

// Initialized reports whether the map header was loaded.
func (t *MapTree) Initialized() bool {
	return t.tree != nil
}

func (t *MapTree) logger() logs.Entry {
	return logs.WithTag("map_id", t.mapID).
		WithTag("tree_id", t.treeID)
}

// InitMap loads the map header stored in fname, relative to the base path.
// On failure the tree is left uninitialized.
func (t *MapTree) InitMap(fname string) LoadResult {
	filename := filepath.Join(t.basePath, fname)

	f, err := os.Open(filename)
	if err != nil {
		t.logger().
			WithTag("file", filename).
			Warn(errors.New("opening map file failed").
				WithType(ErrTypeFileNotFound).
				Wrap(err))
		return FileNotFound
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if err := models.ReadMagic(r); err != nil {
		t.logger().WithTag("file", filename).Error(err)
		return VersionMismatch
	}

	tree, spawnIndices, err := readMapHeader(r)
	if err != nil {
		t.logger().WithTag("file", filename).Error(err)
		return ReadFromFileFailed
	}

	t.tree = tree
	t.instances = make([]*models.ModelInstance, tree.PrimitiveCount())
	t.spawnIndices = spawnIndices

	t.logger().
		WithTag("file", filename).
		WithTag("primitives", tree.PrimitiveCount()).
		Info("map initialized")
	return Success
}

func readMapHeader(r io.Reader) (*bih.Tree, map[uint32]uint32, error) {
	if err := models.ReadChunk(r, "NODE", ErrTypeCorruptFile); err != nil {
		return nil, nil, err
	}

	tree := &bih.Tree{}
	if _, err := tree.ReadFrom(r); err != nil {
		return nil, nil, err
	}

	if err := models.ReadChunk(r, "SIDX", ErrTypeCorruptFile); err != nil {
		return nil, nil, err
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, nil, errors.New("reading spawn index count failed").
			WithType(ErrTypeCorruptFile).
			Wrap(err)
	}
	if count > tree.PrimitiveCount() {
		return nil, nil, errors.New("more spawn ids than primitives").
			WithType(ErrTypeCorruptFile).
			WithTag("spawn_ids", count).
			WithTag("primitives", tree.PrimitiveCount())
	}

	spawnIDs := make([]uint32, count)
	if err := binary.Read(r, binary.LittleEndian, spawnIDs); err != nil {
		return nil, nil, errors.New("reading spawn ids failed").
			WithType(ErrTypeCorruptFile).
			Wrap(err)
	}

	spawnIndices := make(map[uint32]uint32, count)
	for i, id := range spawnIDs {
		spawnIndices[id] = uint32(i)
	}
	return tree, spawnIndices, nil
}

// LoadMapTile makes the spawns of tile (tileX, tileY) resident. A tile
// without a file at this map or any parent map is recorded as loaded and
// reported as FileNotFound.
func (t *MapTree) LoadMapTile(tileX, tileY uint32) LoadResult {
	logger := t.logger().
		WithTag("tile_x", tileX).
		WithTag("tile_y", tileY)

	if !t.Initialized() {
		logger.Error(errors.New("loading a tile of an uninitialized map").
			WithType(ErrTypeCorruptFile))
		return ReadFromFileFailed
	}

	tileID := packTileID(tileX, tileY)
	if _, ok := t.tiles[tileID]; ok {
		logger.Warn(errors.New("tile is already loaded"))
		return Success
	}

	result := t.loadTile(tileX, tileY, tileID, logger)
	instrumentTileLoad(t.mapID, result)
	instrumentResidency(t.mapID, len(t.tiles), len(t.loadedSpawns))
	return result
}

func (t *MapTree) loadTile(tileX, tileY, tileID uint32, logger logs.Entry) LoadResult {
	f, err := openTileFile(t.basePath, t.mapID, tileX, tileY, t.provider)
	if err != nil {
		t.tiles[tileID] = tileState{mapID: t.mapID}
		logger.Debug(err)
		return FileNotFound
	}
	defer f.Close()

	state := tileState{hadFile: true, mapID: f.mapID}
	defer func() {
		t.tiles[tileID] = state
	}()

	r := bufio.NewReader(f)
	count, result, err := readTileHeader(r)
	if err != nil {
		logger.WithTag("file", f.Name()).Error(err)
		return result
	}

	for ; state.spawns < count; state.spawns++ {
		spawn, err := models.ReadSpawn(r)
		if err != nil {
			logger.WithTag("file", f.Name()).Error(errors.New("reading tile spawn failed").
				WithType(ErrTypeCorruptFile).
				Wrap(err))
			return ReadFromFileFailed
		}

		index, ok := t.spawnIndices[spawn.ID]
		if !ok {
			if f.mapID == t.mapID {
				logger.
					WithTag("file", f.Name()).
					WithTag("spawn_id", spawn.ID).
					Error(errors.New("tile references an unknown spawn").
						WithType(ErrTypeUnknownSpawn))
				return ReadFromFileFailed
			}
			// Parent tiles may place spawns this map does not index.
			continue
		}
		if index >= uint32(len(t.instances)) {
			logger.
				WithTag("spawn_id", spawn.ID).
				WithTag("index", index).
				Error(errors.New("spawn index out of range").
					WithType(ErrTypeCorruptFile))
			continue
		}

		model := t.provider.AcquireModelInstance(spawn.Name, spawn.Flags)
		if model == nil {
			logger.
				WithTag("spawn_id", spawn.ID).
				WithTag("model", spawn.Name).
				Warn(errors.New("spawn model could not be loaded"))
			if state.missingModels == nil {
				state.missingModels = make(map[uint32]uint32)
			}
			state.missingModels[index]++
		} else {
			t.modelRefs[index]++
		}

		if refs, ok := t.loadedSpawns[index]; ok {
			t.loadedSpawns[index] = refs + 1
			if model != nil && !t.instances[index].Loaded() {
				t.instances[index] = models.NewModelInstance(spawn, model)
			}
			continue
		}
		t.instances[index] = models.NewModelInstance(spawn, model)
		t.loadedSpawns[index] = 1
	}

	logger.
		WithTag("source_map_id", f.mapID).
		WithTag("spawns", count).
		Debug("tile loaded")
	return Success
}

// UnloadMapTile releases the spawns referenced by a loaded tile. Unloading a
// tile that is not loaded is logged and ignored.
func (t *MapTree) UnloadMapTile(tileX, tileY uint32) {
	logger := t.logger().
		WithTag("tile_x", tileX).
		WithTag("tile_y", tileY)

	tileID := packTileID(tileX, tileY)
	state, ok := t.tiles[tileID]
	if !ok {
		err := errors.New("unloading a tile that is not loaded").
			WithType(ErrTypeUnbalancedUnload)
		instrumentUnbalancedUnload(t.mapID, err)
		logger.Error(err)
		return
	}
	delete(t.tiles, tileID)

	if state.hadFile {
		if err := t.unloadTile(tileX, tileY, state, logger); err != nil {
			logger.Error(err)
		}
	}

	instrumentTileUnload(t.mapID)
	instrumentResidency(t.mapID, len(t.tiles), len(t.loadedSpawns))
	logger.Debug("tile unloaded")
}

func (t *MapTree) unloadTile(tileX, tileY uint32, state tileState, logger logs.Entry) error {
	f, err := os.Open(filepath.Join(t.basePath, TileFileName(state.mapID, tileX, tileY)))
	if err != nil {
		return errors.New("reopening tile file failed").
			WithType(ErrTypeUnbalancedUnload).
			Wrap(err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	count, _, err := readTileHeader(r)
	if err != nil {
		return err
	}

	for i := uint32(0); i < min(count, state.spawns); i++ {
		spawn, err := models.ReadSpawn(r)
		if err != nil {
			return errors.New("reading tile spawn failed").
				WithType(ErrTypeCorruptFile).
				Wrap(err)
		}

		index, ok := t.spawnIndices[spawn.ID]
		if !ok {
			if state.mapID == t.mapID {
				return errors.New("tile references an unknown spawn").
					WithType(ErrTypeUnknownSpawn).
					WithTag("spawn_id", spawn.ID)
			}
			continue
		}
		if index >= uint32(len(t.instances)) {
			continue
		}

		if state.missingModels[index] > 0 {
			state.missingModels[index]--
		} else {
			t.provider.ReleaseModelInstance(spawn.Name)
			t.modelRefs[index]--
		}

		refs, ok := t.loadedSpawns[index]
		if !ok {
			err := errors.New("unloading a spawn that is not loaded").
				WithType(ErrTypeUnbalancedUnload).
				WithTag("spawn_id", spawn.ID)
			instrumentUnbalancedUnload(t.mapID, err)
			logger.Error(err)
			continue
		}
		if refs > 1 {
			t.loadedSpawns[index] = refs - 1
			continue
		}

		t.instances[index].SetUnloaded()
		delete(t.loadedSpawns, index)
		delete(t.modelRefs, index)
	}
	return nil
}

// UnloadMap releases the model references of every resident spawn and
// forgets all loaded tiles.
func (t *MapTree) UnloadMap() {
	for index := range t.loadedSpawns {
		instance := t.instances[index]
		for refs := t.modelRefs[index]; refs > 0; refs-- {
			t.provider.ReleaseModelInstance(instance.Name)
		}
		instance.SetUnloaded()
	}

	clear(t.loadedSpawns)
	clear(t.modelRefs)
	clear(t.tiles)
	instrumentResidency(t.mapID, 0, 0)
	t.logger().Info("map unloaded")
}

func (t *MapTree) NumLoadedTiles() int {
	return len(t.tiles)
}

// TileSource returns the map whose tile file served a loaded tile and
// whether a file was found at all.
func (t *MapTree) TileSource(tileX, tileY uint32) (mapID uint32, hadFile bool, ok bool) {
	state, ok := t.tiles[packTileID(tileX, tileY)]
	return state.mapID, state.hadFile, ok
}

// SpawnRefCount returns the number of loaded tiles referencing primitive
// index.
func (t *MapTree) SpawnRefCount(index uint32) uint32 {
	return t.loadedSpawns[index]
}

func (t *MapTree) NumResidentSpawns() int {
	return len(t.loadedSpawns)
}

// Instance returns the model instance of primitive index, nil when the slot
// was never filled.
func (t *MapTree) Instance(index uint32) *models.ModelInstance {
	if index >= uint32(len(t.instances)) {
		return nil
	}
	return t.instances[index]
}

// ModelInstances returns the resident model instances.
func (t *MapTree) ModelInstances() []*models.ModelInstance {
	instances := make([]*models.ModelInstance, 0, len(t.loadedSpawns))
	for index := range t.instances {
		if _, ok := t.loadedSpawns[uint32(index)]; ok {
			instances = append(instances, t.instances[index])
		}
	}
	return instances
}
