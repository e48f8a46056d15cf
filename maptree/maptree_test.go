package maptree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aukilabs/vmap/bih"
	"github.com/aukilabs/vmap/geom"
	"github.com/aukilabs/vmap/modelcache"
	"github.com/aukilabs/vmap/models"
	"github.com/stretchr/testify/require"
)

func boxModel() *models.WorldModel {
	low := geom.Vector3{X: 0, Y: 0, Z: 0}
	high := geom.Vector3{X: 10, Y: 10, Z: 10}
	vertices := []geom.Vector3{
		{X: low.X, Y: low.Y, Z: low.Z},
		{X: high.X, Y: low.Y, Z: low.Z},
		{X: high.X, Y: high.Y, Z: low.Z},
		{X: low.X, Y: high.Y, Z: low.Z},
		{X: low.X, Y: low.Y, Z: high.Z},
		{X: high.X, Y: low.Y, Z: high.Z},
		{X: high.X, Y: high.Y, Z: high.Z},
		{X: low.X, Y: high.Y, Z: high.Z},
	}
	triangles := []models.MeshTriangle{
		{Idx0: 0, Idx1: 1, Idx2: 2}, {Idx0: 0, Idx1: 2, Idx2: 3},
		{Idx0: 4, Idx1: 5, Idx2: 6}, {Idx0: 4, Idx1: 6, Idx2: 7},
		{Idx0: 0, Idx1: 1, Idx2: 5}, {Idx0: 0, Idx1: 5, Idx2: 4},
		{Idx0: 1, Idx1: 2, Idx2: 6}, {Idx0: 1, Idx1: 6, Idx2: 5},
		{Idx0: 2, Idx1: 3, Idx2: 7}, {Idx0: 2, Idx1: 7, Idx2: 6},
		{Idx0: 3, Idx1: 0, Idx2: 4}, {Idx0: 3, Idx1: 4, Idx2: 7},
	}
	return models.NewWorldModel(42, []models.GroupModel{
		models.NewGroupModel(0x8, 7, vertices, triangles),
	})
}

// boxSpawn places the 10x10x10 box model with its low corner at pos.
func boxSpawn(id uint32, pos geom.Vector3) models.ModelSpawn {
	return models.ModelSpawn{
		Flags: models.ModWorldSpawn | models.ModHasBound,
		AdtID: 1,
		ID:    id,
		Pos:   pos,
		Scale: 1,
		Bound: geom.NewAABox(pos, geom.Add(pos, geom.Vector3{X: 10, Y: 10, Z: 10})),
		Name:  "box.vmo",
	}
}

func newCache(parents map[uint32]uint32) *modelcache.Cache {
	return modelcache.New("",
		modelcache.WithLoader(func(string) (*models.WorldModel, error) {
			return boxModel(), nil
		}),
		modelcache.WithHierarchy(modelcache.NewHierarchy(parents)),
	)
}

func writeMap(t *testing.T, dir string, mapID uint32, spawns []models.ModelSpawn) {
	bounds := make([]geom.AABox, len(spawns))
	ids := make([]uint32, len(spawns))
	for i, s := range spawns {
		bounds[i] = s.Bound
		ids[i] = s.ID
	}

	err := WriteMapFile(filepath.Join(dir, MapFileName(mapID)), bih.Build(bounds, 1), ids)
	require.NoError(t, err)
}

func writeTile(t *testing.T, dir string, mapID, tileX, tileY uint32, spawns ...models.ModelSpawn) {
	err := WriteTileFile(filepath.Join(dir, TileFileName(mapID, tileX, tileY)), spawns)
	require.NoError(t, err)
}

func newInitializedTree(t *testing.T, dir string, mapID uint32, cache *modelcache.Cache) *MapTree {
	tree := NewMapTree(mapID, dir, cache)
	require.Equal(t, Success, tree.InitMap(MapFileName(mapID)))
	require.True(t, tree.Initialized())
	return tree
}

func TestFileNames(t *testing.T) {
	require.Equal(t, "0001.vmtree", MapFileName(1))
	require.Equal(t, "0530.vmtree", MapFileName(530))
	require.Equal(t, "0001_08_05.vmtile", TileFileName(1, 5, 8))
	require.Equal(t, "0571_32_31.vmtile", TileFileName(571, 31, 32))
}

func TestInitMap(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		tree := NewMapTree(1, t.TempDir(), newCache(nil))
		require.Equal(t, FileNotFound, tree.InitMap(MapFileName(1)))
		require.False(t, tree.Initialized())
	})

	t.Run("bad magic", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, MapFileName(1)), []byte("VMAP_4.0NODE"), 0o644))

		tree := NewMapTree(1, dir, newCache(nil))
		require.Equal(t, VersionMismatch, tree.InitMap(MapFileName(1)))
		require.False(t, tree.Initialized())
	})

	t.Run("missing node chunk", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, MapFileName(1)), []byte(models.FileMagic+"EDON"), 0o644))

		tree := NewMapTree(1, dir, newCache(nil))
		require.Equal(t, ReadFromFileFailed, tree.InitMap(MapFileName(1)))
		require.False(t, tree.Initialized())
	})

	t.Run("truncated", func(t *testing.T) {
		dir := t.TempDir()
		writeMap(t, dir, 1, []models.ModelSpawn{boxSpawn(10, geom.Vector3{})})

		filename := filepath.Join(dir, MapFileName(1))
		data, err := os.ReadFile(filename)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filename, data[:len(data)-2], 0o644))

		tree := NewMapTree(1, dir, newCache(nil))
		require.Equal(t, ReadFromFileFailed, tree.InitMap(MapFileName(1)))
		require.False(t, tree.Initialized())
	})

	t.Run("more spawn ids than primitives", func(t *testing.T) {
		dir := t.TempDir()
		bounds := []geom.AABox{boxSpawn(10, geom.Vector3{}).Bound}
		require.NoError(t, WriteMapFile(filepath.Join(dir, MapFileName(1)), bih.Build(bounds, 1), []uint32{10, 11}))

		tree := NewMapTree(1, dir, newCache(nil))
		require.Equal(t, ReadFromFileFailed, tree.InitMap(MapFileName(1)))
	})

	t.Run("success", func(t *testing.T) {
		dir := t.TempDir()
		writeMap(t, dir, 1, []models.ModelSpawn{
			boxSpawn(10, geom.Vector3{}),
			boxSpawn(11, geom.Vector3{X: 20}),
		})

		tree := newInitializedTree(t, dir, 1, newCache(nil))
		require.Equal(t, uint32(1), tree.MapID())
		require.Zero(t, tree.NumLoadedTiles())
		require.Nil(t, tree.Instance(0))
		require.Nil(t, tree.Instance(5))
	})
}

func TestLoadMapTileUninitialized(t *testing.T) {
	tree := NewMapTree(1, t.TempDir(), newCache(nil))
	require.Equal(t, ReadFromFileFailed, tree.LoadMapTile(1, 1))
	require.Zero(t, tree.NumLoadedTiles())
}

func TestTileReferenceCounting(t *testing.T) {
	dir := t.TempDir()
	s10 := boxSpawn(10, geom.Vector3{X: 0})
	s11 := boxSpawn(11, geom.Vector3{X: 20})
	s12 := boxSpawn(12, geom.Vector3{X: 40})
	s10.Name = "a.vmo"
	s11.Name = "b.vmo"
	s12.Name = "c.vmo"

	writeMap(t, dir, 1, []models.ModelSpawn{s10, s11, s12})
	writeTile(t, dir, 1, 5, 7, s10, s11)
	writeTile(t, dir, 1, 5, 8, s11)

	cache := newCache(nil)
	tree := newInitializedTree(t, dir, 1, cache)

	require.Equal(t, Success, tree.LoadMapTile(5, 7))
	require.Equal(t, 1, tree.NumLoadedTiles())
	require.Equal(t, uint32(1), tree.SpawnRefCount(0))
	require.Equal(t, uint32(1), tree.SpawnRefCount(1))
	require.Zero(t, tree.SpawnRefCount(2))
	require.Equal(t, 2, tree.NumResidentSpawns())

	require.Equal(t, Success, tree.LoadMapTile(5, 8))
	require.Equal(t, 2, tree.NumLoadedTiles())
	require.Equal(t, uint32(1), tree.SpawnRefCount(0))
	require.Equal(t, uint32(2), tree.SpawnRefCount(1))
	require.Equal(t, 2, cache.RefCount("b.vmo"))
	require.Len(t, tree.ModelInstances(), 2)

	instance0 := tree.Instance(0)
	instance1 := tree.Instance(1)

	tree.UnloadMapTile(5, 7)
	require.Equal(t, 1, tree.NumLoadedTiles())
	require.Zero(t, tree.SpawnRefCount(0))
	require.Equal(t, uint32(1), tree.SpawnRefCount(1))
	require.False(t, instance0.Loaded())
	require.True(t, instance1.Loaded())
	require.Zero(t, cache.RefCount("a.vmo"))
	require.Equal(t, 1, cache.RefCount("b.vmo"))

	tree.UnloadMapTile(5, 8)
	require.Zero(t, tree.NumLoadedTiles())
	require.Zero(t, tree.NumResidentSpawns())
	require.False(t, instance1.Loaded())
	require.Zero(t, cache.Len())
}

func TestTileRoundTripResidency(t *testing.T) {
	dir := t.TempDir()
	spawns := make([]models.ModelSpawn, 6)
	for i := range spawns {
		spawns[i] = boxSpawn(uint32(100+i), geom.Vector3{X: float32(20 * i)})
	}
	writeMap(t, dir, 1, spawns)

	tiles := [][2]uint32{{1, 1}, {1, 2}, {2, 1}, {2, 2}}
	writeTile(t, dir, 1, 1, 1, spawns[0], spawns[1], spawns[2])
	writeTile(t, dir, 1, 1, 2, spawns[2], spawns[3])
	writeTile(t, dir, 1, 2, 1, spawns[3], spawns[4], spawns[5], spawns[0])

	cache := newCache(nil)
	tree := newInitializedTree(t, dir, 1, cache)

	for _, tile := range tiles {
		tree.LoadMapTile(tile[0], tile[1])
	}
	require.Equal(t, len(tiles), tree.NumLoadedTiles())
	require.Equal(t, len(spawns), tree.NumResidentSpawns())

	for i := len(tiles) - 1; i >= 0; i-- {
		tree.UnloadMapTile(tiles[i][0], tiles[i][1])
	}
	require.Zero(t, tree.NumLoadedTiles())
	require.Zero(t, tree.NumResidentSpawns())
	require.Zero(t, cache.Len())
	for i := range spawns {
		require.False(t, tree.Instance(uint32(i)).Loaded())
	}
}

func TestLoadMapTileWithoutFile(t *testing.T) {
	dir := t.TempDir()
	writeMap(t, dir, 1, []models.ModelSpawn{boxSpawn(10, geom.Vector3{})})
	tree := newInitializedTree(t, dir, 1, newCache(nil))

	require.Equal(t, FileNotFound, tree.LoadMapTile(3, 4))
	require.Equal(t, 1, tree.NumLoadedTiles())

	mapID, hadFile, ok := tree.TileSource(3, 4)
	require.True(t, ok)
	require.False(t, hadFile)
	require.Equal(t, uint32(1), mapID)

	tree.UnloadMapTile(3, 4)
	require.Zero(t, tree.NumLoadedTiles())

	_, _, ok = tree.TileSource(3, 4)
	require.False(t, ok)
}

func TestLoadMapTileTwice(t *testing.T) {
	dir := t.TempDir()
	s := boxSpawn(10, geom.Vector3{})
	writeMap(t, dir, 1, []models.ModelSpawn{s})
	writeTile(t, dir, 1, 1, 1, s)

	cache := newCache(nil)
	tree := newInitializedTree(t, dir, 1, cache)

	require.Equal(t, Success, tree.LoadMapTile(1, 1))
	require.Equal(t, Success, tree.LoadMapTile(1, 1))
	require.Equal(t, uint32(1), tree.SpawnRefCount(0))

	tree.UnloadMapTile(1, 1)
	require.Zero(t, cache.Len())
}

func TestParentMapFallback(t *testing.T) {
	dir := t.TempDir()
	s10 := boxSpawn(10, geom.Vector3{})
	s99 := boxSpawn(99, geom.Vector3{X: 50})

	writeMap(t, dir, 1, []models.ModelSpawn{s10, s99})
	writeMap(t, dir, 2, []models.ModelSpawn{s10})
	writeTile(t, dir, 1, 3, 3, s10, s99)

	cache := newCache(map[uint32]uint32{2: 1})
	tree := newInitializedTree(t, dir, 2, cache)

	require.Equal(t, Success, tree.LoadMapTile(3, 3))

	mapID, hadFile, ok := tree.TileSource(3, 3)
	require.True(t, ok)
	require.True(t, hadFile)
	require.Equal(t, uint32(1), mapID)
	require.Equal(t, uint32(1), tree.SpawnRefCount(0))
	require.Equal(t, 1, cache.RefCount("box.vmo"))

	tree.UnloadMapTile(3, 3)
	require.Zero(t, tree.NumResidentSpawns())
	require.Zero(t, cache.Len())
}

func TestParentMapCycle(t *testing.T) {
	dir := t.TempDir()
	writeMap(t, dir, 2, []models.ModelSpawn{boxSpawn(10, geom.Vector3{})})

	tree := newInitializedTree(t, dir, 2, newCache(map[uint32]uint32{2: 3, 3: 2}))
	require.Equal(t, FileNotFound, tree.LoadMapTile(1, 1))
}

func TestLoadMapTileUnknownSpawn(t *testing.T) {
	dir := t.TempDir()
	s10 := boxSpawn(10, geom.Vector3{})
	s11 := boxSpawn(11, geom.Vector3{X: 20})
	s99 := boxSpawn(99, geom.Vector3{X: 40})

	writeMap(t, dir, 1, []models.ModelSpawn{s10, s11})
	writeTile(t, dir, 1, 1, 1, s10, s99, s11)

	cache := newCache(nil)
	tree := newInitializedTree(t, dir, 1, cache)

	require.Equal(t, ReadFromFileFailed, tree.LoadMapTile(1, 1))
	require.Equal(t, 1, tree.NumLoadedTiles())
	require.Equal(t, uint32(1), tree.SpawnRefCount(0))
	require.Zero(t, tree.SpawnRefCount(1))

	tree.UnloadMapTile(1, 1)
	require.Zero(t, tree.NumLoadedTiles())
	require.Zero(t, tree.NumResidentSpawns())
	require.Zero(t, cache.Len())
}

func TestLoadMapTileCorruptFiles(t *testing.T) {
	t.Run("bad magic", func(t *testing.T) {
		dir := t.TempDir()
		writeMap(t, dir, 1, []models.ModelSpawn{boxSpawn(10, geom.Vector3{})})
		require.NoError(t, os.WriteFile(filepath.Join(dir, TileFileName(1, 1, 1)), []byte("VMAP_4.0\x00\x00\x00\x00"), 0o644))

		tree := newInitializedTree(t, dir, 1, newCache(nil))
		require.Equal(t, VersionMismatch, tree.LoadMapTile(1, 1))
		require.Equal(t, 1, tree.NumLoadedTiles())

		tree.UnloadMapTile(1, 1)
		require.Zero(t, tree.NumLoadedTiles())
	})

	t.Run("missing count", func(t *testing.T) {
		dir := t.TempDir()
		writeMap(t, dir, 1, []models.ModelSpawn{boxSpawn(10, geom.Vector3{})})
		require.NoError(t, os.WriteFile(filepath.Join(dir, TileFileName(1, 1, 1)), []byte(models.FileMagic), 0o644))

		tree := newInitializedTree(t, dir, 1, newCache(nil))
		require.Equal(t, ReadFromFileFailed, tree.LoadMapTile(1, 1))
	})

	t.Run("truncated spawn", func(t *testing.T) {
		dir := t.TempDir()
		s10 := boxSpawn(10, geom.Vector3{})
		s11 := boxSpawn(11, geom.Vector3{X: 20})
		writeMap(t, dir, 1, []models.ModelSpawn{s10, s11})
		writeTile(t, dir, 1, 1, 1, s10, s11)

		filename := filepath.Join(dir, TileFileName(1, 1, 1))
		data, err := os.ReadFile(filename)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filename, data[:len(data)-3], 0o644))

		cache := newCache(nil)
		tree := newInitializedTree(t, dir, 1, cache)
		require.Equal(t, ReadFromFileFailed, tree.LoadMapTile(1, 1))
		require.Equal(t, uint32(1), tree.SpawnRefCount(0))
		require.Zero(t, tree.SpawnRefCount(1))

		tree.UnloadMapTile(1, 1)
		require.Zero(t, cache.Len())
	})
}

func TestMissingModelIsInert(t *testing.T) {
	dir := t.TempDir()
	s := boxSpawn(10, geom.Vector3{X: 100, Y: 100, Z: 10})
	writeMap(t, dir, 1, []models.ModelSpawn{s})
	writeTile(t, dir, 1, 1, 1, s)

	cache := modelcache.New(dir)
	tree := newInitializedTree(t, dir, 1, cache)

	require.Equal(t, Success, tree.LoadMapTile(1, 1))
	require.Equal(t, uint32(1), tree.SpawnRefCount(0))
	require.NotNil(t, tree.Instance(0))
	require.False(t, tree.Instance(0).Loaded())

	_, ok := tree.GetHeight(geom.Vector3{X: 105, Y: 105, Z: 50}, 100)
	require.False(t, ok)
}

func TestMissingModelHoldsNoReference(t *testing.T) {
	dir := t.TempDir()
	s10 := boxSpawn(10, geom.Vector3{X: 100, Y: 100, Z: 10})
	s11 := boxSpawn(11, geom.Vector3{X: 200, Y: 100, Z: 10})
	writeMap(t, dir, 1, []models.ModelSpawn{s10, s11})
	writeTile(t, dir, 1, 1, 1, s10)
	writeTile(t, dir, 1, 1, 2, s11)
	writeTile(t, dir, 1, 1, 3, s10)

	available := false
	cache := modelcache.New(dir, modelcache.WithLoader(func(string) (*models.WorldModel, error) {
		if !available {
			return nil, os.ErrNotExist
		}
		return boxModel(), nil
	}))
	tree := newInitializedTree(t, dir, 1, cache)

	require.Equal(t, Success, tree.LoadMapTile(1, 1))
	require.False(t, tree.Instance(0).Loaded())

	available = true
	require.Equal(t, Success, tree.LoadMapTile(1, 2))
	require.Equal(t, 1, cache.RefCount("box.vmo"))

	t.Run("later load attaches the model", func(t *testing.T) {
		require.Equal(t, Success, tree.LoadMapTile(1, 3))
		require.Equal(t, uint32(2), tree.SpawnRefCount(0))
		require.True(t, tree.Instance(0).Loaded())
		require.Equal(t, 2, cache.RefCount("box.vmo"))

		_, ok := tree.GetHeight(geom.Vector3{X: 105, Y: 105, Z: 50}, 100)
		require.True(t, ok)
	})

	t.Run("unloading the failed spawn keeps other references", func(t *testing.T) {
		tree.UnloadMapTile(1, 1)
		require.Equal(t, 2, cache.RefCount("box.vmo"))
		require.True(t, tree.Instance(1).Loaded())

		tree.UnloadMapTile(1, 3)
		require.Equal(t, 1, cache.RefCount("box.vmo"))
		require.False(t, tree.Instance(0).Loaded())
		require.True(t, tree.Instance(1).Loaded())
	})

	t.Run("unload map releases held references only", func(t *testing.T) {
		require.Equal(t, Success, tree.LoadMapTile(1, 1))
		require.Equal(t, 2, cache.RefCount("box.vmo"))

		tree.UnloadMap()
		require.Zero(t, cache.Len())
	})
}

func TestUnloadUnknownTile(t *testing.T) {
	dir := t.TempDir()
	s := boxSpawn(10, geom.Vector3{})
	writeMap(t, dir, 1, []models.ModelSpawn{s})
	writeTile(t, dir, 1, 1, 1, s)

	tree := newInitializedTree(t, dir, 1, newCache(nil))
	require.Equal(t, Success, tree.LoadMapTile(1, 1))

	tree.UnloadMapTile(9, 9)
	require.Equal(t, 1, tree.NumLoadedTiles())
	require.Equal(t, uint32(1), tree.SpawnRefCount(0))
}

func TestUnloadMap(t *testing.T) {
	dir := t.TempDir()
	s10 := boxSpawn(10, geom.Vector3{})
	s11 := boxSpawn(11, geom.Vector3{X: 20})
	writeMap(t, dir, 1, []models.ModelSpawn{s10, s11})
	writeTile(t, dir, 1, 1, 1, s10, s11)
	writeTile(t, dir, 1, 1, 2, s11)

	cache := newCache(nil)
	tree := newInitializedTree(t, dir, 1, cache)
	tree.LoadMapTile(1, 1)
	tree.LoadMapTile(1, 2)
	tree.LoadMapTile(1, 3)
	require.Equal(t, 3, cache.RefCount("box.vmo"))

	tree.UnloadMap()
	require.Zero(t, tree.NumLoadedTiles())
	require.Zero(t, tree.NumResidentSpawns())
	require.Zero(t, cache.Len())
	require.False(t, tree.Instance(0).Loaded())
	require.False(t, tree.Instance(1).Loaded())
}

func TestCanLoadMap(t *testing.T) {
	dir := t.TempDir()
	s := boxSpawn(10, geom.Vector3{})
	writeMap(t, dir, 1, []models.ModelSpawn{s})
	writeMap(t, dir, 2, []models.ModelSpawn{s})
	writeTile(t, dir, 1, 1, 1, s)
	require.NoError(t, os.WriteFile(filepath.Join(dir, TileFileName(1, 2, 2)), []byte("VMAP_9.9"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MapFileName(3)), []byte("VMAP_9.9"), 0o644))

	parents := modelcache.NewHierarchy(map[uint32]uint32{2: 1})

	require.Equal(t, Success, CanLoadMap(dir, 1, 1, 1, parents))
	require.Equal(t, Success, CanLoadMap(dir, 2, 1, 1, parents))
	require.Equal(t, FileNotFound, CanLoadMap(dir, 1, 5, 5, parents))
	require.Equal(t, VersionMismatch, CanLoadMap(dir, 1, 2, 2, parents))
	require.Equal(t, FileNotFound, CanLoadMap(dir, 4, 1, 1, parents))
	require.Equal(t, VersionMismatch, CanLoadMap(dir, 3, 1, 1, parents))
}

func TestLoadResultString(t *testing.T) {
	require.Equal(t, "success", Success.String())
	require.Equal(t, "file_not_found", FileNotFound.String())
	require.Equal(t, "version_mismatch", VersionMismatch.String())
	require.Equal(t, "read_from_file_failed", ReadFromFileFailed.String())
	require.Equal(t, "unknown", LoadResult(42).String())
}
