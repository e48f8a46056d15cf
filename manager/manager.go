// Package manager serves collision queries for every active map in server
// coordinates.
package manager

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/vmap/featureflag"
	"github.com/aukilabs/vmap/geom"
	"github.com/aukilabs/vmap/maptree"
	"github.com/aukilabs/vmap/modelcache"
	"github.com/aukilabs/vmap/models"
)

const (
	// InvalidHeight is returned by GetHeight when no ground is found.
	InvalidHeight float32 = -200000

	// Half the side of the 64x64 tile grid, tiles being 533.33333 wide.
	mapMid = 0.5 * 64 * 533.33333
)

// Manager owns the collision index of every loaded map. Tile loads and
// unloads of a map are exclusive with the queries on that map.
type Manager struct {
	basePath string
	cache    *modelcache.Cache
	features featureflag.FeatureFlag

	mutex sync.RWMutex
	maps  map[uint32]*mapEntry
}

type mapEntry struct {
	mutex   sync.RWMutex
	tree    *maptree.MapTree
	dropped bool
}

// MapStats is the residency of one map.
type MapStats struct {
	MapID          uint32 `json:"map_id"`
	LoadedTiles    int    `json:"loaded_tiles"`
	ResidentSpawns int    `json:"resident_spawns"`
}

type Stats struct {
	Maps   []MapStats `json:"maps"`
	Models int        `json:"models"`
}

func New(basePath string, cache *modelcache.Cache, features featureflag.FeatureFlag) *Manager {
	if features == nil {
		features = featureflag.New(nil)
	}

	return &Manager{
		basePath: basePath,
		cache:    cache,
		features: features,
		maps:     make(map[uint32]*mapEntry),
	}
}

// ToInternal converts a server position to the coordinates of the collision
// files. The conversion is its own inverse.
func ToInternal(p geom.Vector3) geom.Vector3 {
	return geom.Vector3{
		X: mapMid - p.X,
		Y: mapMid - p.Y,
		Z: p.Z,
	}
}

// LoadMap loads tile (tileX, tileY) of mapID, initializing the map on its
// first tile. Tiles of different maps load concurrently.
func (m *Manager) LoadMap(mapID, tileX, tileY uint32) maptree.LoadResult {
	for {
		entry, result := m.mapEntry(mapID)
		if entry == nil {
			return result
		}

		entry.mutex.Lock()
		if entry.dropped {
			// The map was unloaded while waiting for the lock.
			entry.mutex.Unlock()
			continue
		}
		result = entry.tree.LoadMapTile(tileX, tileY)
		entry.mutex.Unlock()
		return result
	}
}

// mapEntry returns the entry of mapID, creating and initializing it when
// the map is not loaded.
func (m *Manager) mapEntry(mapID uint32) (*mapEntry, maptree.LoadResult) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if entry, ok := m.maps[mapID]; ok {
		return entry, maptree.Success
	}

	tree := maptree.NewMapTree(mapID, m.basePath, m.cache)
	if result := tree.InitMap(maptree.MapFileName(mapID)); result != maptree.Success {
		return nil, result
	}

	entry := &mapEntry{tree: tree}
	m.maps[mapID] = entry
	loadedMaps.Set(float64(len(m.maps)))
	return entry, maptree.Success
}

// UnloadMapTile unloads a tile of mapID and drops the map once it has no
// loaded tile left.
func (m *Manager) UnloadMapTile(mapID, tileX, tileY uint32) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, ok := m.maps[mapID]
	if !ok {
		return
	}

	entry.mutex.Lock()
	defer entry.mutex.Unlock()

	entry.tree.UnloadMapTile(tileX, tileY)
	if entry.tree.NumLoadedTiles() == 0 {
		m.drop(mapID, entry)
	}
}

// UnloadMap releases every tile of mapID.
func (m *Manager) UnloadMap(mapID uint32) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, ok := m.maps[mapID]
	if !ok {
		return
	}

	entry.mutex.Lock()
	defer entry.mutex.Unlock()

	m.drop(mapID, entry)
}

// drop unloads the tree of entry and removes it from the registry. Both
// locks must be held.
func (m *Manager) drop(mapID uint32, entry *mapEntry) {
	entry.tree.UnloadMap()
	entry.dropped = true
	delete(m.maps, mapID)
	loadedMaps.Set(float64(len(m.maps)))
}

// UnloadAll releases every loaded map.
func (m *Manager) UnloadAll() {
	for _, s := range m.Stats().Maps {
		m.UnloadMap(s.MapID)
	}
}

// ExistsMap reports whether tile (tileX, tileY) of mapID could be loaded.
func (m *Manager) ExistsMap(mapID, tileX, tileY uint32) maptree.LoadResult {
	return maptree.CanLoadMap(m.basePath, mapID, tileX, tileY, m.cache)
}

// readTree runs fn with shared access to the tree of mapID. It returns false
// when the map is not loaded.
func (m *Manager) readTree(mapID uint32, fn func(*maptree.MapTree)) bool {
	m.mutex.RLock()
	entry, ok := m.maps[mapID]
	m.mutex.RUnlock()
	if !ok {
		return false
	}

	entry.mutex.RLock()
	defer entry.mutex.RUnlock()

	fn(entry.tree)
	return true
}

// query runs fn on the tree of mapID unless flag disables the query.
func (m *Manager) query(flag featureflag.Flag, query string, mapID uint32, fn func(*maptree.MapTree)) {
	m.features.IfNotSet(flag, func() {
		defer instrumentQuery(query, time.Now())
		m.readTree(mapID, fn)
	})
}

// IsInLineOfSight reports whether nothing blocks the segment between p1 and
// p2. Disabled or unknown maps never block.
func (m *Manager) IsInLineOfSight(mapID uint32, p1, p2 geom.Vector3, ignoreFlags models.IgnoreFlags) bool {
	visible := true
	m.query(featureflag.FlagDisableLineOfSight, queryLineOfSight, mapID, func(t *maptree.MapTree) {
		visible = t.IsInLineOfSight(ToInternal(p1), ToInternal(p2), ignoreFlags)
	})
	return visible
}

// GetObjectHitPos returns the first collision between p1 and p2 moved by
// pad along the segment, or p2 when there is none.
func (m *Manager) GetObjectHitPos(mapID uint32, p1, p2 geom.Vector3, pad float32) (geom.Vector3, bool) {
	hitPos, hit := p2, false
	m.query(featureflag.FlagDisableLineOfSight, queryHitPos, mapID, func(t *maptree.MapTree) {
		var pos geom.Vector3
		if pos, hit = t.GetObjectHitPos(ToInternal(p1), ToInternal(p2), pad); hit {
			hitPos = ToInternal(pos)
		}
	})
	return hitPos, hit
}

// GetHeight returns the height of the ground at most maxSearchDist below p,
// InvalidHeight when there is none.
func (m *Manager) GetHeight(mapID uint32, p geom.Vector3, maxSearchDist float32) float32 {
	height := InvalidHeight
	m.query(featureflag.FlagDisableHeight, queryHeight, mapID, func(t *maptree.MapTree) {
		if h, ok := t.GetHeight(ToInternal(p), maxSearchDist); ok && !math.IsInf(float64(h), 0) {
			height = h
		}
	})
	return height
}

// GetAreaInfo returns the world model attributes of the ground below p.
func (m *Manager) GetAreaInfo(mapID uint32, p geom.Vector3) (models.AreaInfo, bool) {
	info, found := models.NewAreaInfo(), false
	m.query(featureflag.FlagDisableAreaInfo, queryAreaInfo, mapID, func(t *maptree.MapTree) {
		info, found = t.GetAreaInfo(ToInternal(p))
	})
	return info, found
}

// GetLocationInfo returns the model instance the ground below p belongs to.
func (m *Manager) GetLocationInfo(mapID uint32, p geom.Vector3) (models.LocationInfo, bool) {
	info, found := models.NewLocationInfo(), false
	m.query(featureflag.FlagDisableAreaInfo, queryLocation, mapID, func(t *maptree.MapTree) {
		info, found = t.GetLocationInfo(ToInternal(p))
	})
	return info, found
}

// Stats returns the residency of every loaded map, ordered by map id.
func (m *Manager) Stats() Stats {
	m.mutex.RLock()
	entries := make(map[uint32]*mapEntry, len(m.maps))
	for id, e := range m.maps {
		entries[id] = e
	}
	m.mutex.RUnlock()

	stats := Stats{
		Maps:   make([]MapStats, 0, len(entries)),
		Models: m.cache.Len(),
	}
	for id, e := range entries {
		e.mutex.RLock()
		stats.Maps = append(stats.Maps, MapStats{
			MapID:          id,
			LoadedTiles:    e.tree.NumLoadedTiles(),
			ResidentSpawns: e.tree.NumResidentSpawns(),
		})
		e.mutex.RUnlock()
	}

	sort.Slice(stats.Maps, func(i, j int) bool {
		return stats.Maps[i].MapID < stats.Maps[j].MapID
	})
	return stats
}

// StartSummaryWorker logs the residency of the loaded maps every interval
// until ctx is done.
func (m *Manager) StartSummaryWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			m.logSummary()
		}
	}
}

func (m *Manager) logSummary() {
	stats := m.Stats()

	tiles := make(map[uint32]int, len(stats.Maps))
	spawns := make(map[uint32]int, len(stats.Maps))
	for _, s := range stats.Maps {
		tiles[s.MapID] = s.LoadedTiles
		spawns[s.MapID] = s.ResidentSpawns
	}

	logs.WithTag("maps", len(stats.Maps)).
		WithTag("models", stats.Models).
		WithTag("loaded_tiles", tiles).
		WithTag("resident_spawns", spawns).
		Info("collision residency summary")
}
