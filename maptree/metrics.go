package maptree

import (
	"strconv"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	mapIDLabel   = "map_id"
	resultLabel  = "result"
	errTypeLabel = "error_type"
)

var (
	tileLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vmap_tile_loads",
		Help: "The number of tile loads by result.",
	}, []string{
		mapIDLabel,
		resultLabel,
	})

	tileUnloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vmap_tile_unloads",
		Help: "The number of tile unloads.",
	}, []string{
		mapIDLabel,
	})

	loadedTiles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vmap_loaded_tiles",
		Help: "The number of loaded tiles.",
	}, []string{
		mapIDLabel,
	})

	residentSpawns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vmap_resident_spawns",
		Help: "The number of model instances referenced by at least one loaded tile.",
	}, []string{
		mapIDLabel,
	})

	unbalancedUnloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vmap_unbalanced_unloads",
		Help: "The unloads that did not match a previous load.",
	}, []string{
		mapIDLabel,
		errTypeLabel,
	})
)

func mapLabel(mapID uint32) string {
	return strconv.FormatUint(uint64(mapID), 10)
}

func instrumentTileLoad(mapID uint32, result LoadResult) {
	tileLoads.With(prometheus.Labels{
		mapIDLabel:  mapLabel(mapID),
		resultLabel: result.String(),
	}).Inc()
}

func instrumentTileUnload(mapID uint32) {
	tileUnloads.With(prometheus.Labels{
		mapIDLabel: mapLabel(mapID),
	}).Inc()
}

func instrumentResidency(mapID uint32, tiles, spawns int) {
	labels := prometheus.Labels{
		mapIDLabel: mapLabel(mapID),
	}
	loadedTiles.With(labels).Set(float64(tiles))
	residentSpawns.With(labels).Set(float64(spawns))
}

func instrumentUnbalancedUnload(mapID uint32, err error) {
	unbalancedUnloads.
		With(prometheus.Labels{
			mapIDLabel:   mapLabel(mapID),
			errTypeLabel: errors.Type(err),
		}).
		Inc()
}
