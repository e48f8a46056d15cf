package manager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	queryLabel = "query"

	queryLineOfSight = "line_of_sight"
	queryHitPos      = "hit_pos"
	queryHeight      = "height"
	queryAreaInfo    = "area_info"
	queryLocation    = "location_info"
)

var (
	queryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "vmap_query_latency",
		Help: "The time to answer a collision query.",
	}, []string{
		queryLabel,
	})

	loadedMaps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vmap_maps",
		Help: "The number of maps with an initialized collision index.",
	})
)

func instrumentQuery(query string, start time.Time) {
	queryLatency.With(prometheus.Labels{
		queryLabel: query,
	}).Observe(time.Since(start).Seconds())
}
