package modelcache

import (
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	errTypeLabel = "error_type"
)

var (
	modelFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vmap_model_files",
		Help: "The number of world model files held by the model cache.",
	})

	modelAcquires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vmap_model_acquires",
		Help: "The number of world model references handed out.",
	})

	modelReleases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vmap_model_releases",
		Help: "The number of world model references given back.",
	})

	modelLoadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vmap_model_load_errors",
		Help: "The errors that occured while loading a world model file.",
	}, []string{
		errTypeLabel,
	})

	modelLoadLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "vmap_model_load_latency",
		Help: "The time to load a world model file.",
	})
)

func instrumentModelLoad(start time.Time) {
	modelLoadLatency.Observe(time.Since(start).Seconds())
}

func instrumentModelLoadError(err error) {
	modelLoadErrors.
		With(prometheus.Labels{
			errTypeLabel: errors.Type(err),
		}).
		Inc()
}
