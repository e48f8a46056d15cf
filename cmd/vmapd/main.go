package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/aukilabs/vmap/featureflag"
	vmaphttp "github.com/aukilabs/vmap/http"
	"github.com/aukilabs/vmap/manager"
	"github.com/aukilabs/vmap/maptree"
	"github.com/aukilabs/vmap/modelcache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"golang.org/x/sync/errgroup"
)

var (
	// The vmapd version number. Set at build.
	version = "v0.1.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "vmap_info",
		Help:        "vmapd information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
)

// Keeps the config keys readable when the binary is obfuscated.
var _ = reflect.TypeOf(config{})

type config struct {
	AdminAddr          string        `cli:""        env:"VMAP_ADMIN_ADDR"            help:"Admin listening address."`
	Dir                string        `cli:""        env:"VMAP_DIR"                   help:"Directory holding the vmtree, vmtile and vmo files."`
	HierarchyFile      string        `cli:""        env:"VMAP_HIERARCHY_FILE"        help:"YAML file listing the parent map of each child map."`
	LogLevel           string        `cli:""        env:"VMAP_LOG_LEVEL"             help:"Log level (debug|info|warning|error)."`
	LogIndent          bool          `cli:""        env:"VMAP_LOG_INDENT"            help:"Indent logs."`
	LogSummaryInterval time.Duration `cli:",hidden" env:"VMAP_LOG_SUMMARY_INTERVAL"  help:"The duration between each residency log summary."`
	FeatureFlags       []string      `cli:",hidden" env:"VMAP_FEATURE_FLAGS"         help:"Comma separated feature flags"`
	Preload            []string      `cli:""        env:"VMAP_PRELOAD"               help:"Comma separated tiles to load at startup, as map:x:y."`
	Version            bool          `cli:""        env:"-"                          help:"Show version."`
	Help               bool          `cli:""        env:"-"                          help:"Show help."`
}

type preloadTile struct {
	mapID uint32
	x     uint32
	y     uint32
}

func main() {
	conf := config{
		AdminAddr:          ":18290",
		Dir:                "vmaps",
		LogLevel:           logs.InfoLevel.String(),
		LogSummaryInterval: time.Minute,
	}

	// set the information gauge to 1, useful for SUM query
	infoGauge.Set(1)

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Starts the vmap collision server.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}

	errors.Encoder = json.Marshal

	preload, err := parsePreload(conf.Preload)
	if err != nil {
		logs.Fatal(err)
	}

	var hierarchy *modelcache.Hierarchy
	if conf.HierarchyFile != "" {
		if hierarchy, err = modelcache.LoadHierarchyFile(conf.HierarchyFile); err != nil {
			logs.Fatal(errors.New("loading map hierarchy failed").Wrap(err))
		}
	}

	cache := modelcache.New(conf.Dir, modelcache.WithHierarchy(hierarchy))
	features := featureflag.New(conf.FeatureFlags)
	for _, flag := range []featureflag.Flag{
		featureflag.FlagDisableLineOfSight,
		featureflag.FlagDisableHeight,
		featureflag.FlagDisableAreaInfo,
	} {
		features.IfSet(flag, func() {
			logs.WithTag("flag", flag).Info("collision query disabled")
		})
	}

	mgr := manager.New(conf.Dir, cache, features)
	defer mgr.UnloadAll()

	go mgr.StartSummaryWorker(ctx, conf.LogSummaryInterval)

	var ready atomic.Bool
	go func() {
		if err := preloadTiles(ctx, mgr, preload); err != nil {
			logs.Warn(errors.New("preloading tiles interrupted").Wrap(err))
			return
		}
		ready.Store(true)
	}()

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", vmaphttp.HandleHealthCheck)
	admin.HandleFunc("/ready", vmaphttp.HandleReadyCheck(ready.Load))
	admin.HandleFunc("/version", vmaphttp.HandleVersion(version))
	admin.HandleFunc("/stats", vmaphttp.HandleStats(mgr))
	admin.HandleFunc("/query/", vmaphttp.HandleQuery(mgr))
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	admin.Handle("/debug/pprof/block", pprof.Handler("block"))

	logs.WithTag("version", version).
		WithTag("log_level", conf.LogLevel).
		WithTag("dir", conf.Dir).
		WithTag("hierarchy_file", conf.HierarchyFile).
		WithTag("preload", len(preload)).
		Info("starting vmap server")

	vmaphttp.ListenAndServe(ctx,
		&http.Server{Addr: conf.AdminAddr, Handler: metrics.HTTPHandler(&admin,
			vmaphttp.MetricsPathFormatter)},
	)
}

// parsePreload parses map:x:y tile references.
func parsePreload(tiles []string) ([]preloadTile, error) {
	res := make([]preloadTile, 0, len(tiles))
	for _, t := range tiles {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}

		parts := strings.Split(t, ":")
		if len(parts) != 3 {
			return nil, errors.New("invalid preload tile").
				WithTag("tile", t)
		}

		var values [3]uint32
		for i, p := range parts {
			v, err := strconv.ParseUint(p, 10, 32)
			if err != nil {
				return nil, errors.New("invalid preload tile").
					WithTag("tile", t).
					Wrap(err)
			}
			values[i] = uint32(v)
		}
		res = append(res, preloadTile{mapID: values[0], x: values[1], y: values[2]})
	}
	return res, nil
}

// preloadTiles loads the maps concurrently. Tiles of one map are loaded in
// order.
func preloadTiles(ctx context.Context, mgr *manager.Manager, tiles []preloadTile) error {
	byMap := make(map[uint32][]preloadTile)
	for _, t := range tiles {
		byMap[t.mapID] = append(byMap[t.mapID], t)
	}

	g, ctx := errgroup.WithContext(ctx)
	for mapID, tiles := range byMap {
		mapID, tiles := mapID, tiles
		g.Go(func() error {
			for _, t := range tiles {
				if err := ctx.Err(); err != nil {
					return err
				}

				if res := mgr.LoadMap(mapID, t.x, t.y); res != maptree.Success {
					logs.WithTag("map_id", mapID).
						WithTag("tile_x", t.x).
						WithTag("tile_y", t.y).
						WithTag("result", res.String()).
						Warn("preloading tile failed")
				}
			}
			return nil
		})
	}
	return g.Wait()
}
