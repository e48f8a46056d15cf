// Package modelcache shares world model geometry between the model instances
// of every loaded map.
package modelcache

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/vmap/models"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

const (
	ErrTypeMissingModel = "missing_model"
	ErrTypeUnknownModel = "unknown_model"

	defaultShardCount = 16
)

// Loader reads the world model stored under name.
type Loader func(name string) (*models.WorldModel, error)

// Option configures a Cache.
type Option func(*Cache)

// WithLoader replaces the file loader.
func WithLoader(l Loader) Option {
	return func(c *Cache) {
		c.loader = l
	}
}

// WithHierarchy sets the map hierarchy used to resolve parent maps.
func WithHierarchy(h *Hierarchy) Option {
	return func(c *Cache) {
		c.hierarchy = h
	}
}

func WithShardCount(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.shardCount = n
		}
	}
}

// Cache is a reference counted world model store, safe for concurrent use.
// A model file is loaded on its first acquisition and dropped when its last
// reference is released.
type Cache struct {
	basePath   string
	loader     Loader
	hierarchy  *Hierarchy
	shardCount int
	shards     []*shard
	loads      singleflight.Group
}

type shard struct {
	mutex  sync.Mutex
	models map[string]*entry
}

type entry struct {
	model *models.WorldModel
	refs  int
}

// New returns a cache loading .vmo files from basePath.
func New(basePath string, options ...Option) *Cache {
	c := &Cache{
		basePath:   basePath,
		shardCount: defaultShardCount,
	}
	c.loader = c.loadFile

	for _, o := range options {
		o(c)
	}

	c.shards = make([]*shard, c.shardCount)
	for i := range c.shards {
		c.shards[i] = &shard{models: make(map[string]*entry)}
	}
	return c
}

func (c *Cache) shard(name string) *shard {
	return c.shards[xxhash.Sum64String(name)%uint64(len(c.shards))]
}

func (c *Cache) loadFile(name string) (*models.WorldModel, error) {
	return models.ReadWorldModelFile(filepath.Join(c.basePath, name))
}

// AcquireModelInstance returns the geometry stored under name and takes a
// reference on it. It returns nil when the model cannot be loaded. Flags are
// applied when the model enters the cache.
func (c *Cache) AcquireModelInstance(name string, flags models.ModelFlags) *models.WorldModel {
	sh := c.shard(name)

	sh.mutex.Lock()
	if e, ok := sh.models[name]; ok {
		e.refs++
		sh.mutex.Unlock()
		modelAcquires.Inc()
		return e.model
	}
	sh.mutex.Unlock()

	v, err, _ := c.loads.Do(name, func() (any, error) {
		start := time.Now()
		defer instrumentModelLoad(start)

		m, err := c.loader(name)
		if err != nil {
			return nil, errors.New("loading world model failed").
				WithType(ErrTypeMissingModel).
				WithTag("model", name).
				Wrap(err)
		}
		return m, nil
	})
	if err != nil {
		instrumentModelLoadError(err)
		logs.Warn(err)
		return nil
	}
	model := v.(*models.WorldModel)

	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	// Another caller sharing the load may have registered it first.
	if e, ok := sh.models[name]; ok {
		e.refs++
		modelAcquires.Inc()
		return e.model
	}

	model.Flags = flags
	sh.models[name] = &entry{model: model, refs: 1}
	modelFiles.Inc()
	modelAcquires.Inc()

	logs.WithTag("model", name).
		WithTag("flags", flags).
		Debug("world model loaded")
	return model
}

// ReleaseModelInstance gives back a reference taken by AcquireModelInstance.
func (c *Cache) ReleaseModelInstance(name string) {
	sh := c.shard(name)

	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	e, ok := sh.models[name]
	if !ok {
		logs.Error(errors.New("releasing a model that is not loaded").
			WithType(ErrTypeUnknownModel).
			WithTag("model", name))
		return
	}

	modelReleases.Inc()
	e.refs--
	if e.refs > 0 {
		return
	}

	delete(sh.models, name)
	modelFiles.Dec()
	logs.WithTag("model", name).Debug("world model unloaded")
}

// ParentMapID returns the map whose tiles mapID falls back to.
func (c *Cache) ParentMapID(mapID uint32) (uint32, bool) {
	return c.hierarchy.ParentMapID(mapID)
}

// RefCount returns the number of references held on name.
func (c *Cache) RefCount(name string) int {
	sh := c.shard(name)

	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	if e, ok := sh.models[name]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of models in the cache.
func (c *Cache) Len() int {
	n := 0
	for _, sh := range c.shards {
		sh.mutex.Lock()
		n += len(sh.models)
		sh.mutex.Unlock()
	}
	return n
}
