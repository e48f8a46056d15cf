package http

import (
	"net/http"
	"path"
	"strconv"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/vmap/geom"
	"github.com/aukilabs/vmap/manager"
	"github.com/aukilabs/vmap/models"
	"github.com/segmentio/encoding/json"
)

const (
	ErrTypeInvalidQuery = "invalid_query"

	defaultMaxSearchDist = 50
)

// Querier answers collision queries in server coordinates.
type Querier interface {
	IsInLineOfSight(mapID uint32, p1, p2 geom.Vector3, ignoreFlags models.IgnoreFlags) bool
	GetObjectHitPos(mapID uint32, p1, p2 geom.Vector3, pad float32) (geom.Vector3, bool)
	GetHeight(mapID uint32, p geom.Vector3, maxSearchDist float32) float32
	GetAreaInfo(mapID uint32, p geom.Vector3) (models.AreaInfo, bool)
	Stats() manager.Stats
}

type position struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

type heightResponse struct {
	Found  bool    `json:"found"`
	Height float32 `json:"height"`
}

type lineOfSightResponse struct {
	Visible bool `json:"visible"`
}

type hitPosResponse struct {
	Hit      bool     `json:"hit"`
	Position position `json:"position"`
}

type areaResponse struct {
	Found   bool    `json:"found"`
	GroundZ float32 `json:"ground_z,omitempty"`
	Flags   uint32  `json:"flags,omitempty"`
	AdtID   int32   `json:"adt_id,omitempty"`
	RootID  int32   `json:"root_id,omitempty"`
	GroupID int32   `json:"group_id,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleStats writes the residency of the loaded maps.
func HandleStats(q Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, q.Stats())
	}
}

// HandleQuery serves /query/height, /query/los, /query/hitpos and
// /query/area. Positions are given as x, y, z and x2, y2, z2 query
// parameters.
func HandleQuery(q Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := queryParams{values: r.URL.Query()}
		mapID := params.uint("map")
		p1 := params.position("x", "y", "z")

		var response any
		switch path.Base(r.URL.Path) {
		case "height":
			maxSearchDist := params.floatDefault("max_dist", defaultMaxSearchDist)
			if params.err != nil {
				break
			}
			height := q.GetHeight(mapID, p1, maxSearchDist)
			response = heightResponse{
				Found:  height > manager.InvalidHeight,
				Height: height,
			}

		case "los":
			p2 := params.position("x2", "y2", "z2")
			ignoreFlags := models.IgnoreNothing
			if params.flag("ignore_m2") {
				ignoreFlags |= models.IgnoreM2
			}
			if params.err != nil {
				break
			}
			response = lineOfSightResponse{
				Visible: q.IsInLineOfSight(mapID, p1, p2, ignoreFlags),
			}

		case "hitpos":
			p2 := params.position("x2", "y2", "z2")
			pad := params.floatDefault("pad", 0)
			if params.err != nil {
				break
			}
			hitPos, hit := q.GetObjectHitPos(mapID, p1, p2, pad)
			response = hitPosResponse{
				Hit:      hit,
				Position: position{X: hitPos.X, Y: hitPos.Y, Z: hitPos.Z},
			}

		case "area":
			if params.err != nil {
				break
			}
			info, found := q.GetAreaInfo(mapID, p1)
			response = areaResponse{Found: found}
			if found {
				response = areaResponse{
					Found:   true,
					GroundZ: info.GroundZ,
					Flags:   info.Flags,
					AdtID:   info.AdtID,
					RootID:  info.RootID,
					GroupID: info.GroupID,
				}
			}

		default:
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown query"})
			return
		}

		if params.err != nil {
			logs.WithTag("path", r.URL.Path).Debug(params.err)
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: params.err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, response)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		logs.Warn(errors.New("encoding response failed").Wrap(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

// queryParams parses query parameters and keeps the first error.
type queryParams struct {
	values map[string][]string
	err    error
}

func (p *queryParams) get(key string) (string, bool) {
	v, ok := p.values[key]
	if !ok || len(v) == 0 || v[0] == "" {
		return "", false
	}
	return v[0], true
}

func (p *queryParams) fail(key string, err error) {
	if p.err != nil {
		return
	}
	p.err = errors.New("invalid query parameter").
		WithType(ErrTypeInvalidQuery).
		WithTag("param", key).
		Wrap(err)
}

func (p *queryParams) uint(key string) uint32 {
	s, ok := p.get(key)
	if !ok {
		p.fail(key, errors.New("missing value"))
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		p.fail(key, err)
	}
	return uint32(v)
}

func (p *queryParams) float(key string) float32 {
	s, ok := p.get(key)
	if !ok {
		p.fail(key, errors.New("missing value"))
		return 0
	}
	return p.parseFloat32(key, s)
}

func (p *queryParams) floatDefault(key string, def float32) float32 {
	s, ok := p.get(key)
	if !ok {
		return def
	}
	return p.parseFloat32(key, s)
}

func (p *queryParams) parseFloat32(key, s string) float32 {
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		p.fail(key, err)
	}
	return float32(v)
}

func (p *queryParams) flag(key string) bool {
	s, ok := p.get(key)
	if !ok {
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		p.fail(key, err)
	}
	return v
}

func (p *queryParams) position(x, y, z string) geom.Vector3 {
	return geom.Vector3{
		X: p.float(x),
		Y: p.float(y),
		Z: p.float(z),
	}
}
