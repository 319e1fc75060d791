package stac

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// FilterLang is the only filter language the search endpoint is spoken in.
const FilterLang = "cql2-json"

// Expr is a CQL2-JSON expression node.
type Expr struct {
	Op   string `json:"op"`
	Args []any  `json:"args"`
}

type property struct {
	Property string `json:"property"`
}

type interval struct {
	Interval [2]string `json:"interval"`
}

// StartOfDay and EndOfDay normalize to UTC day boundaries.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).Add(24*time.Hour - time.Millisecond)
}

// FormatTime renders t the way STAC APIs echo datetimes: UTC, millisecond
// precision, Z suffix.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// FilterPayload ANDs a temporal, a spatial and a collection predicate. The
// spatial predicate needs one geometry, so callers pass the combined AOI.
func FilterPayload(start, end time.Time, geom orb.Geometry, collections []string) Expr {
	temporal := Expr{
		Op: "t_intersects",
		Args: []any{
			property{Property: "datetime"},
			interval{Interval: [2]string{FormatTime(StartOfDay(start)), FormatTime(EndOfDay(end))}},
		},
	}
	spatial := Expr{
		Op:   "s_intersects",
		Args: []any{property{Property: "geometry"}, geojson.NewGeometry(geom)},
	}
	return Expr{Op: "and", Args: []any{temporal, spatial, collectionExpr(collections)}}
}

func collectionExpr(collections []string) Expr {
	if len(collections) == 1 {
		return Expr{Op: "eq", Args: []any{property{Property: "collection"}, collections[0]}}
	}
	return Expr{Op: "in", Args: []any{property{Property: "collection"}, collections}}
}

type Fields struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// SearchBody is the POST /search payload.
type SearchBody struct {
	FilterLang string `json:"filter-lang"`
	Filter     Expr   `json:"filter"`
	Limit      int    `json:"limit"`
	Fields     Fields `json:"fields"`
}

func NewSearchBody(filter Expr, limit int) SearchBody {
	return SearchBody{
		FilterLang: FilterLang,
		Filter:     filter,
		Limit:      limit,
		// heavy fields are dropped, assets and properties are kept
		Fields: Fields{
			Include: []string{"bbox"},
			Exclude: []string{"collection", "links", "geometry"},
		},
	}
}
