package timeseries

import (
	"encoding/json"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/veda-ui/veda-analysis/internal/raster"
)

type Status string

const (
	StatusLoading   Status = "loading"
	StatusSucceeded Status = "succeeded"
	StatusErrored   Status = "errored"
)

// Layer is the dataset descriptor owned by the calling application.
type Layer struct {
	ID              string            `json:"id"`
	Name            string            `json:"name,omitempty"`
	StacCol         string            `json:"stacCol"`
	StacAPIEndpoint string            `json:"stacApiEndpoint,omitempty"`
	TileAPIEndpoint string            `json:"tileApiEndpoint,omitempty"`
	AssetKey        string            `json:"assetKey,omitempty"`
	SourceParams    map[string]string `json:"sourceParams,omitempty"`
}

// Params is one analysis batch. AOI is read, never modified.
type Params struct {
	Start  time.Time
	End    time.Time
	AOI    *geojson.FeatureCollection
	Layers []Layer
}

// Meta counts assets for a loading layer; nil means not known yet.
type Meta struct {
	Total  *int `json:"total"`
	Loaded *int `json:"loaded"`
}

// DataUnit is the statistics of one matched asset.
type DataUnit struct {
	Date string `json:"date"`
	raster.Statistics
}

type Result struct {
	IsPeriodic  bool       `json:"isPeriodic"`
	TimeDensity string     `json:"timeDensity"`
	Domain      []string   `json:"domain"`
	Timeseries  []DataUnit `json:"timeseries"`
}

// Data is a snapshot of one layer's state. A new value is published on every
// transition; Result is set only when succeeded and Err only when errored.
type Data struct {
	Status Status
	Layer  Layer
	Meta   Meta
	Result *Result
	Err    error
}

func (d Data) MarshalJSON() ([]byte, error) {
	type wire struct {
		Status Status  `json:"status"`
		Layer  Layer   `json:"layer"`
		Meta   Meta    `json:"meta"`
		Data   *Result `json:"data"`
		Error  *string `json:"error"`
	}
	w := wire{Status: d.Status, Layer: d.Layer, Meta: d.Meta, Data: d.Result}
	if d.Err != nil {
		msg := d.Err.Error()
		w.Error = &msg
	}
	return json.Marshal(w)
}

type EventKind uint8

const (
	// EventData carries a layer's Data on every state transition.
	EventData EventKind = iota + 1
	// EventDone fires once every layer reached a terminal state.
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is delivered to handlers. Index is the layer's position in
// Params.Layers; it is -1 for EventDone.
type Event struct {
	Index int
	Data  Data
}

func intPtr(n int) *int { return &n }
