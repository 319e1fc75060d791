// Package timeseries turns an area of interest, a date range and a set of
// dataset layers into a live per-layer stream of aggregated raster statistics.
package timeseries

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/veda-ui/veda-analysis/internal/aoi"
	"github.com/veda-ui/veda-analysis/internal/cache/requestcache"
	"github.com/veda-ui/veda-analysis/internal/concurrency"
	"github.com/veda-ui/veda-analysis/internal/core/httpclient"
	"github.com/veda-ui/veda-analysis/internal/events"
	"github.com/veda-ui/veda-analysis/internal/logger"
)

const (
	DefaultMaxQueryNum = 300
	DefaultSearchLimit = 10000
	DefaultAssetKey    = "cog_default"
)

type Options struct {
	Logger *slog.Logger
	// HTTP performs upstream calls; required.
	HTTP httpclient.Doer
	// Cache deduplicates calls across layers and batches. Nil disables it.
	Cache *requestcache.Cache
	// MaxConcurrent caps in-flight upstream calls per batch, across all layers.
	MaxConcurrent int
	// MaxQueryNum is the most assets a single layer may fan out to.
	MaxQueryNum     int
	SearchLimit     int
	DefaultAssetKey string
	STACEndpoint    string
	RasterEndpoint  string
}

type Orchestrator struct {
	log            *slog.Logger
	http           httpclient.Doer
	cache          *requestcache.Cache
	maxConcurrent  int
	maxQueryNum    int
	searchLimit    int
	assetKey       string
	stacEndpoint   string
	rasterEndpoint string
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTP == nil {
		opts.HTTP = httpclient.New(nil, httpclient.Options{Logger: opts.Logger})
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = concurrency.DefaultMaxConcurrent
	}
	if opts.MaxQueryNum < 1 {
		opts.MaxQueryNum = DefaultMaxQueryNum
	}
	if opts.SearchLimit < 1 {
		opts.SearchLimit = DefaultSearchLimit
	}
	if opts.DefaultAssetKey == "" {
		opts.DefaultAssetKey = DefaultAssetKey
	}
	return &Orchestrator{
		log:            opts.Logger,
		http:           opts.HTTP,
		cache:          opts.Cache,
		maxConcurrent:  opts.MaxConcurrent,
		maxQueryNum:    opts.MaxQueryNum,
		searchLimit:    opts.SearchLimit,
		assetKey:       opts.DefaultAssetKey,
		stacEndpoint:   strings.TrimRight(opts.STACEndpoint, "/"),
		rasterEndpoint: strings.TrimRight(opts.RasterEndpoint, "/"),
	}
}

// Request validates p and returns a handle for the batch. Nothing is fetched
// until Start is called, so handlers registered in between see every event.
// Cancelling ctx cancels the batch.
func (o *Orchestrator) Request(ctx context.Context, p Params) (*Handle, error) {
	if p.Start.IsZero() || p.End.IsZero() {
		return nil, invalid("start and end dates are required")
	}
	if p.End.Before(p.Start) {
		return nil, invalid("start %s is after end %s", p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"))
	}
	feature, err := aoi.Combine(p.AOI)
	if err != nil {
		return nil, invalid("area of interest: %v", err)
	}
	if len(p.Layers) == 0 {
		return nil, invalid("at least one layer is required")
	}

	layers := make([]Layer, len(p.Layers))
	for i, l := range p.Layers {
		if strings.TrimSpace(l.ID) == "" {
			return nil, invalid("layer %d has no id", i)
		}
		if strings.TrimSpace(l.StacCol) == "" {
			return nil, invalid("layer %q has no stac collection", l.ID)
		}
		if l.StacAPIEndpoint == "" && o.stacEndpoint == "" {
			return nil, invalid("layer %q has no stac endpoint", l.ID)
		}
		if l.TileAPIEndpoint == "" && o.rasterEndpoint == "" {
			return nil, invalid("layer %q has no raster endpoint", l.ID)
		}
		if l.AssetKey == "" {
			l.AssetKey = o.assetKey
		}
		layers[i] = l
	}

	id := uuid.NewString()
	hctx, cancel := context.WithCancel(logger.WithRequestID(ctx, id))
	h := &Handle{
		id:      id,
		orc:     o,
		start:   p.Start,
		end:     p.End,
		feature: feature,
		layers:  layers,
		mgr:     concurrency.New(o.maxConcurrent),
		emitter: events.New[EventKind, Event](o.log),
		ctx:     hctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	h.doer = o.batchDoer(h.mgr)
	o.log.DebugContext(hctx, "analysis batch created",
		"layers", len(layers), "aoi_bbox", aoi.BBoxString(aoi.Bound(p.AOI)))
	return h, nil
}

// batchDoer routes calls through the shared cache first and the batch's
// concurrency manager second, so cache hits never take a slot.
func (o *Orchestrator) batchDoer(mgr *concurrency.Manager) httpclient.Doer {
	limited := httpclient.DoerFunc(func(ctx context.Context, r httpclient.Request) ([]byte, error) {
		return concurrency.Do(ctx, mgr, func(ctx context.Context) ([]byte, error) {
			return o.http.Do(ctx, r)
		})
	})
	if o.cache == nil {
		return limited
	}
	return httpclient.DoerFunc(func(ctx context.Context, r httpclient.Request) ([]byte, error) {
		return o.cache.Request(ctx, r.Key(), func(ctx context.Context) ([]byte, error) {
			return limited.Do(ctx, r)
		})
	})
}

func (o *Orchestrator) endpoints(l Layer) (stacEP, tileEP string) {
	stacEP, tileEP = o.stacEndpoint, o.rasterEndpoint
	if l.StacAPIEndpoint != "" {
		stacEP = strings.TrimRight(l.StacAPIEndpoint, "/")
	}
	if l.TileAPIEndpoint != "" {
		tileEP = strings.TrimRight(l.TileAPIEndpoint, "/")
	}
	return stacEP, tileEP
}
