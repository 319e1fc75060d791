package timeseries

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	"github.com/veda-ui/veda-analysis/internal/cache/requestcache"
	"github.com/veda-ui/veda-analysis/internal/concurrency"
	"github.com/veda-ui/veda-analysis/internal/core/httpclient"
	"github.com/veda-ui/veda-analysis/internal/core/observability"
	"github.com/veda-ui/veda-analysis/internal/events"
	"github.com/veda-ui/veda-analysis/internal/logger"
	"github.com/veda-ui/veda-analysis/internal/raster"
	"github.com/veda-ui/veda-analysis/internal/stac"
)

// Handle is one running analysis batch.
type Handle struct {
	id      string
	orc     *Orchestrator
	start   time.Time
	end     time.Time
	feature *geojson.Feature
	layers  []Layer
	mgr     *concurrency.Manager
	doer    httpclient.Doer
	emitter *events.Emitter[EventKind, Event]

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool

	// serializes publication so per-layer events stay ordered
	emitMu sync.Mutex

	startOnce sync.Once
	wg        sync.WaitGroup
	done      chan struct{}
}

type layerState struct {
	index  int
	layer  Layer
	total  int
	loaded int
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Layers() []Layer { return h.layers }

func (h *Handle) On(kind EventKind, fn func(Event)) { h.emitter.On(kind, fn) }

// Off removes every handler registered for kind.
func (h *Handle) Off(kind EventKind) { h.emitter.Off(kind) }

// Done is closed once every layer pipeline has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancelled reports whether the batch was cancelled by Cancel or its context.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load() || h.ctx.Err() != nil
}

// Cancel stops the batch: queued upstream calls are dropped, in-flight ones
// are aborted, and no event starts being delivered afterwards.
func (h *Handle) Cancel() {
	if h.cancelled.Swap(true) {
		return
	}
	h.cancel()
	h.mgr.Clear()
}

// Start launches one pipeline per layer. Calling it again has no effect.
func (h *Handle) Start() {
	h.startOnce.Do(func() {
		stop := context.AfterFunc(h.ctx, func() {
			h.cancelled.Store(true)
			h.mgr.Clear()
		})

		for i, l := range h.layers {
			h.publish(i, Data{Status: StatusLoading, Layer: l})
		}
		for i, l := range h.layers {
			h.wg.Add(1)
			go h.runLayer(&layerState{index: i, layer: l})
		}

		go func() {
			h.wg.Wait()
			stop()
			if !h.Cancelled() {
				h.emitMu.Lock()
				h.emitter.Emit(EventDone, Event{Index: -1})
				h.emitMu.Unlock()
			}
			h.cancel()
			close(h.done)
		}()
	})
}

func (h *Handle) publish(index int, d Data) bool {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	return h.publishLocked(index, d)
}

func (h *Handle) publishLocked(index int, d Data) bool {
	if h.Cancelled() {
		return false
	}
	h.emitter.Emit(EventData, Event{Index: index, Data: d})
	return true
}

// counts one settled asset and publishes the new progress
func (h *Handle) progress(st *layerState) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	st.loaded++
	h.publishLocked(st.index, Data{
		Status: StatusLoading,
		Layer:  st.layer,
		Meta:   Meta{Total: intPtr(st.total), Loaded: intPtr(st.loaded)},
	})
}

func (h *Handle) runLayer(st *layerState) {
	defer h.wg.Done()
	ctx := logger.WithLayer(h.ctx, st.layer.ID)
	// cached responses are dropped when the collection changes upstream
	ctx = requestcache.WithTags(ctx, st.layer.StacCol)
	log := h.orc.log
	began := time.Now()

	res, err := h.pipeline(ctx, st)
	switch {
	case h.Cancelled():
		observability.IncLayerOutcome("cancelled")
		log.DebugContext(ctx, "layer pipeline cancelled", "err", err)
	case err != nil:
		observability.IncLayerOutcome("errored")
		log.WarnContext(ctx, "layer pipeline failed", "err", err, "dur", time.Since(began))
		h.publish(st.index, Data{
			Status: StatusErrored,
			Layer:  st.layer,
			Meta:   h.meta(st),
			Err:    err,
		})
	default:
		observability.IncLayerOutcome("succeeded")
		log.InfoContext(ctx, "layer pipeline succeeded",
			"assets", st.total, "dur", time.Since(began))
		h.publish(st.index, Data{
			Status: StatusSucceeded,
			Layer:  st.layer,
			Meta:   Meta{Total: intPtr(st.total), Loaded: intPtr(st.total)},
			Result: res,
		})
	}
}

func (h *Handle) meta(st *layerState) Meta {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	if st.total == 0 && st.loaded == 0 {
		return Meta{}
	}
	return Meta{Total: intPtr(st.total), Loaded: intPtr(st.loaded)}
}

func (h *Handle) pipeline(ctx context.Context, st *layerState) (*Result, error) {
	l := st.layer
	stacEP, tileEP := h.orc.endpoints(l)

	col, err := stac.FetchCollection(ctx, h.doer, stacEP, l.StacCol)
	if err != nil {
		return nil, err
	}

	assets, err := stac.SearchAssets(ctx, h.doer, stacEP, stac.SearchParams{
		Collection: l.StacCol,
		Start:      h.start,
		End:        h.end,
		Geometry:   h.feature.Geometry,
		AssetKey:   l.AssetKey,
		Limit:      h.orc.searchLimit,
	})
	if err != nil {
		return nil, err
	}
	observability.ObserveLayerAssets(len(assets))
	if len(assets) > h.orc.maxQueryNum {
		return nil, &QuotaError{Limit: h.orc.maxQueryNum, Count: len(assets)}
	}

	h.emitMu.Lock()
	st.total = len(assets)
	h.publishLocked(st.index, Data{
		Status: StatusLoading,
		Layer:  l,
		Meta:   Meta{Total: intPtr(st.total), Loaded: intPtr(0)},
	})
	h.emitMu.Unlock()

	units := make([]DataUnit, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range assets {
		g.Go(func() error {
			s, err := raster.FetchStatistics(gctx, h.doer, tileEP, a.URL, h.feature, l.SourceParams)
			if err != nil {
				return &AssetError{Index: i, Date: a.Date, URL: a.URL, Err: err}
			}
			units[i] = DataUnit{Date: a.Date, Statistics: s}
			h.progress(st)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, firstCause(err)
	}

	return &Result{
		IsPeriodic:  col.IsPeriodic,
		TimeDensity: col.TimeDensity,
		Domain:      col.Domain,
		Timeseries:  units,
	}, nil
}

// keeps the asset context but drops the wait wrapper added by the manager
func firstCause(err error) error {
	var ae *AssetError
	if errors.As(err, &ae) {
		return ae
	}
	return fmt.Errorf("statistics: %w", err)
}
