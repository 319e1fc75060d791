package timeseries

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/veda-ui/veda-analysis/internal/core/httpclient"
)

// fakeUpstream serves a STAC API and a raster statistics API from one server.
type fakeUpstream struct {
	srv *httptest.Server

	// collection id -> number of matching items
	items map[string]int
	// statistics calls whose asset url contains this substring answer 500
	failAsset string
	// band key used in statistics responses, "b1" when empty
	bandKey string
	// statistics handlers wait on block when set, limited to asset urls
	// containing blockAsset when that is set too
	block      chan struct{}
	blockAsset string
	delay      time.Duration

	collectionCalls atomic.Int64
	searchCalls     atomic.Int64
	statsCalls      atomic.Int64

	mu      sync.Mutex
	running int
	peak    int
}

func newFakeUpstream(t *testing.T, items map[string]int) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{items: items}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/{id}", f.collection)
	mux.HandleFunc("POST /search", f.search)
	mux.HandleFunc("POST /cog/statistics", f.statistics)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) URL() string { return f.srv.URL }

func (f *fakeUpstream) collection(w http.ResponseWriter, r *http.Request) {
	f.collectionCalls.Add(1)
	id := r.PathValue("id")
	if _, ok := f.items[id]; !ok {
		http.Error(w, `{"detail":"collection not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"id":                     id,
		"dashboard:is_periodic":  true,
		"dashboard:time_density": "day",
		"summaries": map[string]any{
			"datetime": []string{"2024-01-01T00:00:00Z", "2024-01-31T00:00:00Z"},
		},
	})
}

func (f *fakeUpstream) search(w http.ResponseWriter, r *http.Request) {
	f.searchCalls.Add(1)
	var body struct {
		Filter struct {
			Args []struct {
				Op   string            `json:"op"`
				Args []json.RawMessage `json:"args"`
			} `json:"args"`
		} `json:"filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Filter.Args) != 3 {
		http.Error(w, "bad filter", http.StatusBadRequest)
		return
	}
	var col string
	if err := json.Unmarshal(body.Filter.Args[2].Args[1], &col); err != nil {
		http.Error(w, "bad collection predicate", http.StatusBadRequest)
		return
	}

	n := f.items[col]
	features := make([]map[string]any, 0, n)
	for i := range n {
		features = append(features, map[string]any{
			"id": fmt.Sprintf("%s-%d", col, i),
			"properties": map[string]any{
				"start_datetime": fmt.Sprintf("2024-01-%02dT00:00:00Z", i%28+1),
			},
			"assets": map[string]any{
				"cog_default": map[string]any{"href": fmt.Sprintf("s3://veda/%s/%d.tif", col, i)},
			},
		})
	}
	writeJSON(w, map[string]any{"type": "FeatureCollection", "features": features})
}

func (f *fakeUpstream) statistics(w http.ResponseWriter, r *http.Request) {
	f.statsCalls.Add(1)
	f.mu.Lock()
	f.running++
	f.peak = max(f.peak, f.running)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	asset := r.URL.Query().Get("url")
	if f.block != nil && (f.blockAsset == "" || strings.Contains(asset, f.blockAsset)) {
		select {
		case <-f.block:
		case <-r.Context().Done():
			return
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	if f.failAsset != "" && strings.Contains(asset, f.failAsset) {
		http.Error(w, "cog read failed", http.StatusInternalServerError)
		return
	}
	var idx int
	_, _ = fmt.Sscanf(asset[strings.LastIndex(asset, "/")+1:], "%d.tif", &idx)

	band := f.bandKey
	if band == "" {
		band = "b1"
	}
	writeJSON(w, map[string]any{
		"type": "Feature",
		"properties": map[string]any{
			"statistics": map[string]any{
				band: map[string]any{
					"min": 0, "max": 10, "mean": float64(idx), "count": 4, "sum": 4 * float64(idx),
					"std": 1, "median": float64(idx), "valid_percent": 100,
					"histogram": [][]float64{{1, 3}, {0, 10}},
				},
			},
		},
	})
}

func (f *fakeUpstream) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(f *fakeUpstream, opts Options) *Orchestrator {
	opts.Logger = quietLogger()
	opts.HTTP = httpclient.New(nil, httpclient.Options{Logger: opts.Logger})
	if f != nil {
		opts.STACEndpoint = f.URL()
		opts.RasterEndpoint = f.URL()
	}
	return New(opts)
}

func testAOI() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Polygon{{{-77, 38}, {-76, 38}, {-76, 39}, {-77, 39}, {-77, 38}}}))
	return fc
}

func testParams(layers ...Layer) Params {
	return Params{
		Start:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		AOI:    testAOI(),
		Layers: layers,
	}
}

// recorder collects every event a handle publishes.
type recorder struct {
	mu     sync.Mutex
	events []Event
	dones  int
}

func record(h *Handle) *recorder {
	rec := &recorder{}
	h.On(EventData, func(e Event) {
		rec.mu.Lock()
		rec.events = append(rec.events, e)
		rec.mu.Unlock()
	})
	h.On(EventDone, func(Event) {
		rec.mu.Lock()
		rec.dones++
		rec.mu.Unlock()
	})
	return rec
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) forLayer(index int) []Data {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Data
	for _, e := range r.events {
		if e.Index == index {
			out = append(out, e.Data)
		}
	}
	return out
}

func (r *recorder) last(index int) Data {
	ds := r.forLayer(index)
	if len(ds) == 0 {
		return Data{}
	}
	return ds[len(ds)-1]
}

func waitHandle(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("batch %s did not finish", h.ID())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func metaValues(m Meta) (total, loaded int, known bool) {
	if m.Total == nil || m.Loaded == nil {
		return 0, 0, false
	}
	return *m.Total, *m.Loaded, true
}
