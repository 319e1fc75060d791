package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/veda-ui/veda-analysis/internal/aoi"
	"github.com/veda-ui/veda-analysis/internal/core/config"
	"github.com/veda-ui/veda-analysis/internal/core/observability"
	"github.com/veda-ui/veda-analysis/internal/timeseries"
)

const (
	route       = "/timeseries"
	maxBodySize = 8 << 20
)

// Requester starts analysis batches.
type Requester interface {
	Request(ctx context.Context, p timeseries.Params) (*timeseries.Handle, error)
}

// BatchObserver is attached to every batch before it starts.
type BatchObserver interface {
	Attach(h *timeseries.Handle)
}

// request body of POST /timeseries
type timeseriesRequest struct {
	Start  string             `json:"start"`
	End    string             `json:"end"`
	AOI    json.RawMessage    `json:"aoi"`
	Layers []timeseries.Layer `json:"layers"`
}

// StreamLine is one NDJSON line of the response stream.
type StreamLine struct {
	Type  string           `json:"type"`
	Batch string           `json:"batch,omitempty"`
	Index *int             `json:"index,omitempty"`
	Data  *timeseries.Data `json:"data,omitempty"`
}

// HandleTimeseries validates the body, starts the batch and streams every
// layer transition as NDJSON until the batch finishes or the client leaves.
func HandleTimeseries(logger *slog.Logger, cfg config.Config, req Requester, observers ...BatchObserver) http.HandlerFunc {
	buf := cfg.StreamBufferSize
	if buf <= 0 {
		buf = 64
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
		}()

		p, err := ParseTimeseriesRequest(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			writeError(sw, http.StatusBadRequest, err)
			return
		}

		h, err := req.Request(r.Context(), p)
		if errors.Is(err, timeseries.ErrInvalidRequest) {
			writeError(sw, http.StatusBadRequest, err)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "timeseries request failed", "err", err)
			writeError(sw, http.StatusInternalServerError, err)
			return
		}

		lines := newLineQueue(buf)
		h.On(timeseries.EventData, func(e timeseries.Event) {
			i, d := e.Index, e.Data
			lines.push(StreamLine{Type: "data", Index: &i, Data: &d})
		})
		h.On(timeseries.EventDone, func(timeseries.Event) {
			lines.push(StreamLine{Type: "done", Batch: h.ID()})
		})
		for _, o := range observers {
			o.Attach(h)
		}

		rc := http.NewResponseController(sw)
		// batches outlive the server write timeout
		_ = rc.SetWriteDeadline(time.Time{})
		sw.Header().Set("Content-Type", "application/x-ndjson")
		sw.Header().Set("X-Analysis-Batch", h.ID())
		sw.WriteHeader(http.StatusOK)

		h.Start()
		stream(r.Context(), sw, rc, lines, h)

		if r.Context().Err() != nil {
			logger.DebugContext(r.Context(), "client left, batch cancelled", "batch", h.ID())
		}
	}
}

// lineQueue hands lines from event handlers to the writer. Handlers run under
// the batch's emit lock, so push must never wait on the client. A batch
// publishes a bounded number of events, which bounds the queue.
type lineQueue struct {
	mu     sync.Mutex
	items  []StreamLine
	notify chan struct{}
}

func newLineQueue(capacity int) *lineQueue {
	return &lineQueue{items: make([]StreamLine, 0, capacity), notify: make(chan struct{}, 1)}
}

func (q *lineQueue) push(l StreamLine) {
	q.mu.Lock()
	q.items = append(q.items, l)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// take returns every queued line in push order
func (q *lineQueue) take() []StreamLine {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func stream(ctx context.Context, w io.Writer, rc *http.ResponseController, lines *lineQueue, h *timeseries.Handle) {
	enc := json.NewEncoder(w)
	flush := func() bool {
		batch := lines.take()
		for _, l := range batch {
			if err := enc.Encode(l); err != nil {
				h.Cancel()
				return false
			}
		}
		if len(batch) > 0 {
			_ = rc.Flush()
		}
		return true
	}
	for {
		select {
		case <-lines.notify:
			if !flush() {
				return
			}
		case <-h.Done():
			// every handler returned before Done closed
			flush()
			return
		case <-ctx.Done():
			h.Cancel()
			return
		}
	}
}

// ParseTimeseriesRequest decodes and checks the shape of a POST /timeseries
// body. Semantic checks are left to the orchestrator.
func ParseTimeseriesRequest(body io.Reader) (timeseries.Params, error) {
	var in timeseriesRequest
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return timeseries.Params{}, fmt.Errorf("invalid body: %w", err)
	}

	start, err := parseDate(in.Start)
	if err != nil {
		return timeseries.Params{}, fmt.Errorf("invalid start: %w", err)
	}
	end, err := parseDate(in.End)
	if err != nil {
		return timeseries.Params{}, fmt.Errorf("invalid end: %w", err)
	}
	if len(in.AOI) == 0 || string(in.AOI) == "null" {
		return timeseries.Params{}, errors.New("missing required field: aoi")
	}
	fc, err := aoi.Decode(in.AOI)
	if err != nil {
		return timeseries.Params{}, err
	}
	if err := aoi.Validate(fc); err != nil {
		return timeseries.Params{}, err
	}

	return timeseries.Params{Start: start, End: end, AOI: fc, Layers: in.Layers}, nil
}

// accepts a calendar date or a full RFC 3339 timestamp
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("required")
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD or RFC 3339, got %q", s)
	}
	return t, nil
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
