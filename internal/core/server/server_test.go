package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/veda-ui/veda-analysis/internal/core/config"
	"github.com/veda-ui/veda-analysis/internal/core/health"
	"github.com/veda-ui/veda-analysis/internal/timeseries"
)

func TestNewHandler_Routes(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	orc := timeseries.New(timeseries.Options{Logger: log, STACEndpoint: "http://stac", RasterEndpoint: "http://raster"})
	down := health.Check{Name: "redis", Ping: func(context.Context) error { return errors.New("refused") }}
	h := NewHandler(config.Config{}, log, Deps{
		Analysis: orc,
		Ready:    []health.Check{down},
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "# metrics") }),
	})

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/readyz", "", http.StatusServiceUnavailable},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodPost, "/timeseries", `{"start":"2024-01-01"}`, http.StatusBadRequest},
		{http.MethodGet, "/timeseries", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, c := range cases {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(c.method, c.path, strings.NewReader(c.body)))
		if rr.Code != c.want {
			t.Fatalf("%s %s status=%d want %d", c.method, c.path, rr.Code, c.want)
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Fatalf("%s %s missing X-Request-ID", c.method, c.path)
		}
	}
}
