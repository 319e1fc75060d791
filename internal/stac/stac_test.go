package stac

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/veda-ui/veda-analysis/internal/core/httpclient"
)

var square = orb.MultiPolygon{{{{11, 55}, {12, 55}, {12, 56}, {11, 56}, {11, 55}}}}

func TestFilterPayload_Shape(t *testing.T) {
	start := time.Date(2022, 1, 1, 15, 30, 0, 0, time.UTC)
	end := time.Date(2022, 1, 31, 1, 0, 0, 0, time.UTC)

	b, err := json.Marshal(FilterPayload(start, end, square, []string{"no2-monthly"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got struct {
		Op   string `json:"op"`
		Args []struct {
			Op   string            `json:"op"`
			Args []json.RawMessage `json:"args"`
		} `json:"args"`
	}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Op != "and" || len(got.Args) != 3 {
		t.Fatalf("top level = %s with %d args", got.Op, len(got.Args))
	}
	if got.Args[0].Op != "t_intersects" || got.Args[1].Op != "s_intersects" || got.Args[2].Op != "eq" {
		t.Fatalf("unexpected ops: %s", b)
	}
	if want := `{"interval":["2022-01-01T00:00:00.000Z","2022-01-31T23:59:59.999Z"]}`; string(got.Args[0].Args[1]) != want {
		t.Fatalf("interval=%s want %s", got.Args[0].Args[1], want)
	}
	if !strings.Contains(string(got.Args[1].Args[1]), `"type":"MultiPolygon"`) {
		t.Fatalf("spatial arg is not a MultiPolygon geometry: %s", got.Args[1].Args[1])
	}
	if string(got.Args[2].Args[1]) != `"no2-monthly"` {
		t.Fatalf("collection arg=%s", got.Args[2].Args[1])
	}
}

func TestFilterPayload_NormalizesOffsetsToUTCDays(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	// 22:00 local on Jan 1 is already Jan 2 in UTC
	start := time.Date(2022, 1, 1, 22, 0, 0, 0, loc)
	if got := FormatTime(StartOfDay(start)); got != "2022-01-02T00:00:00.000Z" {
		t.Fatalf("start of day=%s", got)
	}
	if got := FormatTime(EndOfDay(start)); got != "2022-01-02T23:59:59.999Z" {
		t.Fatalf("end of day=%s", got)
	}
}

func TestFilterPayload_SeveralCollectionsUseIn(t *testing.T) {
	e := collectionExpr([]string{"a", "b"})
	if e.Op != "in" {
		t.Fatalf("op=%s want in", e.Op)
	}
}

func TestSearchBody_Fields(t *testing.T) {
	b, _ := json.Marshal(NewSearchBody(Expr{Op: "and"}, 10000))
	s := string(b)
	for _, want := range []string{`"filter-lang":"cql2-json"`, `"limit":10000`, `"exclude":["collection","links","geometry"]`} {
		if !strings.Contains(s, want) {
			t.Fatalf("search body missing %s: %s", want, s)
		}
	}
}

func newClient(t *testing.T, h http.HandlerFunc) (*httpclient.Client, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return httpclient.New(srv.Client(), httpclient.Options{Logger: log}), srv.URL
}

func TestFetchCollection_DecodesDashboardFields(t *testing.T) {
	c, base := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/no2-monthly" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"id":"no2-monthly","dashboard:is_periodic":true,"dashboard:time_density":"month",
			"summaries":{"datetime":["2020-01-01T00:00:00Z","2023-01-01T00:00:00Z"]}}`)
	})

	col, err := FetchCollection(context.Background(), c, base+"/", "no2-monthly")
	if err != nil {
		t.Fatalf("FetchCollection: %v", err)
	}
	if !col.IsPeriodic || col.TimeDensity != "month" || len(col.Domain) != 2 {
		t.Fatalf("collection=%+v", col)
	}

	_, err = FetchCollection(context.Background(), c, base, "missing")
	var se *httpclient.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("err=%v want 404 status error", err)
	}
}

func TestSearchAssets_OrderAndDateFallback(t *testing.T) {
	var body SearchBody
	c, base := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"features":[
			{"id":"b","properties":{"start_datetime":"2022-02-01T00:00:00Z","datetime":null},"assets":{"cog_default":{"href":"s3://b.tif"}}},
			{"id":"a","properties":{"datetime":"2022-01-01T00:00:00Z"},"assets":{"cog_default":{"href":"s3://a.tif"}}}
		]}`)
	})

	assets, err := SearchAssets(context.Background(), c, base, SearchParams{
		Collection: "no2-monthly",
		Start:      time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2022, 2, 28, 0, 0, 0, 0, time.UTC),
		Geometry:   square,
		AssetKey:   "cog_default",
		Limit:      100,
	})
	if err != nil {
		t.Fatalf("SearchAssets: %v", err)
	}
	want := []Asset{
		{Date: "2022-02-01T00:00:00Z", URL: "s3://b.tif"},
		{Date: "2022-01-01T00:00:00Z", URL: "s3://a.tif"},
	}
	if len(assets) != 2 || assets[0] != want[0] || assets[1] != want[1] {
		t.Fatalf("assets=%+v want %+v", assets, want)
	}
	if body.Limit != 100 || body.FilterLang != FilterLang {
		t.Fatalf("search body=%+v", body)
	}
}

func TestSearchAssets_MissingAssetKey(t *testing.T) {
	d := httpclient.DoerFunc(func(context.Context, httpclient.Request) ([]byte, error) {
		return []byte(`{"features":[{"id":"x","properties":{"datetime":"2022-01-01"},"assets":{"other":{"href":"s3://x"}}}]}`), nil
	})
	_, err := SearchAssets(context.Background(), d, "http://stac", SearchParams{Collection: "c", Geometry: square, AssetKey: "cog_default"})
	if !errors.Is(err, ErrNoAsset) {
		t.Fatalf("err=%v want ErrNoAsset", err)
	}
}
