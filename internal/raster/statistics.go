// Package raster requests zonal statistics for a cloud-optimized GeoTIFF.
package raster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/paulmach/orb/geojson"

	"github.com/veda-ui/veda-analysis/internal/core/httpclient"
)

const UpstreamStatistics = "raster_statistics"

var ErrNoBand = errors.New("raster: response has no band statistics")

// the service has answered with both spellings of the first band
var bandKeys = []string{"b1", "1"}

type Statistics struct {
	Min          float64     `json:"min"`
	Max          float64     `json:"max"`
	Mean         float64     `json:"mean"`
	Count        float64     `json:"count"`
	Sum          float64     `json:"sum"`
	Std          float64     `json:"std"`
	Median       float64     `json:"median"`
	Majority     float64     `json:"majority"`
	Minority     float64     `json:"minority"`
	Unique       float64     `json:"unique"`
	Histogram    [][]float64 `json:"histogram"`
	ValidPercent float64     `json:"valid_percent"`
	MaskedPixels float64     `json:"masked_pixels"`
	ValidPixels  float64     `json:"valid_pixels"`
	Percentile2  float64     `json:"percentile_2"`
	Percentile98 float64     `json:"percentile_98"`
}

type response struct {
	Properties struct {
		Statistics map[string]Statistics `json:"statistics"`
	} `json:"properties"`
}

// StatisticsRequest builds the POST {endpoint}/cog/statistics call. Extra
// source params (band selection, rescale, ...) become query parameters.
func StatisticsRequest(endpoint, assetURL string, feature *geojson.Feature, params map[string]string) (httpclient.Request, error) {
	body, err := json.Marshal(feature)
	if err != nil {
		return httpclient.Request{}, fmt.Errorf("encode aoi feature: %w", err)
	}
	q := url.Values{}
	q.Set("url", assetURL)
	for _, k := range slices.Sorted(maps.Keys(params)) {
		if k == "url" {
			continue
		}
		q.Set(k, params[k])
	}
	return httpclient.Request{
		Upstream: UpstreamStatistics,
		Method:   http.MethodPost,
		URL:      strings.TrimRight(endpoint, "/") + "/cog/statistics?" + q.Encode(),
		Body:     body,
	}, nil
}

// FetchStatistics returns the first band's statistics for assetURL within feature.
func FetchStatistics(ctx context.Context, d httpclient.Doer, endpoint, assetURL string, feature *geojson.Feature, params map[string]string) (Statistics, error) {
	req, err := StatisticsRequest(endpoint, assetURL, feature, params)
	if err != nil {
		return Statistics{}, err
	}
	b, err := d.Do(ctx, req)
	if err != nil {
		return Statistics{}, fmt.Errorf("statistics %s: %w", assetURL, err)
	}
	return Decode(b)
}

func Decode(b []byte) (Statistics, error) {
	var r response
	if err := json.Unmarshal(b, &r); err != nil {
		return Statistics{}, fmt.Errorf("decode statistics: %w", err)
	}
	for _, k := range bandKeys {
		if s, ok := r.Properties.Statistics[k]; ok {
			return s, nil
		}
	}
	return Statistics{}, ErrNoBand
}
