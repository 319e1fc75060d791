// Package stac resolves collection metadata and searches items against a
// STAC API.
package stac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/veda-ui/veda-analysis/internal/core/httpclient"
)

const (
	UpstreamCollection = "stac_collection"
	UpstreamSearch     = "stac_search"
)

var ErrNoAsset = errors.New("stac: item has no such asset")

// Collection is the subset of a collection descriptor the analysis needs.
type Collection struct {
	ID          string   `json:"id"`
	IsPeriodic  bool     `json:"isPeriodic"`
	TimeDensity string   `json:"timeDensity"`
	Domain      []string `json:"domain"`
}

type collectionDoc struct {
	ID          string `json:"id"`
	IsPeriodic  bool   `json:"dashboard:is_periodic"`
	TimeDensity string `json:"dashboard:time_density"`
	Summaries   struct {
		Datetime []string `json:"datetime"`
	} `json:"summaries"`
}

// Asset is one matching item's asset to compute statistics for.
type Asset struct {
	Date string `json:"date"`
	URL  string `json:"url"`
}

type SearchParams struct {
	Collection string
	Start, End time.Time
	Geometry   orb.Geometry
	AssetKey   string
	Limit      int
}

type itemCollection struct {
	Features []struct {
		ID         string `json:"id"`
		Properties struct {
			StartDatetime string `json:"start_datetime"`
			Datetime      string `json:"datetime"`
		} `json:"properties"`
		Assets map[string]struct {
			Href string `json:"href"`
		} `json:"assets"`
	} `json:"features"`
}

func CollectionRequest(endpoint, id string) httpclient.Request {
	return httpclient.Request{
		Upstream: UpstreamCollection,
		Method:   http.MethodGet,
		URL:      strings.TrimRight(endpoint, "/") + "/collections/" + url.PathEscape(id),
	}
}

// FetchCollection loads the collection descriptor for id.
func FetchCollection(ctx context.Context, d httpclient.Doer, endpoint, id string) (Collection, error) {
	b, err := d.Do(ctx, CollectionRequest(endpoint, id))
	if err != nil {
		return Collection{}, fmt.Errorf("fetch collection %q: %w", id, err)
	}
	var doc collectionDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return Collection{}, fmt.Errorf("decode collection %q: %w", id, err)
	}
	if doc.ID == "" {
		doc.ID = id
	}
	return Collection{
		ID:          doc.ID,
		IsPeriodic:  doc.IsPeriodic,
		TimeDensity: doc.TimeDensity,
		Domain:      doc.Summaries.Datetime,
	}, nil
}

func SearchRequest(endpoint string, p SearchParams) (httpclient.Request, error) {
	body := NewSearchBody(FilterPayload(p.Start, p.End, p.Geometry, []string{p.Collection}), p.Limit)
	b, err := json.Marshal(body)
	if err != nil {
		return httpclient.Request{}, fmt.Errorf("encode search body: %w", err)
	}
	return httpclient.Request{
		Upstream: UpstreamSearch,
		Method:   http.MethodPost,
		URL:      strings.TrimRight(endpoint, "/") + "/search",
		Body:     b,
	}, nil
}

// SearchAssets returns one asset per matching item, in the order the API
// returned the items.
func SearchAssets(ctx context.Context, d httpclient.Doer, endpoint string, p SearchParams) ([]Asset, error) {
	req, err := SearchRequest(endpoint, p)
	if err != nil {
		return nil, err
	}
	b, err := d.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", p.Collection, err)
	}
	var ic itemCollection
	if err := json.Unmarshal(b, &ic); err != nil {
		return nil, fmt.Errorf("decode search %q: %w", p.Collection, err)
	}

	out := make([]Asset, 0, len(ic.Features))
	for _, f := range ic.Features {
		a, ok := f.Assets[p.AssetKey]
		if !ok || a.Href == "" {
			return nil, fmt.Errorf("%w: item %q asset %q", ErrNoAsset, f.ID, p.AssetKey)
		}
		date := f.Properties.StartDatetime
		if date == "" {
			date = f.Properties.Datetime
		}
		out = append(out, Asset{Date: date, URL: a.Href})
	}
	return out, nil
}
