// Package aoi validates areas of interest and folds them into the single
// geometry STAC and raster services expect.
package aoi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var ErrEmpty = errors.New("aoi: no polygon features")

// Decode accepts a FeatureCollection, a single Feature, or a bare Polygon or
// MultiPolygon geometry and always returns a FeatureCollection.
func Decode(data []byte) (*geojson.FeatureCollection, error) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("aoi: parse geojson: %w", err)
	}

	switch strings.TrimSpace(hdr.Type) {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("aoi: parse feature collection: %w", err)
		}
		return fc, nil
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("aoi: parse feature: %w", err)
		}
		fc := geojson.NewFeatureCollection()
		return fc.Append(f), nil
	case "Polygon", "MultiPolygon":
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("aoi: parse geometry: %w", err)
		}
		fc := geojson.NewFeatureCollection()
		return fc.Append(geojson.NewFeature(g.Geometry())), nil
	default:
		return nil, fmt.Errorf("aoi: unsupported GeoJSON type %q", hdr.Type)
	}
}

// Validate checks that fc holds at least one feature and that every feature
// is a well formed Polygon or MultiPolygon.
func Validate(fc *geojson.FeatureCollection) error {
	if fc == nil || len(fc.Features) == 0 {
		return ErrEmpty
	}
	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			return fmt.Errorf("aoi: feature %d has no geometry", i)
		}
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			if err := validatePolygon(g); err != nil {
				return fmt.Errorf("aoi: feature %d: %w", i, err)
			}
		case orb.MultiPolygon:
			if len(g) == 0 {
				return fmt.Errorf("aoi: feature %d: empty multipolygon", i)
			}
			for pi, p := range g {
				if err := validatePolygon(p); err != nil {
					return fmt.Errorf("aoi: feature %d polygon %d: %w", i, pi, err)
				}
			}
		default:
			return fmt.Errorf("aoi: feature %d: unsupported geometry %s", i, f.Geometry.GeoJSONType())
		}
	}
	return nil
}

func validatePolygon(p orb.Polygon) error {
	if len(p) == 0 {
		return errors.New("empty polygon")
	}
	for ri, ring := range p {
		if len(ring) < 4 {
			return fmt.Errorf("ring %d has < 4 vertices", ri)
		}
	}
	return nil
}

// Combine folds every polygon of fc into one MultiPolygon feature. The input
// is left untouched.
func Combine(fc *geojson.FeatureCollection) (*geojson.Feature, error) {
	if err := Validate(fc); err != nil {
		return nil, err
	}
	var mp orb.MultiPolygon
	for _, f := range fc.Features {
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			mp = append(mp, g.Clone())
		case orb.MultiPolygon:
			for _, p := range g {
				mp = append(mp, p.Clone())
			}
		}
	}
	if len(mp) == 0 {
		return nil, ErrEmpty
	}
	f := geojson.NewFeature(mp)
	f.Properties = geojson.Properties{}
	return f, nil
}

// Bound is the bounding box of every polygon in fc, used for logging.
func Bound(fc *geojson.FeatureCollection) orb.Bound {
	var (
		b     orb.Bound
		first = true
	)
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		if first {
			b = f.Geometry.Bound()
			first = false
			continue
		}
		b = b.Union(f.Geometry.Bound())
	}
	return b
}

// BBoxString renders b as "[minX,minY,maxX,maxY]" for log attributes.
func BBoxString(b orb.Bound) string {
	return fmt.Sprintf("[%g,%g,%g,%g]", b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y())
}
