package assess

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"
)

// LoadOptions controls how vector files become a Collection
type LoadOptions struct {
	DefaultCRS  CRS // Zero means "first declared CRS wins"
	Source      Source
	SectorField string // Attribute copied into Record.Sector when present
}

// layer is one file's worth of features before concatenation
type layer struct {
	path     string
	crs      CRS
	features []rawFeature
}

type rawFeature struct {
	geometry   orb.Geometry
	properties map[string]interface{}
}

// LoadCollection reads the given vector files and concatenates their features
// in path order. Files are read concurrently. A file whose declared CRS differs
// from the established one (the default, or else the first declared CRS) fails
// the whole load with ErrCrsMismatch.
func LoadCollection(ctx context.Context, paths []string, opts LoadOptions) (*Collection, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no input files given", ErrConfigValidation)
	}

	layers := make([]*layer, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			l, err := readLayer(path)
			if err != nil {
				return err
			}
			layers[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	crs := opts.DefaultCRS
	total := 0
	for _, l := range layers {
		total += len(l.features)
		if l.crs.IsZero() {
			continue
		}
		if crs.IsZero() {
			crs = l.crs
			continue
		}
		if l.crs != crs {
			return nil, fmt.Errorf("%w: %s declares %s, expected %s", ErrCrsMismatch, l.path, l.crs, crs)
		}
	}

	c := &Collection{
		CRS:     crs,
		Source:  opts.Source,
		Records: make([]Record, 0, total),
	}
	row := 0
	for _, l := range layers {
		for _, f := range l.features {
			r := Record{
				ID:         strconv.Itoa(row),
				Source:     opts.Source,
				Geometry:   f.geometry,
				Tag:        Untagged,
				Properties: f.properties,
			}
			if opts.SectorField != "" {
				if v, ok := f.properties[opts.SectorField]; ok && v != nil {
					r.Sector = formatLabel(v)
				}
			}
			c.Records = append(c.Records, r)
			row++
		}
	}

	return c, nil
}

// LoadSectors reads ground-truth sector polygons. Every sector must carry a label
// in sectorField.
func LoadSectors(ctx context.Context, paths []string, defaultCRS CRS, sectorField string) ([]SectorPolygon, CRS, error) {
	c, err := LoadCollection(ctx, paths, LoadOptions{
		DefaultCRS:  defaultCRS,
		Source:      GroundTruth,
		SectorField: sectorField,
	})
	if err != nil {
		return nil, CRS{}, err
	}

	sectors := make([]SectorPolygon, 0, c.Len())
	for _, r := range c.Records {
		if r.Sector == "" {
			return nil, CRS{}, fmt.Errorf("sector row %s has no %q attribute", r.ID, sectorField)
		}
		switch r.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			return nil, CRS{}, fmt.Errorf("%w: sector %s is a %s, want polygon",
				ErrInvalidGeometry, r.Sector, geometryTypeName(r.Geometry))
		}
		sectors = append(sectors, SectorPolygon{Label: r.Sector, Geometry: r.Geometry})
	}
	return sectors, c.CRS, nil
}

// readLayer dispatches on file extension
func readLayer(path string) (*layer, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		return readGeoJSON(path)
	case ".gpkg":
		return readGeoPackage(path)
	}
	return nil, fmt.Errorf("unsupported vector format: %s", path)
}

func readGeoJSON(path string) (*layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	l := &layer{path: path}
	if crs, ok := geojsonCRS(fc.ExtraMembers); ok {
		parsed, err := ParseCRS(crs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		l.crs = parsed
	}

	l.features = make([]rawFeature, 0, len(fc.Features))
	for _, f := range fc.Features {
		props := make(map[string]interface{}, len(f.Properties)+1)
		for k, v := range f.Properties {
			props[k] = v
		}
		if f.ID != nil {
			if _, taken := props["fid"]; !taken {
				props["fid"] = f.ID
			}
		}
		l.features = append(l.features, rawFeature{geometry: f.Geometry, properties: props})
	}
	return l, nil
}

// geojsonCRS extracts the legacy named CRS member: {"crs":{"type":"name","properties":{"name":"..."}}}
func geojsonCRS(members geojson.Properties) (string, bool) {
	raw, ok := members["crs"].(map[string]interface{})
	if !ok {
		return "", false
	}
	props, ok := raw["properties"].(map[string]interface{})
	if !ok {
		return "", false
	}
	name, ok := props["name"].(string)
	return name, ok && name != ""
}

// formatLabel turns an attribute value into a sector label; whole floats
// (as decoded from JSON) print without a decimal part
func formatLabel(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case []byte:
		return string(t)
	}
	return fmt.Sprintf("%v", v)
}

func geometryTypeName(g orb.Geometry) string {
	if g == nil {
		return "null"
	}
	return g.GeoJSONType()
}
