package assess

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"
)

// Output attribute names added to every tagged record
const (
	ColGeohash    = "geohash"
	ColSector     = "sector"
	ColTag        = "tag"
	ColMatchedID  = "matched_id"
	ColMatchCount = "match_count"
	ColTPCharge   = "TP_charge"
	ColFPCharge   = "FP_charge"
	ColFNCharge   = "FN_charge"

	// srcPrefix marks input attributes renamed because the writer owns their name
	srcPrefix = "src_"
)

// reservedColumns are output names an input attribute may not overwrite
var reservedColumns = map[string]bool{
	gpkgFIDColumn: true,
	ColGeohash:    true,
	ColSector:     true,
	ColTag:        true,
	ColMatchedID:  true,
	ColMatchCount: true,
	ColTPCharge:   true,
	ColFPCharge:   true,
	ColFNCharge:   true,
}

// MetricsHeader is the header row of the metrics CSV
var MetricsHeader = []string{"sector", "TP", "FP", "FN", "precision", "recall", "f1", "TP+FN", "TP+FP"}

// outputProperties flattens a record into the attribute set written to disk.
// Input attributes named like an output column are kept as src_<name>.
func outputProperties(r Record) map[string]interface{} {
	props := make(map[string]interface{}, len(r.Properties)+8)
	for k, v := range r.Properties {
		if reservedColumns[k] {
			k = srcPrefix + k
		}
		props[k] = v
	}

	props[ColGeohash] = r.Geohash
	props[ColSector] = r.Sector
	props[ColTag] = string(r.Tag)
	props[ColMatchedID] = strings.Join(r.Matches, ",")
	props[ColMatchCount] = int64(len(r.Matches))

	props[ColTPCharge] = charge(r.Tag == TruePositive)
	if r.Source == GroundTruth {
		props[ColFNCharge] = charge(r.Tag == FalseNegative)
	} else {
		props[ColFPCharge] = charge(r.Tag == FalsePositive)
	}
	return props
}

func charge(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// WriteCollection writes a tagged collection, replacing any existing file.
// The format follows the extension: .gpkg or .geojson/.json.
func WriteCollection(path string, c *Collection) error {
	return writeRecords(path, c, outputProperties)
}

func writeRecords(path string, c *Collection, propsFn func(Record) map[string]interface{}) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".gpkg":
		features := make([]gpkgFeature, len(c.Records))
		for i, r := range c.Records {
			features[i] = gpkgFeature{geometry: r.Geometry, properties: propsFn(r)}
		}
		return writeGeoPackage(path, c.CRS, features)
	case ".geojson", ".json":
		return writeGeoJSON(path, c, propsFn)
	}
	return fmt.Errorf("unsupported output format: %s", path)
}

func writeGeoJSON(path string, c *Collection, propsFn func(Record) map[string]interface{}) error {
	fc := geojson.NewFeatureCollection()
	if !c.CRS.IsZero() {
		fc.ExtraMembers = geojson.Properties{
			"crs": map[string]interface{}{
				"type":       "name",
				"properties": map[string]interface{}{"name": c.CRS.URN()},
			},
		}
	}
	for _, r := range c.Records {
		f := geojson.NewFeature(r.Geometry)
		f.Properties = propsFn(r)
		fc.Append(f)
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// formatRatio prints a ratio the way spreadsheet tools read it back exactly
func formatRatio(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// metricsRecord renders one metrics row in MetricsHeader order
func metricsRecord(m Metrics) []string {
	return []string{
		m.Sector,
		strconv.Itoa(m.TP),
		strconv.Itoa(m.FP),
		strconv.Itoa(m.FN),
		formatRatio(m.Precision),
		formatRatio(m.Recall),
		formatRatio(m.F1),
		strconv.Itoa(m.TPPlusFN()),
		strconv.Itoa(m.TPPlusFP()),
	}
}

// WriteMetricsCSV writes the metrics table, ALL row first as produced by AssessBySector
func WriteMetricsCSV(path string, rows []Metrics) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(MetricsHeader); err != nil {
		return err
	}
	for _, m := range rows {
		if err := w.Write(metricsRecord(m)); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
