package assess

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taggedPair(t *testing.T) *TagResult {
	t.Helper()
	gt := pointCollection(GroundTruth, lv95, "A", orb.Point{0, 0}, orb.Point{50, 0})
	det := pointCollection(Detection, lv95, "A", orb.Point{0.5, 0}, orb.Point{0, 0.5}, orb.Point{90, 0})
	gt.Records[0].Properties["fid"] = int64(17)
	gt.Records[0].Geohash = "gt_u0m7"

	res, err := Tag(gt, det, MatchOptions{Tolerance: 1})
	require.NoError(t, err)
	return res
}

func TestOutputProperties(t *testing.T) {
	res := taggedPair(t)

	gt := outputProperties(res.GT.Records[0])
	assert.Equal(t, "gt_u0m7", gt[ColGeohash])
	assert.Equal(t, "A", gt[ColSector])
	assert.Equal(t, string(TruePositive), gt[ColTag])
	assert.Equal(t, "0,1", gt[ColMatchedID])
	assert.Equal(t, int64(2), gt[ColMatchCount])
	assert.Equal(t, int64(1), gt[ColTPCharge])
	assert.Equal(t, int64(0), gt[ColFNCharge])
	assert.NotContains(t, gt, ColFPCharge)
	assert.Equal(t, int64(17), gt["src_fid"])
	assert.NotContains(t, gt, "fid")

	miss := outputProperties(res.GT.Records[1])
	assert.Equal(t, string(FalseNegative), miss[ColTag])
	assert.Equal(t, "", miss[ColMatchedID])
	assert.Equal(t, int64(1), miss[ColFNCharge])

	fp := outputProperties(res.DET.Records[2])
	assert.Equal(t, string(FalsePositive), fp[ColTag])
	assert.Equal(t, int64(1), fp[ColFPCharge])
	assert.Equal(t, int64(0), fp[ColTPCharge])
	assert.NotContains(t, fp, ColFNCharge)
}

func TestOutputProperties_RenamesCollidingInputs(t *testing.T) {
	r := Record{
		ID:      "0",
		Source:  Detection,
		Sector:  "B",
		Geohash: "dt_u0m7",
		Tag:     TruePositive,
		Matches: []string{"5"},
		Properties: map[string]interface{}{
			"tag":         "oak",
			"sector":      "north",
			"geohash":     "stale",
			"match_count": int64(9),
			"TP_charge":   "x",
			"height":      21.5,
		},
	}

	props := outputProperties(r)
	assert.Equal(t, string(TruePositive), props[ColTag])
	assert.Equal(t, "B", props[ColSector])
	assert.Equal(t, "dt_u0m7", props[ColGeohash])
	assert.Equal(t, int64(1), props[ColMatchCount])
	assert.Equal(t, int64(1), props[ColTPCharge])

	assert.Equal(t, "oak", props["src_tag"])
	assert.Equal(t, "north", props["src_sector"])
	assert.Equal(t, "stale", props["src_geohash"])
	assert.Equal(t, int64(9), props["src_match_count"])
	assert.Equal(t, "x", props["src_TP_charge"])
	assert.Equal(t, 21.5, props["height"])

	// input attributes are not modified
	assert.Equal(t, "oak", r.Properties["tag"])
}

func TestWriteCollection_RoundTrip(t *testing.T) {
	for _, ext := range []string{".geojson", ".gpkg"} {
		t.Run(ext, func(t *testing.T) {
			res := taggedPair(t)
			path := filepath.Join(t.TempDir(), "out", "tagged_det"+ext)

			require.NoError(t, WriteCollection(path, res.DET))

			back, err := LoadCollection(context.Background(), []string{path}, LoadOptions{Source: Detection, SectorField: ColSector})
			require.NoError(t, err)
			assert.Equal(t, lv95, back.CRS)
			require.Equal(t, res.DET.Len(), back.Len())

			for i, r := range back.Records {
				want := res.DET.Records[i]
				assert.Equal(t, want.Geometry, r.Geometry)
				assert.Equal(t, "A", r.Sector)
				assert.Equal(t, string(want.Tag), r.Properties[ColTag])
				assert.Equal(t, want.MatchedID(), firstMatch(r.Properties[ColMatchedID]))
			}
		})
	}
}

func firstMatch(v interface{}) string {
	s, _ := v.(string)
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			return s[:i]
		}
	}
	return s
}

func TestWriteCollection_Overwrites(t *testing.T) {
	res := taggedPair(t)
	path := filepath.Join(t.TempDir(), "gt.gpkg")

	require.NoError(t, WriteCollection(path, res.GT))
	require.NoError(t, WriteCollection(path, res.GT))

	back, err := LoadCollection(context.Background(), []string{path}, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, res.GT.Len(), back.Len())
}

func TestWriteCollection_UnsupportedFormat(t *testing.T) {
	res := taggedPair(t)
	err := WriteCollection(filepath.Join(t.TempDir(), "gt.shp"), res.GT)
	assert.ErrorContains(t, err, "unsupported output format")
}

func TestWriteMetricsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	rows := []Metrics{
		NewMetrics(AllSectors, 3, 1, 1),
		NewMetrics("A", 0, 0, 0),
	}
	require.NoError(t, WriteMetricsCSV(path, rows))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		MetricsHeader,
		{"ALL", "3", "1", "1", "0.75", "0.75", "0.75", "4", "4"},
		{"A", "0", "0", "0", "0", "0", "0", "0", "0"},
	}, records)
}
