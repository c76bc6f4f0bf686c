package assess

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareRuns(t *testing.T) {
	a := &Collection{CRS: lv95, Source: Detection, Records: []Record{
		{ID: "0", Geometry: orb.Point{0, 0}},
		{ID: "1", Geometry: square(10, 10, 2)}, // centroid (11, 11)
		{ID: "2", Geometry: orb.Point{50, 50}},
	}}
	b := &Collection{CRS: lv95, Source: Detection, Records: []Record{
		{ID: "0", Geometry: orb.Point{0.4, 0}},
		{ID: "1", Geometry: orb.Point{0, 0.6}},
		{ID: "2", Geometry: orb.Point{11, 11.5}},
		{ID: "3", Geometry: orb.Point{90, 90}},
	}}

	cmp, err := CompareRuns(a, b, 1)
	require.NoError(t, err)

	assert.Equal(t, 2, cmp.MatchedA.Len())
	assert.Equal(t, 1, cmp.UnmatchedA.Len())
	assert.Equal(t, 3, cmp.MatchedB.Len())
	assert.Equal(t, 1, cmp.UnmatchedB.Len())
	assert.Len(t, cmp.Matches, 3)

	assert.Equal(t, []string{"0", "1"}, cmp.MatchedA.Records[0].Matches)
	assert.Equal(t, "2", cmp.UnmatchedA.Records[0].ID)
	assert.Equal(t, "3", cmp.UnmatchedB.Records[0].ID)

	// Polygons are reduced to their centroid
	assert.Equal(t, orb.Point{11, 11}, cmp.MatchedA.Records[1].Geometry)
	assert.Equal(t, square(10, 10, 2), a.Records[1].Geometry)

	for _, c := range []*Collection{cmp.MatchedA, cmp.UnmatchedA, cmp.MatchedB, cmp.UnmatchedB} {
		for _, r := range c.Records {
			assert.Equal(t, Untagged, r.Tag, "record %s", r.ID)
		}
	}
}

func TestComparisonProperties_KeepsInputColumns(t *testing.T) {
	r := Record{
		ID:         "4",
		Matches:    []string{"7"},
		Properties: map[string]interface{}{"fid": int64(3), "matched_id": "legacy", "height": 21.5},
	}

	props := comparisonProperties(r)
	assert.Equal(t, "7", props[ColMatchedID])
	assert.Equal(t, int64(1), props[ColMatchCount])
	assert.Equal(t, "legacy", props["src_matched_id"])
	assert.Equal(t, int64(3), props["src_fid"])
	assert.Equal(t, 21.5, props["height"])
	assert.NotContains(t, props, "fid")
}

func TestCompareRuns_Errors(t *testing.T) {
	a := pointCollection(Detection, lv95, "", orb.Point{0, 0})
	utm := pointCollection(Detection, CRS{Code: 32632}, "", orb.Point{0, 0})
	geo := pointCollection(Detection, WGS84, "", orb.Point{0, 0})

	_, err := CompareRuns(a, a, 0)
	assert.ErrorIs(t, err, ErrConfigValidation)

	_, err = CompareRuns(a, utm, 1)
	assert.ErrorIs(t, err, ErrCrsMismatch)

	_, err = CompareRuns(geo, geo, 1)
	assert.ErrorIs(t, err, ErrCrsMismatch)

	bad := &Collection{CRS: lv95, Records: []Record{{ID: "x"}}}
	_, err = CompareRuns(a, bad, 1)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestRunCompare_WritesFourOutputs(t *testing.T) {
	dir := t.TempDir()
	runA := writeGeoJSONFixture(t, dir, "a.geojson", "EPSG:2056",
		pointFeature(2600000, 1200000, `"score":0.9`),
		pointFeature(2600100, 1200000, `"score":0.4`),
	)
	runB := writeGeoJSONFixture(t, dir, "b.geojson", "",
		pointFeature(2600000.5, 1200000, `"score":0.8`),
	)

	cfg := &CompareConfig{
		InputFiles: CompareInputFiles{RunA: []string{runA}, RunB: []string{runB}},
		OutputFiles: CompareOutputFiles{
			MatchedA:   filepath.Join(dir, "out", "matched_a.geojson"),
			MatchedB:   filepath.Join(dir, "out", "matched_b.gpkg"),
			UnmatchedA: filepath.Join(dir, "out", "unmatched_a.geojson"),
			UnmatchedB: filepath.Join(dir, "out", "unmatched_b.geojson"),
		},
		Settings: CompareSettings{ToleranceM: 1},
	}

	res, err := RunCompare(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalA)
	assert.Equal(t, 1, res.TotalB)

	counts := map[string]int{
		cfg.OutputFiles.MatchedA:   1,
		cfg.OutputFiles.MatchedB:   1,
		cfg.OutputFiles.UnmatchedA: 1,
		cfg.OutputFiles.UnmatchedB: 0,
	}
	for path, want := range counts {
		c, err := LoadCollection(context.Background(), []string{path}, LoadOptions{})
		require.NoError(t, err, path)
		assert.Equal(t, want, c.Len(), path)
	}

	matched, err := LoadCollection(context.Background(), []string{cfg.OutputFiles.MatchedA}, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "0", matched.Records[0].Properties[ColMatchedID])
	assert.Equal(t, 0.9, matched.Records[0].Properties["score"])
}

func TestRunCompare_StageErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := &CompareConfig{
		InputFiles: CompareInputFiles{RunA: []string{filepath.Join(dir, "missing.geojson")}, RunB: []string{"b.geojson"}},
		Settings:   CompareSettings{ToleranceM: 1},
	}
	_, err := RunCompare(context.Background(), cfg)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageLoad, se.Stage)
}
