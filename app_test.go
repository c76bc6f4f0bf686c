package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/treedet/assess"
)

// writePoints writes a GeoJSON FeatureCollection of points in EPSG:2056
func writePoints(t *testing.T, path string, pts ...[2]float64) string {
	t.Helper()
	var features []string
	for _, p := range pts {
		features = append(features, fmt.Sprintf(
			`{"type":"Feature","geometry":{"type":"Point","coordinates":[%v,%v]},"properties":{}}`, p[0], p[1]))
	}
	content := `{"type":"FeatureCollection","crs":{"type":"name","properties":{"name":"EPSG:2056"}},"features":[` +
		strings.Join(features, ",") + `]}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

// writeAssessFixture writes one 100 m sector with two trees and two detections
// and an assessment config using them
func writeAssessFixture(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()

	sector := `{"type":"FeatureCollection","crs":{"type":"name","properties":{"name":"EPSG:2056"}},"features":[` +
		`{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[2600000,1200000],[2600100,1200000],[2600100,1200100],[2600000,1200100],[2600000,1200000]]]},"properties":{"sector":"S1"}}]}`
	if err := os.WriteFile(filepath.Join(dir, "sectors.geojson"), []byte(sector), 0644); err != nil {
		t.Fatal(err)
	}
	writePoints(t, filepath.Join(dir, "trees.geojson"), [2]float64{2600010, 1200010}, [2]float64{2600060, 1200060})
	writePoints(t, filepath.Join(dir, "det.geojson"), [2]float64{2600010.4, 1200010}, [2]float64{2600090, 1200020})

	config := fmt.Sprintf(`input_files:
  gt_sectors: [%[1]s/sectors.geojson]
  gt_trees: [%[1]s/trees.geojson]
  detections: [%[1]s/det.geojson]
output_files:
  tagged_gt_trees: %[1]s/out/gt.gpkg
  tagged_detections: %[1]s/out/det.gpkg
  metrics: %[1]s/out/metrics.csv
  history_db: %[1]s/out/history.db
settings:
  gt_sectors_buffer_size_in_meters: 2
  tolerance_in_meters: 1
  crs_dft: EPSG:2056
%[2]s`, dir, extra)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(config), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewApp(t *testing.T) {
	var out bytes.Buffer
	app := NewApp(&out)
	if app == nil {
		t.Fatal("NewApp returned nil")
	}
	if app.Out != &out {
		t.Error("Out should be the given writer")
	}
	if app.Limit != 10 {
		t.Errorf("Limit = %d, want 10", app.Limit)
	}
	if app.connectMQTT == nil {
		t.Error("connectMQTT should be initialized")
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp(&bytes.Buffer{})
	app.ApplyOptions(AppOptions{
		ConfigFile: "beech.yaml",
		RecapDir:   "/data/runs",
		RecapOut:   "recap.csv",
		HistoryDB:  "runs.db",
		Limit:      3,
	})

	if app.ConfigFile != "beech.yaml" {
		t.Errorf("ConfigFile = %s, want beech.yaml", app.ConfigFile)
	}
	if app.RecapDir != "/data/runs" {
		t.Errorf("RecapDir = %s, want /data/runs", app.RecapDir)
	}
	if app.RecapOut != "recap.csv" {
		t.Errorf("RecapOut = %s, want recap.csv", app.RecapOut)
	}
	if app.HistoryDB != "runs.db" {
		t.Errorf("HistoryDB = %s, want runs.db", app.HistoryDB)
	}
	if app.Limit != 3 {
		t.Errorf("Limit = %d, want 3", app.Limit)
	}
}

func TestRunAssess(t *testing.T) {
	configPath := writeAssessFixture(t, "")

	var out bytes.Buffer
	app := NewApp(&out)
	app.ConfigFile = configPath

	if err := app.RunAssess(); err != nil {
		t.Fatalf("RunAssess failed: %v", err)
	}

	output := out.String()
	for _, want := range []string{
		"Geohash precision:",
		"Ground truth: 2 loaded, 2 after dedup, 2 after clip",
		"ALL",
		"S1",
		"Run recorded as",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}

	metrics := filepath.Join(filepath.Dir(configPath), "out", "metrics.csv")
	if _, err := os.Stat(metrics); err != nil {
		t.Errorf("metrics CSV not written: %v", err)
	}
}

func TestPrintMetrics_CSVColumns(t *testing.T) {
	var out bytes.Buffer
	printMetrics(&out, []assess.Metrics{assess.NewMetrics(assess.AllSectors, 3, 1, 2)})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %q", out.String())
	}
	header := strings.Fields(lines[0])
	if strings.Join(header, ",") != strings.Join(assess.MetricsHeader, ",") {
		t.Errorf("header = %v, want %v", header, assess.MetricsHeader)
	}
	row := strings.Fields(lines[1])
	want := []string{"ALL", "3", "1", "2", "0.750", "0.600", "0.667", "5", "4"}
	if strings.Join(row, ",") != strings.Join(want, ",") {
		t.Errorf("row = %v, want %v", row, want)
	}
}

func TestRunAssess_MQTTUnavailable(t *testing.T) {
	configPath := writeAssessFixture(t, "publish:\n  broker: tcp://127.0.0.1:1\n")

	var out bytes.Buffer
	app := NewApp(&out)
	app.ConfigFile = configPath
	called := false
	app.connectMQTT = func(ctx context.Context, cfg *assess.PublishConfig) (*assess.MQTTClient, error) {
		called = true
		return nil, errors.New("connection refused")
	}

	if err := app.RunAssess(); err != nil {
		t.Fatalf("RunAssess should succeed without a broker: %v", err)
	}
	if !called {
		t.Error("connectMQTT should be called when publish is configured")
	}
}

func TestRunAssess_BadConfig(t *testing.T) {
	app := NewApp(&bytes.Buffer{})
	app.ConfigFile = filepath.Join(t.TempDir(), "missing.yaml")

	err := app.RunAssess()
	if !errors.Is(err, assess.ErrConfigValidation) {
		t.Errorf("expected ErrConfigValidation, got %v", err)
	}
}

func TestRunCompare(t *testing.T) {
	dir := t.TempDir()
	a := writePoints(t, filepath.Join(dir, "a.geojson"), [2]float64{2600000, 1200000}, [2]float64{2600050, 1200000})
	b := writePoints(t, filepath.Join(dir, "b.geojson"), [2]float64{2600000.3, 1200000})
	config := fmt.Sprintf(`input_files:
  run_A_detections: [%s]
  run_B_detections: [%s]
output_files:
  matched_run_A_detections: %[3]s/ma.geojson
  matched_run_B_detections: %[3]s/mb.geojson
  unmatched_run_A_detections: %[3]s/ua.geojson
  unmatched_run_B_detections: %[3]s/ub.geojson
settings:
  tolerance_in_meters: 1
`, a, b, dir)
	configPath := filepath.Join(dir, "compare.yaml")
	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	app := NewApp(&out)
	app.ConfigFile = configPath
	if err := app.RunCompare(); err != nil {
		t.Fatalf("RunCompare failed: %v", err)
	}

	if !strings.Contains(out.String(), "Run A: 2 detections, 1 matched, 1 unmatched") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	for _, name := range []string{"ma.geojson", "mb.geojson", "ua.geojson", "ub.geojson"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}
}

func TestRunRecap(t *testing.T) {
	dir := t.TempDir()
	for i, m := range []assess.Metrics{
		assess.NewMetrics(assess.AllSectors, 8, 2, 2),
		assess.NewMetrics(assess.AllSectors, 9, 1, 0),
	} {
		path := filepath.Join(dir, fmt.Sprintf("batch_%d", i), "metrics.csv")
		if err := assess.WriteMetricsCSV(path, []assess.Metrics{m}); err != nil {
			t.Fatal(err)
		}
	}

	var out bytes.Buffer
	app := NewApp(&out)
	app.RecapDir = dir
	app.RecapOut = filepath.Join(dir, "recap.csv")

	if err := app.RunRecap(); err != nil {
		t.Fatalf("RunRecap failed: %v", err)
	}
	if !strings.Contains(out.String(), "Collected 2 batches") {
		t.Errorf("unexpected output:\n%s", out.String())
	}

	// A second run must not pick up its own recap file
	out.Reset()
	if err := app.RunRecap(); err != nil {
		t.Fatalf("second RunRecap failed: %v", err)
	}
	if !strings.Contains(out.String(), "Collected 2 batches") {
		t.Errorf("recap output was collected as a batch:\n%s", out.String())
	}
}

func TestRunRecap_NoFiles(t *testing.T) {
	app := NewApp(&bytes.Buffer{})
	app.RecapDir = t.TempDir()
	app.RecapOut = filepath.Join(app.RecapDir, "recap.csv")

	if err := app.RunRecap(); err == nil {
		t.Error("expected error for empty directory")
	}
}

func TestRunHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := assess.OpenRunStore(path)
	if err != nil {
		t.Fatal(err)
	}
	run := &assess.RunRecord{
		RunID:       "run-42",
		ConfigPath:  "beech.yaml",
		ToleranceM:  2,
		MatchPolicy: assess.PolicyManyToMany,
		CRS:         "EPSG:2056",
		CreatedAt:   1700000000000000000,
		Metrics:     []assess.Metrics{assess.NewMetrics(assess.AllSectors, 3, 1, 1)},
	}
	if err := store.Insert(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	store.Close()

	var out bytes.Buffer
	app := NewApp(&out)
	app.HistoryDB = path
	if err := app.RunHistory(); err != nil {
		t.Fatalf("RunHistory failed: %v", err)
	}

	output := out.String()
	for _, want := range []string{"run-42", "2023-11-14T22:13:20Z", "TP=3 FP=1 FN=1", "beech.yaml"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestRunHistory_FromConfig(t *testing.T) {
	configPath := writeAssessFixture(t, "")
	var out bytes.Buffer
	app := NewApp(&out)
	app.ConfigFile = configPath

	// No run yet, so the database file does not exist
	if err := app.RunHistory(); err == nil {
		t.Error("expected error for missing history database")
	}

	if err := app.RunAssess(); err != nil {
		t.Fatalf("RunAssess failed: %v", err)
	}
	out.Reset()
	if err := app.RunHistory(); err != nil {
		t.Fatalf("RunHistory failed: %v", err)
	}
	if !strings.Contains(out.String(), "TP=1 FP=1 FN=1") {
		t.Errorf("unexpected history output:\n%s", out.String())
	}
}
