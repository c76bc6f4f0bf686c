package assess

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfigYAML = `input_files:
  gt_sectors: [sectors.geojson]
  gt_trees: [trees.geojson]
  detections: [det_a.geojson, det_b.geojson]
output_files:
  tagged_gt_trees: out/gt.gpkg
  tagged_detections: out/det.gpkg
  metrics: out/metrics.csv
settings:
  gt_sectors_buffer_size_in_meters: 5
  tolerance_in_meters: 2.5
  crs_dft: "EPSG:2056"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"det_a.geojson", "det_b.geojson"}, cfg.InputFiles.Detections)
	assert.Equal(t, 2.5, cfg.Settings.ToleranceM)
	assert.Equal(t, 5.0, cfg.Settings.BufferSizeM)
	assert.Equal(t, DefaultSectorField, cfg.Settings.SectorField)
	assert.Equal(t, PolicyManyToMany, cfg.Settings.MatchPolicy)
	assert.Equal(t, 0, cfg.Settings.GeohashPrecision)
	assert.Nil(t, cfg.Publish)
}

func TestLoadConfig_PublishDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfigYAML+`publish:
  broker: tcp://localhost:1883
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Publish)
	assert.Equal(t, "treedet", cfg.Publish.Prefix)
}

func TestLoadConfig_PublishQoSAndRetain(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfigYAML+`publish:
  broker: tcp://localhost:1883
  qos: 0
  retain: false
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Publish.QoS)
	require.NotNil(t, cfg.Publish.Retain)
	assert.Equal(t, 0, *cfg.Publish.QoS)
	assert.False(t, *cfg.Publish.Retain)

	_, err = LoadConfig(writeConfig(t, validConfigYAML+`publish:
  broker: tcp://localhost:1883
  qos: 3
`))
	assert.ErrorIs(t, err, ErrConfigValidation)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{"unknown key", validConfigYAML + "extra: 1\n", "field extra not found"},
		{"unknown settings key", strings.Replace(validConfigYAML, "crs_dft", "crs", 1), "crs"},
		{"missing detections", strings.Replace(validConfigYAML, "  detections: [det_a.geojson, det_b.geojson]\n", "", 1), "input_files.detections"},
		{"missing metrics", strings.Replace(validConfigYAML, "  metrics: out/metrics.csv\n", "", 1), "output_files.metrics"},
		{"zero tolerance", strings.Replace(validConfigYAML, "tolerance_in_meters: 2.5", "tolerance_in_meters: 0", 1), "tolerance_in_meters"},
		{"negative buffer", strings.Replace(validConfigYAML, "buffer_size_in_meters: 5", "buffer_size_in_meters: -1", 1), "buffer_size_in_meters"},
		{"bad crs", strings.Replace(validConfigYAML, `"EPSG:2056"`, `"lv95"`, 1), "crs_dft"},
		{"bad policy", validConfigYAML + "  match_policy: best_effort\n", "match_policy"},
		{"precision too large", validConfigYAML + "  geohash_precision: 40\n", "geohash_precision"},
		{"empty file", "", "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfigValidation), "want ErrConfigValidation, got %v", err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigValidation)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoadConfig_PublishNeedsBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	_, err := LoadConfig(writeConfig(t, validConfigYAML+"publish:\n  prefix: forest\n"))
	assert.ErrorIs(t, err, ErrConfigValidation)

	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	cfg, err := LoadConfig(writeConfig(t, validConfigYAML+"publish:\n  prefix: forest\n"))
	require.NoError(t, err)
	assert.Equal(t, "forest", cfg.Publish.Prefix)
}

func TestLoadCompareConfig(t *testing.T) {
	valid := `input_files:
  run_A_detections: [a.geojson]
  run_B_detections: [b.geojson]
output_files:
  matched_run_A_detections: ma.geojson
  matched_run_B_detections: mb.geojson
  unmatched_run_A_detections: ua.geojson
  unmatched_run_B_detections: ub.geojson
settings:
  tolerance_in_meters: 1.5
`
	cfg, err := LoadCompareConfig(writeConfig(t, valid))
	require.NoError(t, err)
	assert.Equal(t, 1.5, cfg.Settings.ToleranceM)
	assert.Equal(t, "ub.geojson", cfg.OutputFiles.UnmatchedB)

	_, err = LoadCompareConfig(writeConfig(t, strings.Replace(valid, "  unmatched_run_A_detections: ua.geojson\n", "", 1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmatched_run_A_detections")

	_, err = LoadCompareConfig(writeConfig(t, strings.Replace(valid, "1.5", "0", 1)))
	assert.ErrorIs(t, err, ErrConfigValidation)
}
