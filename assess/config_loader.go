package assess

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultSectorField = "sector"

	PolicyManyToMany = "many_to_many"
	PolicyOneToOne   = "one_to_one"
)

// decodeStrict unmarshals YAML and rejects keys the target struct does not declare
func decodeStrict(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: config file not found: %s", ErrConfigValidation, path)
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: config file is empty: %s", ErrConfigValidation, path)
		}
		return fmt.Errorf("%w: parsing config YAML: %v", ErrConfigValidation, err)
	}
	return nil
}

// LoadConfig loads and validates an assessment configuration file.
// Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	var config Config
	if err := decodeStrict(path, &config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks required keys and fills defaults
func (c *Config) Validate() error {
	if len(c.InputFiles.GTSectors) == 0 {
		return fmt.Errorf("%w: input_files.gt_sectors is required", ErrConfigValidation)
	}
	if len(c.InputFiles.GTTrees) == 0 {
		return fmt.Errorf("%w: input_files.gt_trees is required", ErrConfigValidation)
	}
	if len(c.InputFiles.Detections) == 0 {
		return fmt.Errorf("%w: input_files.detections is required", ErrConfigValidation)
	}

	if c.OutputFiles.TaggedGTTrees == "" {
		return fmt.Errorf("%w: output_files.tagged_gt_trees is required", ErrConfigValidation)
	}
	if c.OutputFiles.TaggedDetections == "" {
		return fmt.Errorf("%w: output_files.tagged_detections is required", ErrConfigValidation)
	}
	if c.OutputFiles.Metrics == "" {
		return fmt.Errorf("%w: output_files.metrics is required", ErrConfigValidation)
	}

	s := &c.Settings
	if s.ToleranceM <= 0 {
		return fmt.Errorf("%w: settings.tolerance_in_meters must be > 0", ErrConfigValidation)
	}
	if s.BufferSizeM < 0 {
		return fmt.Errorf("%w: settings.gt_sectors_buffer_size_in_meters must be >= 0", ErrConfigValidation)
	}
	if s.CRS == "" {
		return fmt.Errorf("%w: settings.crs_dft is required", ErrConfigValidation)
	}
	if _, err := ParseCRS(s.CRS); err != nil {
		return fmt.Errorf("%w: settings.crs_dft: %v", ErrConfigValidation, err)
	}
	if s.GeohashPrecision < 0 || s.GeohashPrecision > MaxGeohashPrecision {
		return fmt.Errorf("%w: settings.geohash_precision must be between 1 and %d", ErrConfigValidation, MaxGeohashPrecision)
	}
	if s.SectorField == "" {
		s.SectorField = DefaultSectorField
	}
	switch s.MatchPolicy {
	case "":
		s.MatchPolicy = PolicyManyToMany
	case PolicyManyToMany, PolicyOneToOne:
	default:
		return fmt.Errorf("%w: settings.match_policy %q (want %s or %s)",
			ErrConfigValidation, s.MatchPolicy, PolicyManyToMany, PolicyOneToOne)
	}

	if p := c.Publish; p != nil {
		if p.Broker == "" && os.Getenv("MQTT_BROKER") == "" {
			return fmt.Errorf("%w: publish.broker is required when publish is set", ErrConfigValidation)
		}
		if p.Prefix == "" {
			p.Prefix = "treedet"
		}
		if p.QoS != nil && (*p.QoS < 0 || *p.QoS > 2) {
			return fmt.Errorf("%w: publish.qos must be 0, 1 or 2, got %d", ErrConfigValidation, *p.QoS)
		}
	}

	return nil
}

// LoadCompareConfig loads and validates a run comparison configuration file
func LoadCompareConfig(path string) (*CompareConfig, error) {
	var config CompareConfig
	if err := decodeStrict(path, &config); err != nil {
		return nil, err
	}

	if len(config.InputFiles.RunA) == 0 {
		return nil, fmt.Errorf("%w: input_files.run_A_detections is required", ErrConfigValidation)
	}
	if len(config.InputFiles.RunB) == 0 {
		return nil, fmt.Errorf("%w: input_files.run_B_detections is required", ErrConfigValidation)
	}
	out := config.OutputFiles
	required := []struct{ key, value string }{
		{"matched_run_A_detections", out.MatchedA},
		{"matched_run_B_detections", out.MatchedB},
		{"unmatched_run_A_detections", out.UnmatchedA},
		{"unmatched_run_B_detections", out.UnmatchedB},
	}
	for _, r := range required {
		if r.value == "" {
			return nil, fmt.Errorf("%w: output_files.%s is required", ErrConfigValidation, r.key)
		}
	}
	if config.Settings.ToleranceM <= 0 {
		return nil, fmt.Errorf("%w: settings.tolerance_in_meters must be > 0", ErrConfigValidation)
	}

	return &config, nil
}
