package assess

import (
	"errors"
	"fmt"
)

var (
	// ErrCrsMismatch means inputs disagree on their coordinate system, or
	// a coordinate system cannot be used for the requested operation.
	ErrCrsMismatch = errors.New("CRS mismatch")

	// ErrInvalidGeometry means an empty or degenerate geometry reached a
	// stage that requires a usable one.
	ErrInvalidGeometry = errors.New("invalid geometry")

	// ErrConsistencyViolation means the tag partition is not exhaustive and disjoint.
	ErrConsistencyViolation = errors.New("consistency violation")

	// ErrConfigValidation means the configuration has missing, unknown or bad keys.
	ErrConfigValidation = errors.New("config validation")
)

// Pipeline stage names carried by StageError
const (
	StageConfig  = "config"
	StageLoad    = "load"
	StageGeohash = "geohash"
	StageClip    = "clip"
	StageMatch   = "match"
	StageMetrics = "metrics"
	StageWrite   = "write"
	StageReport  = "report"
)

// StageError names the pipeline stage an error came from
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// stageErr wraps err with the stage name, leaving nil untouched
func stageErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
