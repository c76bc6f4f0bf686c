package assess

import (
	"context"
	"fmt"
	"log"
)

// StageCounts records how many records survived each stage
type StageCounts struct {
	Loaded  int `json:"loaded"`
	Deduped int `json:"deduped"`
	Clipped int `json:"clipped"`
}

// RunResult is everything an assessment run produced
type RunResult struct {
	GT        *Collection
	DET       *Collection
	Sectors   []SectorPolygon
	Matches   []Match
	Metrics   []Metrics
	Record    *RunRecord
	Precision int

	GTCounts  StageCounts
	DETCounts StageCounts
}

// Overall returns the ALL row
func (r *RunResult) Overall() Metrics {
	if len(r.Metrics) == 0 {
		return Metrics{Sector: AllSectors}
	}
	return r.Metrics[0]
}

// Pipeline runs one ground-truth vs detections assessment
type Pipeline struct {
	Config     *Config
	ConfigPath string
	Publisher  *MetricsPublisher // Optional
}

// NewPipeline creates a pipeline for a validated configuration
func NewPipeline(cfg *Config, configPath string) *Pipeline {
	return &Pipeline{Config: cfg, ConfigPath: configPath}
}

// prepare runs geohash, dedup and clip on one collection
func prepare(c *Collection, precision int, prefix string, sectors []SectorPolygon, counts *StageCounts) (*Collection, error) {
	counts.Loaded = c.Len()

	hashed, err := AddGeohash(c, precision, prefix, "")
	if err != nil {
		return nil, stageErr(StageGeohash, err)
	}

	deduped := DropDuplicates(hashed)
	counts.Deduped = deduped.Len()
	if dropped := hashed.Len() - deduped.Len(); dropped > 0 {
		log.Printf("Dropped %d duplicate %s records", dropped, c.Source)
	}

	clipped, err := Clip(deduped, sectors)
	if err != nil {
		return nil, stageErr(StageClip, err)
	}
	counts.Clipped = clipped.Len()
	return clipped, nil
}

// Run executes load, geohash, dedup, clip, match and metrics, then writes
// the outputs. Errors come back as *StageError naming the failing stage.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	cfg := p.Config
	s := cfg.Settings

	crs, err := ParseCRS(s.CRS)
	if err != nil {
		return nil, stageErr(StageConfig, fmt.Errorf("%w: %v", ErrConfigValidation, err))
	}
	if crs.IsGeographic() {
		return nil, stageErr(StageConfig,
			fmt.Errorf("%w: %s is geographic, tolerances in metres need a projected CRS", ErrCrsMismatch, crs))
	}

	rawSectors, _, err := LoadSectors(ctx, cfg.InputFiles.GTSectors, crs, s.SectorField)
	if err != nil {
		return nil, stageErr(StageLoad, fmt.Errorf("gt_sectors: %w", err))
	}
	gt, err := LoadCollection(ctx, cfg.InputFiles.GTTrees, LoadOptions{
		DefaultCRS:  crs,
		Source:      GroundTruth,
		SectorField: s.SectorField,
	})
	if err != nil {
		return nil, stageErr(StageLoad, fmt.Errorf("gt_trees: %w", err))
	}
	det, err := LoadCollection(ctx, cfg.InputFiles.Detections, LoadOptions{
		DefaultCRS: crs,
		Source:     Detection,
	})
	if err != nil {
		return nil, stageErr(StageLoad, fmt.Errorf("detections: %w", err))
	}
	log.Printf("Loaded %d sectors, %d ground-truth trees, %d detections", len(rawSectors), gt.Len(), det.Len())

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sectors, err := BufferSectors(rawSectors, s.BufferSizeM)
	if err != nil {
		return nil, stageErr(StageClip, err)
	}

	precision := s.GeohashPrecision
	if precision == 0 {
		precision = PrecisionForTolerance(s.ToleranceM)
	}

	result := &RunResult{Sectors: sectors, Precision: precision}
	gtReady, err := prepare(gt, precision, GTGeohashPrefix, sectors, &result.GTCounts)
	if err != nil {
		return nil, err
	}
	detReady, err := prepare(det, precision, DetGeohashPrefix, sectors, &result.DETCounts)
	if err != nil {
		return nil, err
	}

	tagged, err := Tag(gtReady, detReady, MatchOptions{Tolerance: s.ToleranceM, Policy: s.MatchPolicy})
	if err != nil {
		return nil, stageErr(StageMatch, err)
	}
	result.GT, result.DET, result.Matches = tagged.GT, tagged.DET, tagged.Matches

	result.Metrics = AssessBySector(result.GT, result.DET, SectorLabels(sectors))
	if len(result.Metrics) == 0 || result.Metrics[0].Sector != AllSectors {
		return nil, stageErr(StageMetrics, fmt.Errorf("%w: metrics table has no ALL row", ErrConsistencyViolation))
	}

	if err := WriteCollection(cfg.OutputFiles.TaggedGTTrees, result.GT); err != nil {
		return nil, stageErr(StageWrite, err)
	}
	if err := WriteCollection(cfg.OutputFiles.TaggedDetections, result.DET); err != nil {
		return nil, stageErr(StageWrite, err)
	}
	if err := WriteMetricsCSV(cfg.OutputFiles.Metrics, result.Metrics); err != nil {
		return nil, stageErr(StageWrite, err)
	}

	result.Record = &RunRecord{
		ConfigPath:  p.ConfigPath,
		ToleranceM:  s.ToleranceM,
		BufferSizeM: s.BufferSizeM,
		MatchPolicy: s.MatchPolicy,
		CRS:         crs.String(),
		GTCount:     result.GT.Len(),
		DetCount:    result.DET.Len(),
		Metrics:     result.Metrics,
	}

	if err := p.report(ctx, result); err != nil {
		return nil, stageErr(StageReport, err)
	}
	return result, nil
}

// report writes the optional chart, preview and history entry, and publishes
func (p *Pipeline) report(ctx context.Context, result *RunResult) error {
	out := p.Config.OutputFiles

	if out.MetricsChart != "" {
		if err := RenderMetricsChart(out.MetricsChart, result.Metrics); err != nil {
			return err
		}
	}
	if out.Preview != "" {
		if err := NewPreviewRenderer(result.Sectors, result.GT, result.DET).Save(out.Preview); err != nil {
			return err
		}
	}
	if out.HistoryDB != "" {
		store, err := OpenRunStore(out.HistoryDB)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Insert(ctx, result.Record); err != nil {
			return err
		}
	}
	if p.Publisher != nil {
		run := ""
		if p.Config.Publish != nil {
			run = p.Config.Publish.RunName
		}
		// A broker outage must not fail a run whose files are already written
		if err := p.Publisher.PublishRun(run, result.Record); err != nil {
			log.Printf("Warning: publishing metrics failed: %v", err)
		}
	}
	return nil
}
