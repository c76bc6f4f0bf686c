package assess

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/paulmach/orb"
)

// RunMatch pairs a run A detection with a run B detection
type RunMatch struct {
	A        string  `json:"a_id"`
	B        string  `json:"b_id"`
	Distance float64 `json:"distance"`
}

// Comparison splits two detection runs into matched and unmatched records.
// All four collections hold centroid points.
type Comparison struct {
	MatchedA   *Collection
	UnmatchedA *Collection
	MatchedB   *Collection
	UnmatchedB *Collection
	Matches    []RunMatch
}

// CompareRuns matches two detection runs with the many-to-many rule: a
// detection is matched when any detection of the other run lies within
// tolerance of it
func CompareRuns(a, b *Collection, tolerance float64) (*Comparison, error) {
	if tolerance <= 0 {
		return nil, fmt.Errorf("%w: tolerance must be > 0, got %v", ErrConfigValidation, tolerance)
	}
	if !a.CRS.IsZero() && !b.CRS.IsZero() && a.CRS != b.CRS {
		return nil, fmt.Errorf("%w: run A in %s, run B in %s", ErrCrsMismatch, a.CRS, b.CRS)
	}
	if a.CRS.IsGeographic() || b.CRS.IsGeographic() {
		return nil, fmt.Errorf("%w: comparison needs a projected CRS in metres", ErrCrsMismatch)
	}
	if err := ValidateForMatching(a); err != nil {
		return nil, fmt.Errorf("run A: %w", err)
	}
	if err := ValidateForMatching(b); err != nil {
		return nil, fmt.Errorf("run B: %w", err)
	}

	aPts, err := representativePoints(a)
	if err != nil {
		return nil, err
	}
	bPts, err := representativePoints(b)
	if err != nil {
		return nil, err
	}
	edges := candidateEdges(aPts, bPts, tolerance)

	aLinks := make(map[int][]string)
	bLinks := make(map[int][]string)
	cmp := &Comparison{Matches: make([]RunMatch, 0, len(edges))}
	for _, e := range edges {
		aLinks[e.gt] = append(aLinks[e.gt], b.Records[e.det].ID)
		bLinks[e.det] = append(bLinks[e.det], a.Records[e.gt].ID)
		cmp.Matches = append(cmp.Matches, RunMatch{
			A:        a.Records[e.gt].ID,
			B:        b.Records[e.det].ID,
			Distance: e.distance,
		})
	}

	cmp.MatchedA, cmp.UnmatchedA = splitByLinks(a, aPts, aLinks)
	cmp.MatchedB, cmp.UnmatchedB = splitByLinks(b, bPts, bLinks)

	if got := cmp.MatchedA.Len() + cmp.UnmatchedA.Len(); got != a.Len() {
		return nil, fmt.Errorf("%w: run A split into %d records, loaded %d", ErrConsistencyViolation, got, a.Len())
	}
	if got := cmp.MatchedB.Len() + cmp.UnmatchedB.Len(); got != b.Len() {
		return nil, fmt.Errorf("%w: run B split into %d records, loaded %d", ErrConsistencyViolation, got, b.Len())
	}
	return cmp, nil
}

// splitByLinks separates linked from unlinked records, replacing each
// geometry with its representative point. Neither run is a reference, so
// records stay untagged.
func splitByLinks(c *Collection, pts []orb.Point, links map[int][]string) (matched, unmatched *Collection) {
	matched = c.derive(len(links))
	unmatched = c.derive(c.Len() - len(links))
	for i, r := range c.Records {
		rec := r.clone()
		rec.Geometry = pts[i]
		rec.Tag = Untagged
		if ids, ok := links[i]; ok {
			rec.Matches = ids
			matched.Records = append(matched.Records, rec)
			continue
		}
		rec.Matches = nil
		unmatched.Records = append(unmatched.Records, rec)
	}
	return matched, unmatched
}

// comparisonProperties is the attribute set of the comparison outputs
func comparisonProperties(r Record) map[string]interface{} {
	props := make(map[string]interface{}, len(r.Properties)+2)
	for k, v := range r.Properties {
		if reservedColumns[k] {
			k = srcPrefix + k
		}
		props[k] = v
	}
	props[ColMatchedID] = strings.Join(r.Matches, ",")
	props[ColMatchCount] = int64(len(r.Matches))
	return props
}

// CompareResult is what RunCompare reports back to the caller
type CompareResult struct {
	Comparison *Comparison
	TotalA     int
	TotalB     int
}

// RunCompare loads both runs, compares them and writes the four outputs
func RunCompare(ctx context.Context, cfg *CompareConfig) (*CompareResult, error) {
	a, err := LoadCollection(ctx, cfg.InputFiles.RunA, LoadOptions{Source: Detection})
	if err != nil {
		return nil, stageErr(StageLoad, fmt.Errorf("run A: %w", err))
	}
	b, err := LoadCollection(ctx, cfg.InputFiles.RunB, LoadOptions{Source: Detection, DefaultCRS: a.CRS})
	if err != nil {
		return nil, stageErr(StageLoad, fmt.Errorf("run B: %w", err))
	}

	cmp, err := CompareRuns(a, b, cfg.Settings.ToleranceM)
	if err != nil {
		return nil, stageErr(StageMatch, err)
	}
	log.Printf("Compare: run A %d matched / %d unmatched, run B %d matched / %d unmatched",
		cmp.MatchedA.Len(), cmp.UnmatchedA.Len(), cmp.MatchedB.Len(), cmp.UnmatchedB.Len())

	outputs := []struct {
		path string
		c    *Collection
	}{
		{cfg.OutputFiles.MatchedA, cmp.MatchedA},
		{cfg.OutputFiles.MatchedB, cmp.MatchedB},
		{cfg.OutputFiles.UnmatchedA, cmp.UnmatchedA},
		{cfg.OutputFiles.UnmatchedB, cmp.UnmatchedB},
	}
	for _, o := range outputs {
		if err := writeRecords(o.path, o.c, comparisonProperties); err != nil {
			return nil, stageErr(StageWrite, err)
		}
	}

	return &CompareResult{Comparison: cmp, TotalA: a.Len(), TotalB: b.Len()}, nil
}
