package assess

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/quadtree"
)

// MatchOptions configures the matcher
type MatchOptions struct {
	// Tolerance is the maximum centre-to-centre distance, in CRS units (metres),
	// at which two records match. The bound is inclusive.
	Tolerance float64
	// Policy is PolicyManyToMany (default) or PolicyOneToOne
	Policy string
}

// Match is one edge of the ground-truth / detection match graph
type Match struct {
	GT       string  `json:"gt_id"`
	DET      string  `json:"det_id"`
	Distance float64 `json:"distance"`
}

// TagResult holds both tagged collections and the edges that produced the tags
type TagResult struct {
	GT      *Collection
	DET     *Collection
	Matches []Match
}

// edge indexes into the gt/det record slices
type edge struct {
	gt, det  int
	distance float64
}

// indexedPoint lets the quadtree hand back the record index
type indexedPoint struct {
	idx int
	pt  orb.Point
}

func (p indexedPoint) Point() orb.Point { return p.pt }

// Tag pairs ground truth against detections and tags every record.
//
// Two records match when the distance between their representative points is
// at most opts.Tolerance, which is the same as their tolerance/2 buffers
// touching or overlapping. With PolicyManyToMany every record with at least
// one partner is a true positive. With PolicyOneToOne pairs are assigned
// greedily by increasing distance and each record takes at most one partner.
// Unpaired ground truth is a false negative, unpaired detections are false positives.
func Tag(gt, det *Collection, opts MatchOptions) (*TagResult, error) {
	if opts.Tolerance <= 0 || math.IsNaN(opts.Tolerance) || math.IsInf(opts.Tolerance, 0) {
		return nil, fmt.Errorf("%w: tolerance must be a positive finite number, got %v", ErrConfigValidation, opts.Tolerance)
	}
	policy := opts.Policy
	if policy == "" {
		policy = PolicyManyToMany
	}
	if policy != PolicyManyToMany && policy != PolicyOneToOne {
		return nil, fmt.Errorf("%w: unknown match policy %q", ErrConfigValidation, policy)
	}
	if gt.Source != GroundTruth || det.Source != Detection {
		return nil, fmt.Errorf("Tag expects (ground_truth, detection), got (%s, %s)", gt.Source, det.Source)
	}
	if !gt.CRS.IsZero() && !det.CRS.IsZero() && gt.CRS != det.CRS {
		return nil, fmt.Errorf("%w: ground truth in %s, detections in %s", ErrCrsMismatch, gt.CRS, det.CRS)
	}
	if gt.CRS.IsGeographic() || det.CRS.IsGeographic() {
		return nil, fmt.Errorf("%w: matching needs a projected CRS in metres, got %s", ErrCrsMismatch, gt.CRS)
	}
	if err := ValidateForMatching(gt); err != nil {
		return nil, err
	}
	if err := ValidateForMatching(det); err != nil {
		return nil, err
	}

	gtPts, err := representativePoints(gt)
	if err != nil {
		return nil, err
	}
	detPts, err := representativePoints(det)
	if err != nil {
		return nil, err
	}

	edges := candidateEdges(gtPts, detPts, opts.Tolerance)
	if policy == PolicyOneToOne {
		edges = greedyOneToOne(edges)
	}

	result := &TagResult{
		GT:      applyTags(gt, edges, func(e edge) (int, int) { return e.gt, e.det }, det),
		DET:     applyTags(det, edges, func(e edge) (int, int) { return e.det, e.gt }, gt),
		Matches: make([]Match, len(edges)),
	}
	for i, e := range edges {
		result.Matches[i] = Match{
			GT:       gt.Records[e.gt].ID,
			DET:      det.Records[e.det].ID,
			Distance: e.distance,
		}
	}

	if err := CheckPartition(result.GT, gt.Len()); err != nil {
		return nil, err
	}
	if err := CheckPartition(result.DET, det.Len()); err != nil {
		return nil, err
	}
	if err := checkSymmetry(result.GT, result.DET); err != nil {
		return nil, err
	}

	return result, nil
}

func representativePoints(c *Collection) ([]orb.Point, error) {
	pts := make([]orb.Point, c.Len())
	for i, r := range c.Records {
		p, err := RepresentativePoint(r.Geometry)
		if err != nil {
			return nil, fmt.Errorf("%s record %s: %w", c.Source, r.ID, err)
		}
		pts[i] = p
	}
	return pts, nil
}

// candidateEdges returns every (gt, det) pair within tolerance, ordered by
// gt index, then distance, then det index
func candidateEdges(gtPts, detPts []orb.Point, tolerance float64) []edge {
	if len(gtPts) == 0 || len(detPts) == 0 {
		return nil
	}

	bound := orb.MultiPoint(detPts).Bound()
	qt := quadtree.New(bound)
	for i, p := range detPts {
		// The bound was built from these points, so Add cannot fail
		_ = qt.Add(indexedPoint{idx: i, pt: p})
	}

	// Pad the search window so float rounding never excludes a point lying
	// exactly on the tolerance circle; the exact distance test decides
	pad := tolerance * (1 + 1e-9)

	var edges []edge
	var buf []orb.Pointer
	for gi, gp := range gtPts {
		window := orb.Bound{
			Min: orb.Point{gp[0] - pad, gp[1] - pad},
			Max: orb.Point{gp[0] + pad, gp[1] + pad},
		}
		buf = qt.InBound(buf[:0], window)

		start := len(edges)
		for _, ptr := range buf {
			ip := ptr.(indexedPoint)
			d := planar.Distance(gp, ip.pt)
			if d <= tolerance {
				edges = append(edges, edge{gt: gi, det: ip.idx, distance: d})
			}
		}
		found := edges[start:]
		sort.Slice(found, func(i, j int) bool {
			if found[i].distance != found[j].distance {
				return found[i].distance < found[j].distance
			}
			return found[i].det < found[j].det
		})
	}
	return edges
}

// greedyOneToOne keeps the shortest edges such that no record is used twice.
// Ties break on ground-truth row, then detection row.
func greedyOneToOne(edges []edge) []edge {
	sorted := make([]edge, len(edges))
	copy(sorted, edges)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		if a.gt != b.gt {
			return a.gt < b.gt
		}
		return a.det < b.det
	})

	usedGT := make(map[int]bool)
	usedDet := make(map[int]bool)
	var kept []edge
	for _, e := range sorted {
		if usedGT[e.gt] || usedDet[e.det] {
			continue
		}
		usedGT[e.gt] = true
		usedDet[e.det] = true
		kept = append(kept, e)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].gt < kept[j].gt })
	return kept
}

// applyTags projects the edge list onto one side: a record with at least one
// edge is a true positive and lists its partners nearest first
func applyTags(c *Collection, edges []edge, ends func(edge) (self, other int), other *Collection) *Collection {
	partners := make(map[int][]edge)
	for _, e := range edges {
		self, _ := ends(e)
		partners[self] = append(partners[self], e)
	}

	out := c.derive(c.Len())
	for i, r := range c.Records {
		rec := r.clone()
		es := partners[i]
		if len(es) == 0 {
			rec.Tag = c.Source.MissTag()
			rec.Matches = nil
			out.Records = append(out.Records, rec)
			continue
		}

		sort.SliceStable(es, func(a, b int) bool {
			if es[a].distance != es[b].distance {
				return es[a].distance < es[b].distance
			}
			_, oa := ends(es[a])
			_, ob := ends(es[b])
			return oa < ob
		})
		rec.Tag = TruePositive
		rec.Matches = make([]string, len(es))
		for k, e := range es {
			_, o := ends(e)
			rec.Matches[k] = other.Records[o].ID
		}
		out.Records = append(out.Records, rec)
	}
	return out
}

// CheckPartition verifies that the tags of a tagged collection split it
// exhaustively and disjointly into true positives and misses
func CheckPartition(c *Collection, expected int) error {
	if c.Len() != expected {
		return fmt.Errorf("%w: %s has %d tagged records, expected %d",
			ErrConsistencyViolation, c.Source, c.Len(), expected)
	}
	miss := c.Source.MissTag()
	tp, missed := 0, 0
	for _, r := range c.Records {
		switch {
		case r.Tag == TruePositive:
			tp++
		case r.Tag == miss:
			missed++
		default:
			return fmt.Errorf("%w: %s record %s tagged %q", ErrConsistencyViolation, c.Source, r.ID, r.Tag)
		}
		if !c.Source.Allows(r.Tag) {
			return fmt.Errorf("%w: %s record %s cannot be %q", ErrConsistencyViolation, c.Source, r.ID, r.Tag)
		}
	}
	if tp+missed != expected {
		return fmt.Errorf("%w: %s split %d + %d != %d", ErrConsistencyViolation, c.Source, tp, missed, expected)
	}
	return nil
}

// checkSymmetry verifies that A lists B exactly when B lists A
func checkSymmetry(gt, det *Collection) error {
	detLinks := make(map[string]map[string]bool, det.Len())
	for _, r := range det.Records {
		set := make(map[string]bool, len(r.Matches))
		for _, id := range r.Matches {
			set[id] = true
		}
		detLinks[r.ID] = set
	}

	links := 0
	for _, r := range gt.Records {
		for _, id := range r.Matches {
			if !detLinks[id][r.ID] {
				return fmt.Errorf("%w: ground truth %s lists detection %s but not the reverse",
					ErrConsistencyViolation, r.ID, id)
			}
			links++
		}
	}
	back := 0
	for _, set := range detLinks {
		back += len(set)
	}
	if links != back {
		return fmt.Errorf("%w: %d ground-truth links vs %d detection links", ErrConsistencyViolation, links, back)
	}
	return nil
}
