package assess

import (
	"fmt"
	"log"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/twpayne/go-geos"
)

// BufferSectors returns copies of the sectors with Buffered set to the sector
// geometry grown outward by distance (metres, in the sector CRS)
func BufferSectors(sectors []SectorPolygon, distance float64) ([]SectorPolygon, error) {
	out := make([]SectorPolygon, len(sectors))
	for i, s := range sectors {
		g, err := toGEOS(s.Geometry)
		if err != nil {
			return nil, fmt.Errorf("sector %s: %w", s.Label, err)
		}
		buffered, err := fromGEOS(g.Buffer(distance, bufferQuadSegs))
		if err != nil {
			return nil, fmt.Errorf("sector %s: %w", s.Label, err)
		}
		if buffered == nil {
			return nil, fmt.Errorf("%w: sector %s buffers to an empty geometry", ErrInvalidGeometry, s.Label)
		}
		out[i] = SectorPolygon{Label: s.Label, Geometry: s.Geometry, Buffered: buffered}
	}
	return out, nil
}

// SectorLabels returns the distinct sector labels, sorted
func SectorLabels(sectors []SectorPolygon) []string {
	seen := make(map[string]bool, len(sectors))
	labels := make([]string, 0, len(sectors))
	for _, s := range sectors {
		if !seen[s.Label] {
			seen[s.Label] = true
			labels = append(labels, s.Label)
		}
	}
	sort.Strings(labels)
	return labels
}

type clipSector struct {
	label string
	geom  *geos.Geom
	bound orb.Bound
}

// Clip keeps only the parts of each record inside the buffered sectors.
// Geometries straddling a boundary are cut to the intersection; records with
// no overlap, or areal records whose overlap has no area, are dropped.
// Records without a sector take the label of the sector they overlap most
// (ties and points go to the first sector in label order).
func Clip(c *Collection, sectors []SectorPolygon) (*Collection, error) {
	ordered := make([]SectorPolygon, len(sectors))
	copy(ordered, sectors)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Label < ordered[j].Label })

	prepared := make([]clipSector, 0, len(ordered))
	for _, s := range ordered {
		if s.Buffered == nil {
			return nil, fmt.Errorf("sector %s has not been buffered", s.Label)
		}
		g, err := toGEOS(s.Buffered)
		if err != nil {
			return nil, fmt.Errorf("sector %s: %w", s.Label, err)
		}
		prepared = append(prepared, clipSector{label: s.Label, geom: g, bound: s.Buffered.Bound()})
	}

	out := c.derive(c.Len())
	dropped := 0
	for _, r := range c.Records {
		if r.Geometry == nil || isEmptyGeometry(r.Geometry) {
			dropped++
			continue
		}
		rg, err := toGEOS(r.Geometry)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		rb := r.Geometry.Bound()

		var clipped *geos.Geom
		bestLabel := ""
		bestArea := -1.0
		for _, s := range prepared {
			if !s.bound.Intersects(rb) || !rg.Intersects(s.geom) {
				continue
			}
			part := rg.Intersection(s.geom)
			if part == nil || part.IsEmpty() {
				continue
			}
			if area := part.Area(); area > bestArea {
				bestArea = area
				bestLabel = s.label
			}
			if clipped == nil {
				clipped = part
			} else {
				clipped = clipped.Union(part)
			}
		}

		if clipped == nil || clipped.IsEmpty() {
			dropped++
			continue
		}
		if isAreal(r.Geometry) && clipped.Area() == 0 {
			dropped++
			continue
		}

		geom, err := fromGEOS(clipped)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		if geom == nil {
			dropped++
			continue
		}

		rec := r.clone()
		rec.Geometry = geom
		if rec.Sector == "" {
			rec.Sector = bestLabel
		}
		out.Records = append(out.Records, rec)
	}

	if dropped > 0 {
		log.Printf("Clip: dropped %d of %d %s records outside the buffered sectors", dropped, c.Len(), c.Source)
	}
	return out, nil
}

// ValidateForMatching rejects null, empty or zero-area geometries, which the
// matcher cannot measure distances from
func ValidateForMatching(c *Collection) error {
	for _, r := range c.Records {
		if r.Geometry == nil || isEmptyGeometry(r.Geometry) {
			return fmt.Errorf("%w: %s record %s has an empty geometry", ErrInvalidGeometry, c.Source, r.ID)
		}
		if isAreal(r.Geometry) && planar.Area(r.Geometry) == 0 {
			return fmt.Errorf("%w: %s record %s has zero area", ErrInvalidGeometry, c.Source, r.ID)
		}
		if _, err := RepresentativePoint(r.Geometry); err != nil {
			return fmt.Errorf("%s record %s: %w", c.Source, r.ID, err)
		}
	}
	return nil
}
