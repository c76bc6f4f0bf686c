package assess

import (
	"fmt"
	"math"

	geohash "github.com/TomiHiltunen/geohash-golang"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

const (
	MaxGeohashPrecision = 12

	GTGeohashPrefix  = "gt_"
	DetGeohashPrefix = "dt_"

	metresPerDegree = 111320.0
)

// geohashCellSize returns the larger side, in metres at the equator, of a
// geohash cell with the given number of characters
func geohashCellSize(precision int) float64 {
	bits := 5 * precision
	lonBits := (bits + 1) / 2
	latBits := bits / 2
	lonDeg := 360 / math.Pow(2, float64(lonBits))
	latDeg := 180 / math.Pow(2, float64(latBits))
	return math.Max(lonDeg, latDeg) * metresPerDegree
}

// PrecisionForTolerance picks the coarsest geohash precision whose cells are
// no larger than half the matching tolerance, so only co-located geometries
// share a key
func PrecisionForTolerance(toleranceM float64) int {
	for p := 1; p <= MaxGeohashPrecision; p++ {
		if geohashCellSize(p) <= toleranceM/2 {
			return p
		}
	}
	return MaxGeohashPrecision
}

// RepresentativePoint is the point itself for points, the planar centroid otherwise
func RepresentativePoint(g orb.Geometry) (orb.Point, error) {
	if g == nil {
		return orb.Point{}, fmt.Errorf("%w: null geometry", ErrInvalidGeometry)
	}
	if p, ok := g.(orb.Point); ok {
		return p, nil
	}
	if isEmptyGeometry(g) {
		return orb.Point{}, fmt.Errorf("%w: empty %s", ErrInvalidGeometry, g.GeoJSONType())
	}
	c, _ := planar.CentroidArea(g)
	if math.IsNaN(c[0]) || math.IsNaN(c[1]) {
		return orb.Point{}, fmt.Errorf("%w: degenerate %s", ErrInvalidGeometry, g.GeoJSONType())
	}
	return c, nil
}

// AddGeohash returns a copy of c where each record carries
// prefix + geohash(representative point in EPSG:4326) + suffix
func AddGeohash(c *Collection, precision int, prefix, suffix string) (*Collection, error) {
	if precision < 1 || precision > MaxGeohashPrecision {
		return nil, fmt.Errorf("geohash precision %d out of range 1..%d", precision, MaxGeohashPrecision)
	}
	if c.CRS.IsZero() {
		return nil, fmt.Errorf("%w: collection has no CRS, cannot reproject for geohashing", ErrCrsMismatch)
	}
	rp, err := c.CRS.NewReprojector()
	if err != nil {
		return nil, err
	}
	defer rp.Close()

	pts := make([]orb.Point, 0, c.Len())
	for _, r := range c.Records {
		p, err := RepresentativePoint(r.Geometry)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		pts = append(pts, p)
	}
	lonlat, err := rp.ToWGS84(pts)
	if err != nil {
		return nil, err
	}

	out := c.derive(c.Len())
	for i, r := range c.Records {
		rec := r.clone()
		ll := lonlat[i]
		rec.Geohash = prefix + geohash.EncodeWithPrecision(ll.Lat(), ll.Lon(), precision) + suffix
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

// isEmptyGeometry reports geometries with no coordinates at all
func isEmptyGeometry(g orb.Geometry) bool {
	switch t := g.(type) {
	case nil:
		return true
	case orb.Point:
		return false
	case orb.MultiPoint:
		return len(t) == 0
	case orb.LineString:
		return len(t) == 0
	case orb.MultiLineString:
		for _, ls := range t {
			if len(ls) > 0 {
				return false
			}
		}
		return true
	case orb.Ring:
		return len(t) == 0
	case orb.Polygon:
		return len(t) == 0 || len(t[0]) == 0
	case orb.MultiPolygon:
		for _, p := range t {
			if len(p) > 0 && len(p[0]) > 0 {
				return false
			}
		}
		return true
	case orb.Collection:
		for _, sub := range t {
			if !isEmptyGeometry(sub) {
				return false
			}
		}
		return true
	case orb.Bound:
		return false
	}
	return false
}
