package assess

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
)

// CRS identifies a coordinate reference system by EPSG code.
// The zero value means "unknown / not declared".
type CRS struct {
	Code int
}

// Known EPSG codes
const (
	EPSGWGS84       = 4326
	EPSGWebMercator = 3857
	EPSGLV95        = 2056
	EPSGLV03        = 21781
)

// WGS84 is geographic lon/lat
var WGS84 = CRS{Code: EPSGWGS84}

// IsZero reports whether the CRS is undeclared
func (c CRS) IsZero() bool { return c.Code == 0 }

func (c CRS) String() string {
	if c.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("EPSG:%d", c.Code)
}

// URN is the OGC name written into GeoJSON "crs" members
func (c CRS) URN() string {
	return fmt.Sprintf("urn:ogc:def:crs:EPSG::%d", c.Code)
}

// IsGeographic reports whether coordinates are angular degrees
func (c CRS) IsGeographic() bool {
	return c.Code == EPSGWGS84
}

// ParseCRS accepts "EPSG:2056", "epsg:2056", "2056",
// "urn:ogc:def:crs:EPSG::2056" and the CRS84 URN
func ParseCRS(s string) (CRS, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return CRS{}, nil
	}
	upper := strings.ToUpper(v)

	if strings.HasSuffix(upper, "CRS84") {
		return WGS84, nil
	}

	var code string
	switch {
	case strings.HasPrefix(upper, "URN:OGC:DEF:CRS:EPSG:"):
		code = upper[strings.LastIndex(upper, ":")+1:]
	case strings.HasPrefix(upper, "EPSG:"):
		code = upper[len("EPSG:"):]
	default:
		code = upper
	}

	n, err := strconv.Atoi(code)
	if err != nil || n <= 0 {
		return CRS{}, fmt.Errorf("unrecognised CRS %q", s)
	}
	return CRS{Code: n}, nil
}

// Reprojector converts planar coordinates of one CRS to lon/lat degrees.
// It wraps a GDAL coordinate transformation, which is not safe for concurrent use.
type Reprojector struct {
	crs      CRS
	src, dst *godal.SpatialRef
	trn      *godal.Transform
}

// NewReprojector builds a transformation from c to EPSG:4326. Any EPSG code
// known to GDAL/PROJ is accepted; unknown codes fail with ErrCrsMismatch.
func (c CRS) NewReprojector() (*Reprojector, error) {
	if c.IsZero() {
		return nil, fmt.Errorf("%w: no CRS declared, cannot reproject to EPSG:4326", ErrCrsMismatch)
	}
	r := &Reprojector{crs: c}
	if c.IsGeographic() {
		return r, nil
	}

	var err error
	if r.src, err = godal.NewSpatialRefFromEPSG(c.Code); err != nil {
		return nil, fmt.Errorf("%w: cannot reproject from %s to EPSG:4326: %v", ErrCrsMismatch, c, err)
	}
	if r.dst, err = godal.NewSpatialRefFromEPSG(EPSGWGS84); err != nil {
		r.Close()
		return nil, fmt.Errorf("creating EPSG:4326 spatial reference: %w", err)
	}
	if r.trn, err = godal.NewTransform(r.src, r.dst); err != nil {
		r.Close()
		return nil, fmt.Errorf("%w: cannot reproject from %s to EPSG:4326: %v", ErrCrsMismatch, c, err)
	}
	return r, nil
}

// ToWGS84 reprojects pts in one batch; the input slice is left untouched
func (r *Reprojector) ToWGS84(pts []orb.Point) ([]orb.Point, error) {
	out := make([]orb.Point, len(pts))
	if r.trn == nil {
		copy(out, pts)
		return out, nil
	}

	x := make([]float64, len(pts))
	y := make([]float64, len(pts))
	z := make([]float64, len(pts))
	ok := make([]bool, len(pts))
	for i, p := range pts {
		x[i], y[i] = p[0], p[1]
	}
	if err := r.trn.TransformEx(x, y, z, ok); err != nil {
		return nil, fmt.Errorf("reprojecting from %s: %w", r.crs, err)
	}
	for i := range pts {
		if !ok[i] {
			return nil, fmt.Errorf("%w: point %v lies outside the domain of %s", ErrInvalidGeometry, pts[i], r.crs)
		}
		out[i] = orb.Point{x[i], y[i]}
	}
	return out, nil
}

// Close releases the GDAL handles
func (r *Reprojector) Close() {
	if r.trn != nil {
		r.trn.Close()
		r.trn = nil
	}
	if r.dst != nil {
		r.dst.Close()
		r.dst = nil
	}
	if r.src != nil {
		r.src.Close()
		r.src = nil
	}
}

// ToWGS84 reprojects a single planar point to lon/lat degrees
func (c CRS) ToWGS84(p orb.Point) (orb.Point, error) {
	r, err := c.NewReprojector()
	if err != nil {
		return orb.Point{}, err
	}
	defer r.Close()

	ll, err := r.ToWGS84([]orb.Point{p})
	if err != nil {
		return orb.Point{}, err
	}
	return ll[0], nil
}
