package assess

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/twpayne/go-geos"
)

// bufferQuadSegs is the number of segments per quarter circle used for buffers
const bufferQuadSegs = 8

// toGEOS converts an orb geometry through WKB
func toGEOS(g orb.Geometry) (*geos.Geom, error) {
	data, err := wkb.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encoding %s as WKB: %w", geometryTypeName(g), err)
	}
	gg, err := geos.NewGeomFromWKB(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	return gg, nil
}

// fromGEOS converts back to orb. Empty geometries come back as nil.
func fromGEOS(g *geos.Geom) (orb.Geometry, error) {
	if g == nil || g.IsEmpty() {
		return nil, nil
	}
	out, err := wkb.Unmarshal(g.ToWKB())
	if err != nil {
		return nil, fmt.Errorf("decoding GEOS result: %w", err)
	}
	return out, nil
}

// isAreal reports polygonal geometries, whose clipped result must keep some area
func isAreal(g orb.Geometry) bool {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon, orb.Ring, orb.Bound:
		return true
	}
	return false
}

// fromGEOS2D walks g and keeps x and y only. It serves the Z and M inputs that
// the orb WKB decoder rejects.
func fromGEOS2D(g *geos.Geom) (orb.Geometry, error) {
	if g == nil || g.IsEmpty() {
		return nil, nil
	}

	switch g.TypeID() {
	case geos.TypeIDPoint:
		c := g.CoordSeq().ToCoords()
		return orb.Point{c[0][0], c[0][1]}, nil
	case geos.TypeIDLineString:
		return orb.LineString(coords2D(g)), nil
	case geos.TypeIDLinearRing:
		return orb.Ring(coords2D(g)), nil
	case geos.TypeIDPolygon:
		return polygon2D(g), nil
	case geos.TypeIDMultiPoint:
		mp := make(orb.MultiPoint, 0, g.NumGeometries())
		for i := 0; i < g.NumGeometries(); i++ {
			if p := g.Geometry(i); !p.IsEmpty() {
				c := p.CoordSeq().ToCoords()
				mp = append(mp, orb.Point{c[0][0], c[0][1]})
			}
		}
		return mp, nil
	case geos.TypeIDMultiLineString:
		mls := make(orb.MultiLineString, 0, g.NumGeometries())
		for i := 0; i < g.NumGeometries(); i++ {
			mls = append(mls, orb.LineString(coords2D(g.Geometry(i))))
		}
		return mls, nil
	case geos.TypeIDMultiPolygon:
		mp := make(orb.MultiPolygon, 0, g.NumGeometries())
		for i := 0; i < g.NumGeometries(); i++ {
			if p := g.Geometry(i); !p.IsEmpty() {
				mp = append(mp, polygon2D(p))
			}
		}
		return mp, nil
	case geos.TypeIDGeometryCollection:
		col := make(orb.Collection, 0, g.NumGeometries())
		for i := 0; i < g.NumGeometries(); i++ {
			sub, err := fromGEOS2D(g.Geometry(i))
			if err != nil {
				return nil, err
			}
			if sub != nil {
				col = append(col, sub)
			}
		}
		return col, nil
	}
	return nil, fmt.Errorf("%w: unsupported geometry type id %d", ErrInvalidGeometry, g.TypeID())
}

func coords2D(g *geos.Geom) []orb.Point {
	if g.IsEmpty() {
		return nil
	}
	coords := g.CoordSeq().ToCoords()
	pts := make([]orb.Point, len(coords))
	for i, c := range coords {
		pts[i] = orb.Point{c[0], c[1]}
	}
	return pts
}

func polygon2D(g *geos.Geom) orb.Polygon {
	poly := make(orb.Polygon, 0, 1+g.NumInteriorRings())
	poly = append(poly, orb.Ring(coords2D(g.ExteriorRing())))
	for i := 0; i < g.NumInteriorRings(); i++ {
		poly = append(poly, orb.Ring(coords2D(g.InteriorRing(i))))
	}
	return poly
}
