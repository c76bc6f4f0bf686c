package assess

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/twpayne/go-geos"
	_ "modernc.org/sqlite"
)

// GeoPackage constants (OGC 12-128r18)
const (
	gpkgApplicationID = 0x47504B47 // "GPKG"
	gpkgUserVersion   = 10300
	gpkgGeomColumn    = "geom"
	gpkgFIDColumn     = "fid"

	gpkgFlagLittleEndian = 0x01
	gpkgFlagEmpty        = 0x10
)

// gpkgEnvelopeSize maps the envelope indicator (flags bits 1-3) to its byte length
var gpkgEnvelopeSize = map[byte]int{0: 0, 1: 32, 2: 48, 3: 48, 4: 64}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// readGeoPackage reads the first feature table registered in gpkg_geometry_columns
func readGeoPackage(path string) (*layer, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer db.Close()

	var table, geomCol string
	var srsID int64
	err = db.QueryRow(`SELECT table_name, column_name, srs_id FROM gpkg_geometry_columns ORDER BY table_name LIMIT 1`).
		Scan(&table, &geomCol, &srsID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: no feature table in GeoPackage", path)
		}
		return nil, fmt.Errorf("%s: reading gpkg_geometry_columns: %w", path, err)
	}

	l := &layer{path: path}
	if srsID > 0 {
		var org string
		var code int64
		err := db.QueryRow(`SELECT organization, organization_coordsys_id FROM gpkg_spatial_ref_sys WHERE srs_id = ?`, srsID).
			Scan(&org, &code)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: reading gpkg_spatial_ref_sys: %w", path, err)
		}
		if strings.EqualFold(org, "EPSG") && code > 0 {
			l.crs = CRS{Code: int(code)}
		}
	}

	rows, err := db.Query(`SELECT * FROM ` + quoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("%s: reading table %s: %w", path, table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%s: scanning row: %w", path, err)
		}

		f := rawFeature{properties: make(map[string]interface{}, len(cols)-1)}
		for i, col := range cols {
			if col == geomCol {
				blob, _ := values[i].([]byte)
				if blob == nil {
					continue
				}
				g, err := decodeGPKGGeometry(blob)
				if err != nil {
					return nil, fmt.Errorf("%s: row %d: %w", path, len(l.features), err)
				}
				f.geometry = g
				continue
			}
			f.properties[col] = values[i]
		}
		l.features = append(l.features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return l, nil
}

// decodeGPKGGeometry strips the GeoPackage binary header and parses the WKB body.
// An empty geometry decodes to nil.
func decodeGPKGGeometry(b []byte) (orb.Geometry, error) {
	if len(b) < 8 || b[0] != 'G' || b[1] != 'P' {
		return nil, fmt.Errorf("%w: not a GeoPackage geometry blob", ErrInvalidGeometry)
	}
	flags := b[3]
	size, ok := gpkgEnvelopeSize[(flags>>1)&0x07]
	if !ok {
		return nil, fmt.Errorf("%w: bad envelope indicator in flags 0x%02x", ErrInvalidGeometry, flags)
	}
	if flags&gpkgFlagEmpty != 0 {
		return nil, nil
	}
	off := 8 + size
	if len(b) <= off {
		return nil, fmt.Errorf("%w: truncated geometry blob", ErrInvalidGeometry)
	}
	body := b[off:]
	g, err := wkb.Unmarshal(body)
	if err == nil {
		return g, nil
	}
	if !wkbHasZM(body) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}

	gg, gerr := geos.NewGeomFromWKB(body)
	if gerr != nil {
		return nil, fmt.Errorf("%w: Z/M geometry: %v", ErrInvalidGeometry, gerr)
	}
	g, err = fromGEOS2D(gg)
	if err != nil {
		return nil, fmt.Errorf("Z/M geometry: %w", err)
	}
	return g, nil
}

// wkbHasZM reports a WKB type code carrying Z or M, in ISO (1000s, 2000s,
// 3000s) or extended (high flag bits) form
func wkbHasZM(body []byte) bool {
	if len(body) < 5 {
		return false
	}
	var typ uint32
	switch body[0] {
	case 0:
		typ = binary.BigEndian.Uint32(body[1:5])
	case 1:
		typ = binary.LittleEndian.Uint32(body[1:5])
	default:
		return false
	}
	if typ&0xC0000000 != 0 {
		return true
	}
	dims := (typ & 0x0FFFFFFF) / 1000
	return dims >= 1 && dims <= 3
}

// encodeGPKGGeometry writes a little-endian header without envelope followed by WKB
func encodeGPKGGeometry(g orb.Geometry, srsID int32) ([]byte, error) {
	header := make([]byte, 8)
	header[0], header[1] = 'G', 'P'
	header[3] = gpkgFlagLittleEndian
	binary.LittleEndian.PutUint32(header[4:], uint32(srsID))

	if g == nil {
		header[3] |= gpkgFlagEmpty
		return header, nil
	}

	body, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	return append(header, body...), nil
}

// gpkgFeature is one row to write
type gpkgFeature struct {
	geometry   orb.Geometry
	properties map[string]interface{}
}

// columnType picks a GeoPackage column type from the first non-nil value
func columnType(v interface{}) string {
	switch v.(type) {
	case bool:
		return "BOOLEAN"
	case int, int32, int64, uint32:
		return "INTEGER"
	case float32, float64:
		return "REAL"
	case []byte:
		return "BLOB"
	}
	return "TEXT"
}

// sqlValue converts property values the driver cannot bind directly
func sqlValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, bool, int, int32, int64, uint32, float32, float64, string, []byte:
		return t
	}
	return fmt.Sprintf("%v", v)
}

// writeGeoPackage replaces path with a single-table GeoPackage
func writeGeoPackage(path string, crs CRS, features []gpkgFeature) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing existing %s: %w", path, err)
	}

	table := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	// Column set is the union of property keys, sorted for a stable schema
	types := make(map[string]string)
	for _, f := range features {
		for k, v := range f.properties {
			if k == gpkgFIDColumn || k == gpkgGeomColumn {
				continue
			}
			if _, ok := types[k]; !ok || types[k] == "" {
				if v != nil {
					types[k] = columnType(v)
				} else {
					types[k] = ""
				}
			}
		}
	}
	cols := make([]string, 0, len(types))
	for k := range types {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer db.Close()

	srsID := int32(-1)
	if !crs.IsZero() {
		srsID = int32(crs.Code)
	}

	stmts := []string{
		fmt.Sprintf(`PRAGMA application_id = %d`, gpkgApplicationID),
		fmt.Sprintf(`PRAGMA user_version = %d`, gpkgUserVersion),
		`CREATE TABLE gpkg_spatial_ref_sys (
			srs_name TEXT NOT NULL,
			srs_id INTEGER PRIMARY KEY,
			organization TEXT NOT NULL,
			organization_coordsys_id INTEGER NOT NULL,
			definition TEXT NOT NULL,
			description TEXT
		)`,
		`CREATE TABLE gpkg_contents (
			table_name TEXT NOT NULL PRIMARY KEY,
			data_type TEXT NOT NULL,
			identifier TEXT UNIQUE,
			description TEXT DEFAULT '',
			last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			min_x DOUBLE, min_y DOUBLE, max_x DOUBLE, max_y DOUBLE,
			srs_id INTEGER
		)`,
		`CREATE TABLE gpkg_geometry_columns (
			table_name TEXT NOT NULL,
			column_name TEXT NOT NULL,
			geometry_type_name TEXT NOT NULL,
			srs_id INTEGER NOT NULL,
			z TINYINT NOT NULL,
			m TINYINT NOT NULL,
			PRIMARY KEY (table_name, column_name)
		)`,
		`INSERT INTO gpkg_spatial_ref_sys VALUES
			('Undefined cartesian SRS', -1, 'NONE', -1, 'undefined', NULL),
			('Undefined geographic SRS', 0, 'NONE', 0, 'undefined', NULL),
			('WGS 84 geodetic', 4326, 'EPSG', 4326, 'undefined', NULL)`,
	}

	var defs []string
	defs = append(defs, quoteIdent(gpkgFIDColumn)+" INTEGER PRIMARY KEY AUTOINCREMENT")
	defs = append(defs, quoteIdent(gpkgGeomColumn)+" GEOMETRY")
	for _, c := range cols {
		t := types[c]
		if t == "" {
			t = "TEXT"
		}
		defs = append(defs, quoteIdent(c)+" "+t)
	}
	stmts = append(stmts, fmt.Sprintf(`CREATE TABLE %s (%s)`, quoteIdent(table), strings.Join(defs, ", ")))

	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("initialising %s: %w", path, err)
		}
	}

	if srsID > 0 && srsID != EPSGWGS84 {
		_, err := db.Exec(`INSERT INTO gpkg_spatial_ref_sys VALUES (?, ?, 'EPSG', ?, 'undefined', NULL)`,
			crs.String(), srsID, srsID)
		if err != nil {
			return fmt.Errorf("registering %s in %s: %w", crs, path, err)
		}
	}

	bound, hasBound := featureBound(features)
	var minX, minY, maxX, maxY interface{}
	if hasBound {
		minX, minY, maxX, maxY = bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]
	}
	if _, err := db.Exec(`INSERT INTO gpkg_contents (table_name, data_type, identifier, min_x, min_y, max_x, max_y, srs_id)
		VALUES (?, 'features', ?, ?, ?, ?, ?, ?)`, table, table, minX, minY, maxX, maxY, srsID); err != nil {
		return fmt.Errorf("registering contents in %s: %w", path, err)
	}
	if _, err := db.Exec(`INSERT INTO gpkg_geometry_columns VALUES (?, ?, 'GEOMETRY', ?, 0, 0)`,
		table, gpkgGeomColumn, srsID); err != nil {
		return fmt.Errorf("registering geometry column in %s: %w", path, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	names := []string{quoteIdent(gpkgGeomColumn)}
	marks := []string{"?"}
	for _, c := range cols {
		names = append(names, quoteIdent(c))
		marks = append(marks, "?")
	}
	stmt, err := tx.Prepare(fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		quoteIdent(table), strings.Join(names, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("preparing insert into %s: %w", path, err)
	}
	defer stmt.Close()

	for i, f := range features {
		blob, err := encodeGPKGGeometry(f.geometry, srsID)
		if err != nil {
			return fmt.Errorf("encoding feature %d: %w", i, err)
		}
		args := make([]interface{}, 0, len(cols)+1)
		args = append(args, blob)
		for _, c := range cols {
			args = append(args, sqlValue(f.properties[c]))
		}
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("inserting feature %d into %s: %w", i, path, err)
		}
	}

	return tx.Commit()
}

func featureBound(features []gpkgFeature) (orb.Bound, bool) {
	var b orb.Bound
	found := false
	for _, f := range features {
		if f.geometry == nil {
			continue
		}
		if !found {
			b = f.geometry.Bound()
			found = true
			continue
		}
		b = b.Union(f.geometry.Bound())
	}
	return b, found
}
