package tiles

import (
	"bytes"
	"fmt"
	"strings"
)

// MaxZoom is the deepest zoom level a coordinate can address.
const MaxZoom = 22

type Ext string

const (
	PNG  Ext = "png"
	JPG  Ext = "jpg"
	WEBP Ext = "webp"
	MVT  Ext = "mvt"
	PBF  Ext = "pbf"
)

func ParseExt(s string) (Ext, bool) {
	switch e := Ext(strings.ToLower(s)); e {
	case PNG, JPG, WEBP, MVT, PBF:
		return e, true
	}
	return "", false
}

func (e Ext) ContentType() string {
	switch e {
	case PNG:
		return "image/png"
	case JPG:
		return "image/jpeg"
	case WEBP:
		return "image/webp"
	case MVT:
		return "application/vnd.mapbox-vector-tile"
	case PBF:
		return "application/x-protobuf"
	}
	return "application/octet-stream"
}

// Vector is true for vector-tile payload extensions.
func (e Ext) Vector() bool {
	return e == MVT || e == PBF
}

// Coordinate addresses one tile of one datasource.
type Coordinate struct {
	DatasourceID string
	Z, X, Y      int
	Ext          Ext
}

// Valid checks the grid invariants: 0 <= z <= MaxZoom, 0 <= x,y < 2^z.
func (c Coordinate) Valid() bool {
	if c.Z < 0 || MaxZoom < c.Z {
		return false
	}
	n := 1 << uint(c.Z)
	return 0 <= c.X && c.X < n && 0 <= c.Y && c.Y < n
}

// Fingerprint is the canonical single-flight key of the coordinate.
func (c Coordinate) Fingerprint() string {
	return fmt.Sprintf("%s/%d/%d/%d.%s", c.DatasourceID, c.Z, c.X, c.Y, c.Ext)
}

func (c Coordinate) String() string {
	return c.Fingerprint()
}

var gzipMagic = []byte{0x1f, 0x8b, 0x08}

// IsGzip reports whether b starts with the gzip magic bytes.
func IsGzip(b []byte) bool {
	return bytes.HasPrefix(b, gzipMagic)
}
