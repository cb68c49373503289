package tiles

import "math"

// Bounds is a WGS84 envelope, [lng_w, lat_s, lng_e, lat_n].
type Bounds [4]float64

func (b Bounds) West() float64  { return b[0] }
func (b Bounds) South() float64 { return b[1] }
func (b Bounds) East() float64  { return b[2] }
func (b Bounds) North() float64 { return b[3] }

// Envelope returns the WGS84 envelope of tile (z, x, y) on the
// spherical-mercator grid.
func Envelope(z, x, y int) Bounds {
	n := float64(int(1) << uint(z))
	west := float64(x)/n*360 - 180
	east := float64(x+1)/n*360 - 180
	north := lat(float64(y), n)
	south := lat(float64(y+1), n)
	return Bounds{west, south, east, north}
}

func lat(y, n float64) float64 {
	rad := math.Atan(math.Sinh(math.Pi * (1 - 2*y/n)))
	return rad * 180 / math.Pi
}

// Covers reports whether tile (z, x, y) overlaps the envelope b.
func (b Bounds) Covers(z, x, y int) bool {
	t := Envelope(z, x, y)
	return t.West() < b.East() && b.West() < t.East() &&
		t.South() < b.North() && b.South() < t.North()
}

// TileRange is the inclusive tile-index range intersecting an envelope
// at zoom z.
type TileRange struct {
	Z                      int
	MinX, MinY, MaxX, MaxY int
}

// Count returns how many tiles the range holds.
func (r TileRange) Count() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// RangeAt computes the tile-index range covering envelope b at zoom z.
func RangeAt(z int, b Bounds) TileRange {
	n := 1 << uint(z)

	minX := tileX(b.West(), z)
	maxX := tileX(b.East(), z)
	minY := tileY(b.North(), z)
	maxY := tileY(b.South(), z)

	clamp := func(v int) int {
		if v < 0 {
			return 0
		}
		if n <= v {
			return n - 1
		}
		return v
	}

	return TileRange{
		Z:    z,
		MinX: clamp(minX), MaxX: clamp(maxX),
		MinY: clamp(minY), MaxY: clamp(maxY),
	}
}

func tileX(lng float64, z int) int {
	n := float64(int(1) << uint(z))
	return int(math.Floor((lng + 180) / 360 * n))
}

func tileY(latDeg float64, z int) int {
	n := float64(int(1) << uint(z))
	rad := latDeg * math.Pi / 180
	return int(math.Floor((1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2 * n))
}
