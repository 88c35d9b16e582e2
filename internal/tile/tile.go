// Package tile provides axis-aligned integer box arithmetic over a 3D
// voxel domain. Tiles are half-open boxes [L, R) in (z, y, x) order and
// are the unit of locality for incremental model-image updates: every
// partial render is scoped to a tile, and every cache write-back goes
// through an inner/outer tile pair plus the offset between them.
package tile

// Tile is a half-open integer box [L, R) per axis, (z, y, x) order.
// A tile with non-positive extent on any axis is invalid and must
// short-circuit the caller; see Valid.
type Tile struct {
	L [3]int
	R [3]int
}

// New returns the tile [l, r).
func New(l, r [3]int) Tile {
	return Tile{L: l, R: r}
}

// FromShape returns the tile covering [0, shape) on every axis.
func FromShape(shape [3]int) Tile {
	return Tile{R: shape}
}

// Shape returns the per-axis extent R-L. Extents may be non-positive for
// invalid tiles.
func (t Tile) Shape() [3]int {
	return [3]int{t.R[0] - t.L[0], t.R[1] - t.L[1], t.R[2] - t.L[2]}
}

// Valid reports whether the tile has positive extent on every axis.
func (t Tile) Valid() bool {
	for a := 0; a < 3; a++ {
		if t.R[a]-t.L[a] <= 0 {
			return false
		}
	}
	return true
}

// NumVoxels returns the number of voxels covered, or 0 for invalid tiles.
func (t Tile) NumVoxels() int {
	if !t.Valid() {
		return 0
	}
	s := t.Shape()
	return s[0] * s[1] * s[2]
}

// Contains reports whether the voxel p lies inside the tile.
func (t Tile) Contains(p [3]int) bool {
	for a := 0; a < 3; a++ {
		if p[a] < t.L[a] || p[a] >= t.R[a] {
			return false
		}
	}
	return true
}

// Intersect returns the overlap of a and b. The result may be invalid if
// the tiles are disjoint.
func Intersect(a, b Tile) Tile {
	var out Tile
	for i := 0; i < 3; i++ {
		out.L[i] = maxInt(a.L[i], b.L[i])
		out.R[i] = minInt(a.R[i], b.R[i])
	}
	return out
}

// Union returns the smallest tile containing both a and b.
func Union(a, b Tile) Tile {
	var out Tile
	for i := 0; i < 3; i++ {
		out.L[i] = minInt(a.L[i], b.L[i])
		out.R[i] = maxInt(a.R[i], b.R[i])
	}
	return out
}

// Pad grows each face of the tile outward by amount per axis. Negative
// amounts shrink the tile.
func (t Tile) Pad(amount [3]int) Tile {
	var out Tile
	for i := 0; i < 3; i++ {
		out.L[i] = t.L[i] - amount[i]
		out.R[i] = t.R[i] + amount[i]
	}
	return out
}

// PadUniform grows each face of the tile outward by the same amount.
func (t Tile) PadUniform(amount int) Tile {
	return t.Pad([3]int{amount, amount, amount})
}

// Translate shifts the tile by d.
func (t Tile) Translate(d [3]int) Tile {
	var out Tile
	for i := 0; i < 3; i++ {
		out.L[i] = t.L[i] + d[i]
		out.R[i] = t.R[i] + d[i]
	}
	return out
}

// Clip clamps the tile to the given domain.
func (t Tile) Clip(domain Tile) Tile {
	return Intersect(t, domain)
}

// Offset returns inner expressed relative to outer's origin. This is the
// slicer used to copy an inner-tile region out of an outer-tile-sized
// buffer: buf[Offset(inner, outer)] lines up with image[inner].
func Offset(inner, outer Tile) Tile {
	return inner.Translate([3]int{-outer.L[0], -outer.L[1], -outer.L[2]})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
