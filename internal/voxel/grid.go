// Package voxel provides the dense 3D float64 grid used for measured
// images, model images, and per-voxel log-likelihood fields. Grids are
// addressed in (z, y, x) order and support region operations scoped by
// tiles so that incremental updates never touch voxels outside the
// affected sub-volume.
package voxel

import (
	"fmt"

	"github.com/glasslab/refract/internal/tile"
)

// Grid is a dense 3D array of float64 in (z, y, x) order.
type Grid struct {
	shape [3]int
	data  []float64
}

// New returns a zero-filled grid of the given shape.
func New(shape [3]int) *Grid {
	return &Grid{shape: shape, data: make([]float64, shape[0]*shape[1]*shape[2])}
}

// FromData wraps an existing buffer. The buffer length must equal the
// product of the shape.
func FromData(shape [3]int, data []float64) *Grid {
	if len(data) != shape[0]*shape[1]*shape[2] {
		panic(fmt.Sprintf("voxel: data length %d does not match shape %v", len(data), shape))
	}
	return &Grid{shape: shape, data: data}
}

// Shape returns the grid dimensions.
func (g *Grid) Shape() [3]int { return g.shape }

// Bounds returns the tile covering the whole grid.
func (g *Grid) Bounds() tile.Tile { return tile.FromShape(g.shape) }

// Data returns the backing buffer.
func (g *Grid) Data() []float64 { return g.data }

// Index returns the flat index of voxel (z, y, x).
func (g *Grid) Index(z, y, x int) int {
	return (z*g.shape[1]+y)*g.shape[2] + x
}

// At returns the value at voxel (z, y, x).
func (g *Grid) At(z, y, x int) float64 { return g.data[g.Index(z, y, x)] }

// Set stores v at voxel (z, y, x).
func (g *Grid) Set(z, y, x int, v float64) { g.data[g.Index(z, y, x)] = v }

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	out := New(g.shape)
	copy(out.data, g.data)
	return out
}

// Fill sets every voxel to v.
func (g *Grid) Fill(v float64) {
	for i := range g.data {
		g.data[i] = v
	}
}

// Scale multiplies every voxel by v in place.
func (g *Grid) Scale(v float64) {
	for i := range g.data {
		g.data[i] *= v
	}
}

// Sum returns the sum over all voxels.
func (g *Grid) Sum() float64 {
	var s float64
	for _, v := range g.data {
		s += v
	}
	return s
}

// SumRegion returns the sum over the voxels inside t. The tile must lie
// within the grid bounds; invalid tiles sum to zero.
func (g *Grid) SumRegion(t tile.Tile) float64 {
	if !t.Valid() {
		return 0
	}
	var s float64
	for z := t.L[0]; z < t.R[0]; z++ {
		for y := t.L[1]; y < t.R[1]; y++ {
			base := g.Index(z, y, t.L[2])
			for i := 0; i < t.R[2]-t.L[2]; i++ {
				s += g.data[base+i]
			}
		}
	}
	return s
}

// Subgrid returns a copy of the region covered by t as a new grid of
// shape t.Shape().
func (g *Grid) Subgrid(t tile.Tile) *Grid {
	out := New(t.Shape())
	out.SetRegion(out.Bounds(), g, t)
	return out
}

// SetRegion copies src[srcT] into g[dstT]. The two tiles must have equal
// shapes.
func (g *Grid) SetRegion(dstT tile.Tile, src *Grid, srcT tile.Tile) {
	checkShapes(dstT, srcT)
	nx := dstT.R[2] - dstT.L[2]
	for z := 0; z < dstT.R[0]-dstT.L[0]; z++ {
		for y := 0; y < dstT.R[1]-dstT.L[1]; y++ {
			di := g.Index(dstT.L[0]+z, dstT.L[1]+y, dstT.L[2])
			si := src.Index(srcT.L[0]+z, srcT.L[1]+y, srcT.L[2])
			copy(g.data[di:di+nx], src.data[si:si+nx])
		}
	}
}

// AddRegion accumulates scale*src[srcT] into g[dstT]. The two tiles must
// have equal shapes.
func (g *Grid) AddRegion(dstT tile.Tile, src *Grid, srcT tile.Tile, scale float64) {
	checkShapes(dstT, srcT)
	nx := dstT.R[2] - dstT.L[2]
	for z := 0; z < dstT.R[0]-dstT.L[0]; z++ {
		for y := 0; y < dstT.R[1]-dstT.L[1]; y++ {
			di := g.Index(dstT.L[0]+z, dstT.L[1]+y, dstT.L[2])
			si := src.Index(srcT.L[0]+z, srcT.L[1]+y, srcT.L[2])
			for i := 0; i < nx; i++ {
				g.data[di+i] += scale * src.data[si+i]
			}
		}
	}
}

// FillRegion sets every voxel inside t to v.
func (g *Grid) FillRegion(t tile.Tile, v float64) {
	if !t.Valid() {
		return
	}
	nx := t.R[2] - t.L[2]
	for z := t.L[0]; z < t.R[0]; z++ {
		for y := t.L[1]; y < t.R[1]; y++ {
			base := g.Index(z, y, t.L[2])
			for i := 0; i < nx; i++ {
				g.data[base+i] = v
			}
		}
	}
}

func checkShapes(a, b tile.Tile) {
	if a.Shape() != b.Shape() {
		panic(fmt.Sprintf("voxel: region shape mismatch %v vs %v", a.Shape(), b.Shape()))
	}
}
