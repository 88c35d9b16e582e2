package field

import (
	"math"

	"github.com/glasslab/refract/internal/tile"
	"github.com/glasslab/refract/internal/voxel"
)

// sphereEdgeSteepness controls the sigmoid falloff of the platonic sphere
// surface. Larger is sharper; 5 gives a roughly one-voxel edge.
const sphereEdgeSteepness = 5.0

// sphereEdgeSupport is the half-width in voxels by which the sigmoid
// edge extends beyond the nominal radius before truncation.
const sphereEdgeSupport = 2.0

// SphereCollection renders the platonic occupancy field of a set of
// spheres with smooth sigmoid edges. Particles are added and removed
// incrementally; in difference mode the collection also accumulates the
// signed delta field of the latest update for the renderer to convolve.
type SphereCollection struct {
	shape [3]int
	pos   [][3]float64
	rad   []float64
	typ   []float64

	zscale float64

	field   *voxel.Grid
	scratch *voxel.Grid

	scratchTile tile.Tile
	dirty       bool

	cur tile.Tile
}

var _ DiffFieldProducer = (*SphereCollection)(nil)

// NewSphereCollection builds a collection over the given domain shape.
// typ may be nil, in which case every particle is active.
func NewSphereCollection(pos [][3]float64, rad, typ []float64, shape [3]int) *SphereCollection {
	n := len(rad)
	s := &SphereCollection{
		shape:   shape,
		pos:     make([][3]float64, n),
		rad:     append([]float64(nil), rad...),
		typ:     make([]float64, n),
		field:   voxel.New(shape),
		scratch: voxel.New(shape),
	}
	copy(s.pos, pos)
	if typ != nil {
		copy(s.typ, typ)
	} else {
		for i := range s.typ {
			s.typ[i] = 1
		}
	}
	s.cur = tile.FromShape(shape)
	return s
}

// N returns the number of particles.
func (s *SphereCollection) N() int { return len(s.rad) }

// Positions returns the stored particle positions. Read-only.
func (s *SphereCollection) Positions() [][3]float64 { return s.pos }

// Radii returns the stored particle radii. Read-only.
func (s *SphereCollection) Radii() []float64 { return s.rad }

// Types returns the stored particle type flags. Read-only.
func (s *SphereCollection) Types() []float64 { return s.typ }

// Initialize redraws the whole occupancy field from the stored particle
// state at the given anisotropy factor. Called at construction and after
// structural zscale changes.
func (s *SphereCollection) Initialize(zscale float64) {
	s.zscale = zscale
	s.field.Fill(0)
	for i := range s.rad {
		if s.typ[i] == 1 {
			s.draw(s.pos[i], s.rad[i], +1, false)
		}
	}
}

// SetTile scopes Field and DiffField reads to t.
func (s *SphereCollection) SetTile(t tile.Tile) { s.cur = t }

// Field returns the occupancy field over the current tile.
func (s *SphereCollection) Field() *voxel.Grid { return s.field.Subgrid(s.cur) }

// DiffField returns the signed delta field from the most recent
// difference-mode UpdateParticles call, over the current tile.
func (s *SphereCollection) DiffField() *voxel.Grid { return s.scratch.Subgrid(s.cur) }

// UpdateParticles replaces the listed particles' positions, radii, and
// types, removing the old contributions from the field and adding the new
// ones. In difference mode the signed change is additionally accumulated
// into the delta buffer read back by DiffField.
func (s *SphereCollection) UpdateParticles(ns []int, pos [][3]float64, rad, typ []float64, zscale float64, difference bool) {
	s.zscale = zscale
	if difference {
		if s.dirty {
			s.scratch.FillRegion(s.scratchTile, 0)
		}
		s.dirty = false
	}
	for k, n := range ns {
		if s.typ[n] == 1 {
			s.draw(s.pos[n], s.rad[n], -1, difference)
		}
		s.pos[n] = pos[k]
		s.rad[n] = rad[k]
		s.typ[n] = typ[k]
		if s.typ[n] == 1 {
			s.draw(s.pos[n], s.rad[n], +1, difference)
		}
	}
}

// draw accumulates one signed sphere into the occupancy field, and into
// the delta buffer when difference is set.
func (s *SphereCollection) draw(p [3]float64, r float64, sign float64, difference bool) {
	t := s.drawTile(p, r)
	if !t.Valid() {
		return
	}
	for z := t.L[0]; z < t.R[0]; z++ {
		dz := (float64(z) - p[0]) * s.zscale
		for y := t.L[1]; y < t.R[1]; y++ {
			dy := float64(y) - p[1]
			for x := t.L[2]; x < t.R[2]; x++ {
				dx := float64(x) - p[2]
				rdist := math.Sqrt(dz*dz + dy*dy + dx*dx)
				v := sign / (1 + math.Exp(sphereEdgeSteepness*(rdist-r)))
				i := s.field.Index(z, y, x)
				s.field.Data()[i] += v
				if difference {
					s.scratch.Data()[i] += v
				}
			}
		}
	}
	if difference {
		if s.dirty {
			s.scratchTile = tile.Union(s.scratchTile, t)
		} else {
			s.scratchTile = t
			s.dirty = true
		}
	}
}

// drawTile is the truncation box for a sphere at p with radius r,
// clipped to the domain. The z extent shrinks by the anisotropy factor
// since distances along z are stretched by zscale.
func (s *SphereCollection) drawTile(p [3]float64, r float64) tile.Tile {
	rz := r
	if s.zscale > 0 {
		rz = r / s.zscale
	}
	half := [3]float64{rz + sphereEdgeSupport, r + sphereEdgeSupport, r + sphereEdgeSupport}
	var l, rr [3]int
	for a := 0; a < 3; a++ {
		l[a] = int(math.Floor(p[a] - half[a]))
		rr[a] = int(math.Ceil(p[a]+half[a])) + 1
	}
	return tile.New(l, rr).Clip(tile.FromShape(s.shape))
}

// Update implements Component: values is the concatenation of flattened
// positions, radii, and types. The field is rebuilt from scratch.
func (s *SphereCollection) Update(values []float64) {
	n := s.N()
	for i := 0; i < n; i++ {
		s.pos[i] = [3]float64{values[3*i], values[3*i+1], values[3*i+2]}
	}
	copy(s.rad, values[3*n:4*n])
	copy(s.typ, values[4*n:5*n])
	s.Initialize(s.zscale)
}

// Params implements Component: flattened positions, then radii, then
// types.
func (s *SphereCollection) Params() []float64 {
	n := s.N()
	out := make([]float64, 0, 5*n)
	for i := 0; i < n; i++ {
		out = append(out, s.pos[i][0], s.pos[i][1], s.pos[i][2])
	}
	out = append(out, s.rad...)
	out = append(out, s.typ...)
	return out
}

// SupportSize returns the sigmoid edge half-width on each axis.
func (s *SphereCollection) SupportSize() [3]float64 {
	return [3]float64{sphereEdgeSupport, sphereEdgeSupport, sphereEdgeSupport}
}
