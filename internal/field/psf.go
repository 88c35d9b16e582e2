package field

import (
	"math"

	"github.com/glasslab/refract/internal/tile"
	"github.com/glasslab/refract/internal/voxel"
)

// psfTruncationSigmas is where the Gaussian kernel is truncated, in
// standard deviations per side.
const psfTruncationSigmas = 3.0

// GaussianPSF is a separable anisotropic Gaussian point-spread kernel
// with finite support. Convolution treats voxels outside the buffer as
// zero, so callers discard a SupportSize-wide band at the buffer edge.
type GaussianPSF struct {
	sigmas  [3]float64
	kernels [3][]float64
	support [3]int
	cur     tile.Tile
}

var _ Convolver = (*GaussianPSF)(nil)

// NewGaussianPSF builds a kernel with the given standard deviations in
// (z, y, x) voxel units.
func NewGaussianPSF(sz, sy, sx float64) *GaussianPSF {
	p := &GaussianPSF{}
	p.Update([]float64{sz, sy, sx})
	return p
}

// SetTile scopes the kernel; the Gaussian itself is shift-invariant so
// this only records the tile for interface symmetry.
func (p *GaussianPSF) SetTile(t tile.Tile) { p.cur = t }

// Params returns the standard deviations.
func (p *GaussianPSF) Params() []float64 {
	return []float64{p.sigmas[0], p.sigmas[1], p.sigmas[2]}
}

// Update replaces the standard deviations and rebuilds the kernels.
func (p *GaussianPSF) Update(values []float64) {
	copy(p.sigmas[:], values)
	for a := 0; a < 3; a++ {
		w := int(math.Ceil(psfTruncationSigmas * p.sigmas[a]))
		if w < 1 {
			w = 1
		}
		p.support[a] = w
		k := make([]float64, 2*w+1)
		sum := 0.0
		for i := -w; i <= w; i++ {
			v := math.Exp(-float64(i*i) / (2 * p.sigmas[a] * p.sigmas[a]))
			k[i+w] = v
			sum += v
		}
		for i := range k {
			k[i] /= sum
		}
		p.kernels[a] = k
	}
}

// SupportSize returns the kernel half-width per axis.
func (p *GaussianPSF) SupportSize() [3]float64 {
	return [3]float64{float64(p.support[0]), float64(p.support[1]), float64(p.support[2])}
}

// Execute convolves g with the separable kernel, zero-padded at the
// buffer edges. The result has g's shape.
func (p *GaussianPSF) Execute(g *voxel.Grid) *voxel.Grid {
	shape := g.Shape()
	a := g.Clone()
	b := voxel.New(shape)

	p.convolveAxis(a, b, 0)
	p.convolveAxis(b, a, 1)
	p.convolveAxis(a, b, 2)
	return b
}

// convolveAxis convolves src along the given axis into dst.
func (p *GaussianPSF) convolveAxis(src, dst *voxel.Grid, axis int) {
	shape := src.Shape()
	w := p.support[axis]
	kern := p.kernels[axis]

	var stride int
	switch axis {
	case 0:
		stride = shape[1] * shape[2]
	case 1:
		stride = shape[2]
	default:
		stride = 1
	}

	sd := src.Data()
	dd := dst.Data()
	n := shape[axis]

	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				var pos int
				switch axis {
				case 0:
					pos = z
				case 1:
					pos = y
				default:
					pos = x
				}
				idx := src.Index(z, y, x)
				var sum float64
				lo, hi := -w, w
				if pos+lo < 0 {
					lo = -pos
				}
				if pos+hi > n-1 {
					hi = n - 1 - pos
				}
				for o := lo; o <= hi; o++ {
					sum += kern[o+w] * sd[idx+o*stride]
				}
				dd[idx] = sum
			}
		}
	}
}
