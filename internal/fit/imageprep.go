package fit

import (
	"math"

	"github.com/glasslab/refract/internal/monitoring"
	"github.com/glasslab/refract/internal/tile"
	"github.com/glasslab/refract/internal/voxel"
)

// PadValue is the sentinel written into the pad border of a prepared
// image. The comparison mask excludes every voxel at or below it.
const PadValue = -10.0

// PrepareImage normalizes a raw image to [0, 1], pads it on every face by
// pad voxels of PadValue, and shifts the particle positions to match.
// Particles outside the padded domain or with negative radii are dropped.
// invert flips light-on-dark images to the dark-on-light convention the
// model renders. pad should be at least the point-spread support.
func PrepareImage(raw *voxel.Grid, pos [][3]float64, rad []float64, invert bool, pad int) (*voxel.Grid, [][3]float64, []float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range raw.Data() {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}

	shape := raw.Shape()
	norm := voxel.New(shape)
	nd := norm.Data()
	for i, v := range raw.Data() {
		u := (v - lo) / span
		if invert {
			u = 1 - u
		}
		nd[i] = u
	}

	padded := voxel.New([3]int{shape[0] + 2*pad, shape[1] + 2*pad, shape[2] + 2*pad})
	padded.Fill(PadValue)
	innerT := tile.FromShape(shape).Translate([3]int{pad, pad, pad})
	padded.SetRegion(innerT, norm, norm.Bounds())

	bounds := padded.Shape()
	keptPos := make([][3]float64, 0, len(rad))
	keptRad := make([]float64, 0, len(rad))
	for i := range rad {
		p := [3]float64{pos[i][0] + float64(pad), pos[i][1] + float64(pad), pos[i][2] + float64(pad)}
		oob := false
		for a := 0; a < 3; a++ {
			if p[a] < 0 || p[a] > float64(bounds[a]) {
				oob = true
			}
		}
		if oob {
			monitoring.Logf("fit: dropping particle %d out of bounds at %v", i, p)
			continue
		}
		if rad[i] < 0 {
			monitoring.Logf("fit: dropping particle %d with negative radius %f", i, rad[i])
			continue
		}
		keptPos = append(keptPos, p)
		keptRad = append(keptRad, rad[i])
	}
	return padded, keptPos, keptRad
}
