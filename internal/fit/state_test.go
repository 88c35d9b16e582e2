package fit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/glasslab/refract/internal/field"
	"github.com/glasslab/refract/internal/voxel"
)

// testScene builds a small two-particle state. The raw 12^3 image is
// padded by 6 on every face; the point-spread support of 3 stays within
// half the pad so full renders are exact on the global inner tile.
func testScene(t *testing.T, opts Options) *State {
	t.Helper()
	return testSceneAt(t, opts,
		[][3]float64{{4, 4, 4}, {8, 8, 8}},
		[]float64{2.5, 2.5}, nil)
}

// testSceneAt builds a state with explicit raw-coordinate particles. typ
// may be nil for all-active.
func testSceneAt(t *testing.T, opts Options, pos [][3]float64, rad, typ []float64) *State {
	t.Helper()

	raw := voxel.New([3]int{12, 12, 12})
	raw.Fill(0.5)

	image, pos, rad := PrepareImage(raw, pos, rad, false, opts.Pad)
	shape := image.Shape()
	obj := field.NewSphereCollection(pos, rad, typ, shape)
	ilm := field.NewPolynomial3D(shape, [3]int{1, 1, 1}, field.BasisLegendre, 1.0)
	psf := field.NewGaussianPSF(0.8, 0.8, 0.8)

	return NewState(image, obj, ilm, psf, opts)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Pad = 6
	return opts
}

func maxAbsDiff(a, b []float64) float64 {
	m := 0.0
	for i := range a {
		if d := math.Abs(a[i] - b[i]); d > m {
			m = d
		}
	}
	return m
}

func TestNewStateInvariants(t *testing.T) {
	s := testScene(t, testOptions())

	require.Equal(t, [3]int{24, 24, 24}, s.Shape())
	require.Equal(t, 2, s.NumParticles())
	require.Zero(t, s.StackDepth())
	// Separated particles: the overlap prior is exactly zero.
	require.Zero(t, s.LogPrior())
	require.Less(t, s.LogLikelihood(), 0.0)

	// The parameter vector mirrors the component state.
	require.Equal(t, []float64{10, 10, 10}, s.Values(s.BlockParticlePos(0)))
	require.Equal(t, []float64{2.5}, s.Values(s.BlockParticleRad(1)))
	require.Equal(t, []float64{1}, s.Values(s.Block(BlockOffset)))
	require.Equal(t, []float64{1}, s.Values(s.Block(BlockZScale)))
}

func TestUpdateSameValuesKeepsState(t *testing.T) {
	s := testScene(t, testOptions())

	vecBefore := s.Values(s.BlockAll())
	llBefore := s.LogLikelihood()
	modelBefore := append([]float64(nil), s.model.Data()...)

	b := s.BlockParticlePos(0)
	require.True(t, s.Update(b, s.Values(b)))

	require.Equal(t, vecBefore, s.Values(s.BlockAll()))
	require.Equal(t, llBefore, s.LogLikelihood())
	require.Equal(t, modelBefore, s.model.Data())
}

func TestPushPopRoundTrip(t *testing.T) {
	for _, difference := range []bool{true, false} {
		opts := testOptions()
		opts.Difference = difference

		s := testScene(t, opts)
		vecBefore := s.Values(s.BlockAll())
		llBefore := s.LogLikelihood()
		modelBefore := append([]float64(nil), s.model.Data()...)

		b := s.BlockParticlePos(0)
		cur := s.Values(b)
		require.True(t, s.PushUpdate(b, []float64{cur[0] + 0.4, cur[1] - 0.2, cur[2]}))
		require.Equal(t, 1, s.StackDepth())
		require.NotEqual(t, llBefore, s.LogLikelihood())

		require.True(t, s.PopUpdate())
		require.Zero(t, s.StackDepth())

		// Parameter values come back bit-exactly; caches to round-off.
		require.Equal(t, vecBefore, s.Values(s.BlockAll()))
		require.InDelta(t, llBefore, s.LogLikelihood(), 1e-6)
		require.Less(t, maxAbsDiff(modelBefore, s.model.Data()), 1e-10)
	}
}

func TestPopUpdateEmptyStack(t *testing.T) {
	s := testScene(t, testOptions())
	require.False(t, s.PopUpdate())
}

func TestNestedPushPop(t *testing.T) {
	s := testScene(t, testOptions())
	vecBefore := s.Values(s.BlockAll())

	b := s.BlockParticlePos(0)
	cur := s.Values(b)
	require.True(t, s.PushUpdate(b, []float64{cur[0] + 0.3, cur[1], cur[2]}))
	require.True(t, s.PushUpdate(b, []float64{cur[0] + 0.6, cur[1], cur[2]}))
	require.Equal(t, 2, s.StackDepth())

	require.True(t, s.PopUpdate())
	require.InDelta(t, cur[0]+0.3, s.Values(b)[0], 0)
	require.True(t, s.PopUpdate())
	require.Equal(t, vecBefore, s.Values(s.BlockAll()))
}

func TestSigmaPushPop(t *testing.T) {
	s := testScene(t, testOptions())
	llBefore := s.LogLikelihood()
	sigBefore := s.Sigma()

	b := s.Block(BlockSigma)
	require.True(t, s.PushUpdate(b, []float64{sigBefore * 2}))
	require.Equal(t, sigBefore*2, s.Sigma())
	require.NotEqual(t, llBefore, s.LogLikelihood())

	require.True(t, s.PopUpdate())
	require.Equal(t, sigBefore, s.Sigma())
	require.InDelta(t, llBefore, s.LogLikelihood(), 1e-9)
}

func TestRejectionLeavesNoTrace(t *testing.T) {
	s := testScene(t, testOptions())

	vecBefore := s.Values(s.BlockAll())
	llBefore := s.LogLikelihood()
	lpBefore := s.LogPrior()
	modelBefore := append([]float64(nil), s.model.Data()...)

	// Drive particle 0 almost on top of particle 1: the overlap penalty
	// crosses the threshold and the update must be rejected.
	require.False(t, s.Update(s.BlockParticlePos(0), []float64{13.7, 14, 14}))

	// Rejection must leave everything bit-identical, including the prior
	// index, so a subsequent identical proposal rejects identically.
	require.Equal(t, vecBefore, s.Values(s.BlockAll()))
	require.Equal(t, llBefore, s.LogLikelihood())
	require.Equal(t, lpBefore, s.LogPrior())
	require.Equal(t, modelBefore, s.model.Data())

	require.False(t, s.Update(s.BlockParticlePos(0), []float64{13.7, 14, 14}))
	require.Equal(t, llBefore, s.LogLikelihood())
}

func TestOutOfBoundsRejected(t *testing.T) {
	s := testScene(t, testOptions())
	vecBefore := s.Values(s.BlockAll())

	require.False(t, s.Update(s.BlockParticlePos(0), []float64{-1, 10, 10}))
	require.False(t, s.Update(s.BlockParticlePos(0), []float64{10, 10, 25}))
	require.Equal(t, vecBefore, s.Values(s.BlockAll()))
}

func TestPushRejectedStillPops(t *testing.T) {
	// A rejected push leaves its frame on the stack; the mirrored pop
	// restores the (unchanged) values and the stack drains to zero.
	s := testScene(t, testOptions())
	llBefore := s.LogLikelihood()

	require.False(t, s.PushUpdate(s.BlockParticlePos(0), []float64{-5, 10, 10}))
	require.Equal(t, 1, s.StackDepth())
	require.True(t, s.PopUpdate())
	require.Zero(t, s.StackDepth())
	require.Equal(t, llBefore, s.LogLikelihood())
}

func TestLocality(t *testing.T) {
	s := testScene(t, testOptions())
	modelBefore := append([]float64(nil), s.model.Data()...)

	// Nudge the particle near the low corner; voxels in the far corner
	// are outside every affected tile and must not change at all.
	require.True(t, s.Update(s.BlockParticlePos(0), []float64{10.3, 10, 10}))

	changed := false
	for z := 21; z < 24; z++ {
		for y := 21; y < 24; y++ {
			for x := 21; x < 24; x++ {
				i := s.model.Index(z, y, x)
				if s.model.Data()[i] != modelBefore[i] {
					changed = true
				}
			}
		}
	}
	require.False(t, changed, "far-corner voxels were touched by a local update")
}

func TestIncrementalMatchesFullRender(t *testing.T) {
	for _, mode := range []Mode{ModeMultiplicative, ModeConstantOffset} {
		for _, difference := range []bool{true, false} {
			opts := testOptions()
			opts.Mode = mode
			opts.Difference = difference

			s := testScene(t, opts)

			// A few accepted incremental moves.
			require.True(t, s.Update(s.BlockParticlePos(0), []float64{10.4, 9.8, 10.2}))
			require.True(t, s.Update(s.BlockParticleRad(1), []float64{2.8}))
			require.True(t, s.Update(s.BlockParticlePos(1), []float64{14.3, 14.1, 13.8}))

			// A fresh state at the final raw-coordinate parameters renders
			// everything from scratch.
			p := float64(opts.Pad)
			fresh := testSceneAt(t, opts,
				[][3]float64{{10.4 - p, 9.8 - p, 10.2 - p}, {14.3 - p, 14.1 - p, 13.8 - p}},
				[]float64{2.5, 2.8}, nil)

			// Compare away from the pad border where both have rendered.
			h := opts.Pad / 2
			var worst float64
			for z := h; z < 24-h; z++ {
				for y := h; y < 24-h; y++ {
					for x := h; x < 24-h; x++ {
						d := math.Abs(s.model.At(z, y, x) - fresh.model.At(z, y, x))
						if d > worst {
							worst = d
						}
					}
				}
			}
			require.Lessf(t, worst, 1e-9, "mode %v difference %v: incremental render drifts from full render", mode, difference)
			require.InDelta(t, fresh.LogLikelihood(), s.LogLikelihood(), 1e-4)
		}
	}
}

func TestInactiveToInactiveNoRender(t *testing.T) {
	opts := testOptions()
	s := testScene(t, opts)

	// Deactivate particle 0 first.
	require.True(t, s.Update(s.BlockParticleTyp(0), []float64{0}))
	modelBefore := append([]float64(nil), s.model.Data()...)

	// Moving an inactive particle while keeping it inactive changes no
	// voxel; the move is still accepted and recorded in the vector.
	b := s.BlockParticlePos(0)
	require.True(t, s.Update(b, []float64{12, 12, 12}))
	require.Equal(t, []float64{12, 12, 12}, s.Values(b))
	require.Equal(t, modelBefore, s.model.Data())
}

func TestDeactivateRemovesContribution(t *testing.T) {
	opts := testOptions()
	s := testScene(t, opts)

	// With one particle deactivated, the model must match a fresh render
	// of the single remaining particle.
	require.True(t, s.Update(s.BlockParticleTyp(0), []float64{0}))

	fresh := testSceneAt(t, opts,
		[][3]float64{{4, 4, 4}, {8, 8, 8}},
		[]float64{2.5, 2.5}, []float64{0, 1})

	h := opts.Pad / 2
	var worst float64
	for z := h; z < 24-h; z++ {
		for y := h; y < 24-h; y++ {
			for x := h; x < 24-h; x++ {
				d := math.Abs(s.model.At(z, y, x) - fresh.model.At(z, y, x))
				if d > worst {
					worst = d
				}
			}
		}
	}
	require.Less(t, worst, 1e-9)
}

func TestZScaleStructuralUpdate(t *testing.T) {
	s := testScene(t, testOptions())
	llBefore := s.LogLikelihood()

	require.True(t, s.Update(s.Block(BlockZScale), []float64{1.25}))
	require.Equal(t, 1.25, s.ZScale())
	require.NotEqual(t, llBefore, s.LogLikelihood())

	// The prior was rebuilt at the new anisotropy; separated particles
	// still give exactly zero.
	require.Zero(t, s.LogPrior())

	// Round trip through push/pop.
	require.True(t, s.PushUpdate(s.Block(BlockZScale), []float64{0.9}))
	require.True(t, s.PopUpdate())
	require.Equal(t, 1.25, s.ZScale())
}

func TestZScaleRejectedBeforeMutation(t *testing.T) {
	// Two particles touching in z only under strong anisotropy: the
	// rebuilt trial prior crosses the threshold and the zscale change is
	// rejected with no component mutated.
	opts := testOptions()
	s := testSceneAt(t, opts,
		[][3]float64{{3, 6, 6}, {9, 6, 6}},
		[]float64{2.8, 2.8}, nil)
	require.Zero(t, s.LogPrior())

	llBefore := s.LogLikelihood()
	modelBefore := append([]float64(nil), s.model.Data()...)
	vecBefore := s.Values(s.BlockAll())

	// z separation 6, radii sum 5.6; zscale 0.3 shrinks the metric
	// distance to 1.8 for a deep overlap.
	require.False(t, s.Update(s.Block(BlockZScale), []float64{0.3}))
	require.Equal(t, 1.0, s.ZScale())
	require.Equal(t, vecBefore, s.Values(s.BlockAll()))
	require.Equal(t, llBefore, s.LogLikelihood())
	require.Equal(t, modelBefore, s.model.Data())
}

func TestOffsetAndILMUpdates(t *testing.T) {
	s := testScene(t, testOptions())
	llBefore := s.LogLikelihood()

	require.True(t, s.Update(s.Block(BlockOffset), []float64{0.8}))
	require.Equal(t, 0.8, s.Offset())
	llOff := s.LogLikelihood()
	require.NotEqual(t, llBefore, llOff)

	ilmVals := s.Values(s.Block(BlockILM))
	ilmVals[0] = 0.95
	require.True(t, s.Update(s.Block(BlockILM), ilmVals))
	require.NotEqual(t, llOff, s.LogLikelihood())
}

func TestRenderedImageMasked(t *testing.T) {
	s := testScene(t, testOptions())
	r := s.RenderedImage()

	// Pad border voxels are masked to zero; the interior carries the
	// illumination level.
	require.Zero(t, r.At(0, 0, 0))
	require.Greater(t, r.At(12, 12, 7), 0.0)
	require.Equal(t, s.Shape(), r.Shape())
}

func TestDisabledPrior(t *testing.T) {
	opts := testOptions()
	opts.DoPrior = false
	s := testScene(t, opts)

	// Without the prior, an overlapping proposal is accepted and the
	// log-prior stays zero.
	require.True(t, s.Update(s.BlockParticlePos(0), []float64{13.7, 14, 14}))
	require.Zero(t, s.LogPrior())
}
