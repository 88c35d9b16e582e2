package field

import (
	"math"
	"testing"

	"github.com/glasslab/refract/internal/tile"
	"github.com/glasslab/refract/internal/voxel"
)

const tol = 1e-12

func maxAbsDiff(a, b *voxel.Grid) float64 {
	ad, bd := a.Data(), b.Data()
	m := 0.0
	for i := range ad {
		if d := math.Abs(ad[i] - bd[i]); d > m {
			m = d
		}
	}
	return m
}

func TestSphereFieldShape(t *testing.T) {
	shape := [3]int{20, 20, 20}
	s := NewSphereCollection([][3]float64{{10, 10, 10}}, []float64{4}, nil, shape)
	s.Initialize(1.0)

	// Deep inside the sphere the occupancy saturates to one, far outside
	// it vanishes.
	if got := s.field.At(10, 10, 10); math.Abs(got-1) > 1e-6 {
		t.Errorf("center occupancy = %v, want ~1", got)
	}
	if got := s.field.At(10, 10, 18); math.Abs(got) > 1e-6 {
		t.Errorf("far occupancy = %v, want ~0", got)
	}
	// At the nominal radius the sigmoid crosses one half.
	if got := s.field.At(10, 10, 14); math.Abs(got-0.5) > 0.05 {
		t.Errorf("edge occupancy = %v, want ~0.5", got)
	}
}

func TestSphereIncrementalMatchesRebuild(t *testing.T) {
	shape := [3]int{20, 20, 20}
	pos := [][3]float64{{6, 6, 6}, {12, 12, 12}}
	rad := []float64{3, 3.5}

	s := NewSphereCollection(pos, rad, nil, shape)
	s.Initialize(1.0)

	// Move one particle incrementally.
	s.UpdateParticles([]int{0}, [][3]float64{{7.3, 6.1, 5.8}}, []float64{3.2}, []float64{1}, 1.0, false)

	fresh := NewSphereCollection([][3]float64{{7.3, 6.1, 5.8}, {12, 12, 12}}, []float64{3.2, 3.5}, nil, shape)
	fresh.Initialize(1.0)

	if d := maxAbsDiff(s.field, fresh.field); d > tol {
		t.Errorf("incremental field differs from rebuild by %g", d)
	}
}

func TestSphereDiffFieldConsistent(t *testing.T) {
	shape := [3]int{20, 20, 20}
	s := NewSphereCollection([][3]float64{{10, 10, 10}}, []float64{4}, nil, shape)
	s.Initialize(1.0)

	before := s.field.Clone()
	s.UpdateParticles([]int{0}, [][3]float64{{10.6, 10, 10}}, []float64{4}, []float64{1}, 1.0, true)

	// field_after - field_before must equal the accumulated delta buffer.
	after := s.field.Clone()
	for i, v := range before.Data() {
		after.Data()[i] -= v
	}
	if d := maxAbsDiff(after, s.scratch); d > tol {
		t.Errorf("delta buffer inconsistent with field change by %g", d)
	}
}

func TestSphereDeactivation(t *testing.T) {
	shape := [3]int{16, 16, 16}
	s := NewSphereCollection([][3]float64{{8, 8, 8}}, []float64{3}, nil, shape)
	s.Initialize(1.0)
	if s.field.Sum() == 0 {
		t.Fatal("active particle should contribute occupancy")
	}

	s.UpdateParticles([]int{0}, [][3]float64{{8, 8, 8}}, []float64{3}, []float64{0}, 1.0, false)
	if got := s.field.Sum(); got != 0 {
		t.Errorf("deactivated particle leaves occupancy sum %g", got)
	}
}

func TestSphereAnisotropy(t *testing.T) {
	shape := [3]int{24, 24, 24}
	s := NewSphereCollection([][3]float64{{12, 12, 12}}, []float64{4}, nil, shape)
	s.Initialize(2.0)

	// zscale 2 compresses the sphere along z: the z profile decays faster
	// than the x profile at equal offsets.
	zv := s.field.At(16, 12, 12)
	xv := s.field.At(12, 12, 16)
	if zv >= xv {
		t.Errorf("z occupancy %g not compressed below x occupancy %g", zv, xv)
	}
}

func TestPolynomialConstant(t *testing.T) {
	shape := [3]int{8, 8, 8}
	p := NewPolynomial3D(shape, [3]int{1, 1, 1}, BasisLegendre, 2.5)
	for _, v := range p.field.Data() {
		if v != 2.5 {
			t.Fatalf("constant field value %v, want 2.5", v)
		}
	}
	if got := p.NParams(); got != 1 {
		t.Errorf("NParams() = %d, want 1", got)
	}
}

func TestPolynomialIncrementalMatchesRebuild(t *testing.T) {
	shape := [3]int{10, 12, 14}
	for _, basis := range []Basis{BasisPower, BasisLegendre} {
		p := NewPolynomial3D(shape, [3]int{2, 2, 2}, basis, 1.0)

		// Single-coefficient change goes through the incremental path.
		vals := p.Params()
		vals[3] = 0.25
		p.Update(vals)

		q := NewPolynomial3D(shape, [3]int{2, 2, 2}, basis, 1.0)
		copy(q.coeffs, vals)
		q.rebuild()

		if d := maxAbsDiff(p.field, q.field); d > tol {
			t.Errorf("basis %d: incremental field differs from rebuild by %g", basis, d)
		}

		// Changing most coefficients takes the rebuild path; results must
		// still agree.
		for i := range vals {
			vals[i] = 0.1 * float64(i+1)
		}
		p.Update(vals)
		copy(q.coeffs, vals)
		q.rebuild()
		if d := maxAbsDiff(p.field, q.field); d > tol {
			t.Errorf("basis %d: bulk update differs from rebuild by %g", basis, d)
		}
	}
}

func TestPolynomialTiledRead(t *testing.T) {
	shape := [3]int{8, 8, 8}
	p := NewPolynomial3D(shape, [3]int{2, 1, 1}, BasisPower, 1.0)
	vals := p.Params()
	vals[1] = 0.5
	p.Update(vals)

	tl := tile.New([3]int{2, 2, 2}, [3]int{6, 6, 6})
	p.SetTile(tl)
	sub := p.Field()
	if sub.Shape() != tl.Shape() {
		t.Fatalf("tiled field shape %v, want %v", sub.Shape(), tl.Shape())
	}
	if got, want := sub.At(0, 0, 0), p.field.At(2, 2, 2); got != want {
		t.Errorf("tiled origin %v, want %v", got, want)
	}
}

func TestLegendreValues(t *testing.T) {
	cases := []struct {
		n    int
		x    float64
		want float64
	}{
		{0, 0.3, 1},
		{1, 0.3, 0.3},
		{2, 0.5, 0.5 * (3*0.25 - 1)},
		{3, 1, 1},
		{4, -1, 1},
	}
	for _, c := range cases {
		if got := legendre(c.n, c.x); math.Abs(got-c.want) > tol {
			t.Errorf("legendre(%d, %g) = %g, want %g", c.n, c.x, got, c.want)
		}
	}
}

func TestGaussianPSFKernel(t *testing.T) {
	p := NewGaussianPSF(2.0, 1.5, 1.0)

	for a := 0; a < 3; a++ {
		sum := 0.0
		for _, v := range p.kernels[a] {
			sum += v
		}
		if math.Abs(sum-1) > tol {
			t.Errorf("axis %d kernel sum = %g, want 1", a, sum)
		}
	}
	if got := p.support[0]; got != 6 {
		t.Errorf("z support = %d, want 6", got)
	}
	if got := p.SupportSize(); got[2] != 3 {
		t.Errorf("x support = %v, want 3", got[2])
	}
}

func TestGaussianPSFPreservesMass(t *testing.T) {
	// Away from the edges, convolution with a normalized kernel preserves
	// the total mass of a point source.
	g := voxel.New([3]int{21, 21, 21})
	g.Set(10, 10, 10, 1)

	p := NewGaussianPSF(1.5, 1.5, 1.5)
	out := p.Execute(g)

	if math.Abs(out.Sum()-1) > 1e-9 {
		t.Errorf("convolved mass = %g, want 1", out.Sum())
	}
	if out.At(10, 10, 10) >= 1 {
		t.Error("peak should spread below 1")
	}
	// Symmetric kernel, symmetric result.
	if math.Abs(out.At(9, 10, 10)-out.At(11, 10, 10)) > tol {
		t.Error("convolution asymmetric along z")
	}
}

func TestGaussianPSFConstantField(t *testing.T) {
	// A constant field stays constant away from the zero-padded border.
	g := voxel.New([3]int{20, 20, 20})
	g.Fill(3)

	p := NewGaussianPSF(1.0, 1.0, 1.0)
	out := p.Execute(g)

	w := p.support[0]
	inner := tile.FromShape(out.Shape()).PadUniform(-w)
	for z := inner.L[0]; z < inner.R[0]; z++ {
		for y := inner.L[1]; y < inner.R[1]; y++ {
			for x := inner.L[2]; x < inner.R[2]; x++ {
				if math.Abs(out.At(z, y, x)-3) > 1e-9 {
					t.Fatalf("interior voxel (%d,%d,%d) = %v, want 3", z, y, x, out.At(z, y, x))
				}
			}
		}
	}
	// Border voxels lose mass to the zero padding but keep some.
	if b := out.At(0, 10, 10); b <= 0 || b >= 3 {
		t.Errorf("border voxel = %v, want in (0, 3)", b)
	}
}
