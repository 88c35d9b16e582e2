package field

import (
	"github.com/glasslab/refract/internal/tile"
	"github.com/glasslab/refract/internal/voxel"
)

// Basis selects the 1D basis functions of a polynomial illumination
// field. The set is closed: new bases are added here, not injected.
type Basis int

const (
	// BasisPower uses plain monomials in normalized coordinates.
	BasisPower Basis = iota
	// BasisLegendre uses Legendre polynomials on [-1, 1], which stay
	// numerically balanced at higher orders.
	BasisLegendre
)

// Polynomial3D is a smooth separable polynomial illumination field over
// the image domain. Coordinates are normalized by the domain shape so
// coefficients transfer between differently sized images. Small
// coefficient changes update the cached field term-by-term; large changes
// rebuild it.
type Polynomial3D struct {
	shape  [3]int
	order  [3]int
	basis  Basis
	coeffs []float64

	field *voxel.Grid
	cur   tile.Tile

	// one-term cache, hit repeatedly during per-coefficient finite
	// differences
	lastIdx  int
	lastTerm []float64
}

var _ FieldProducer = (*Polynomial3D)(nil)

// NewPolynomial3D builds an illumination field with the given per-axis
// term counts. constval seeds the constant term; all other coefficients
// start at zero.
func NewPolynomial3D(shape, order [3]int, basis Basis, constval float64) *Polynomial3D {
	p := &Polynomial3D{
		shape:   shape,
		order:   order,
		basis:   basis,
		coeffs:  make([]float64, order[0]*order[1]*order[2]),
		field:   voxel.New(shape),
		lastIdx: -1,
	}
	p.coeffs[0] = constval
	p.rebuild()
	p.cur = tile.FromShape(shape)
	return p
}

// NParams returns the number of coefficients.
func (p *Polynomial3D) NParams() int { return len(p.coeffs) }

// SetTile scopes Field reads to t.
func (p *Polynomial3D) SetTile(t tile.Tile) { p.cur = t }

// Field returns the illumination field over the current tile.
func (p *Polynomial3D) Field() *voxel.Grid { return p.field.Subgrid(p.cur) }

// Params returns a copy of the coefficients.
func (p *Polynomial3D) Params() []float64 {
	return append([]float64(nil), p.coeffs...)
}

// SupportSize is zero: the field is pointwise in the coordinates.
func (p *Polynomial3D) SupportSize() [3]float64 { return [3]float64{} }

// Update replaces the coefficients. When fewer than half of them change,
// the cached field is adjusted by subtracting the old term and adding the
// new one per changed coefficient; otherwise it is rebuilt wholesale.
func (p *Polynomial3D) Update(values []float64) {
	changed := make([]int, 0, 4)
	for i, v := range values {
		if v != p.coeffs[i] {
			changed = append(changed, i)
		}
	}
	if len(changed) >= len(p.coeffs)/2 && len(p.coeffs) > 1 {
		copy(p.coeffs, values)
		p.rebuild()
		return
	}
	data := p.field.Data()
	for _, i := range changed {
		term := p.term(i)
		dv := values[i] - p.coeffs[i]
		for k := range data {
			data[k] += dv * term[k]
		}
		p.coeffs[i] = values[i]
	}
}

func (p *Polynomial3D) rebuild() {
	data := p.field.Data()
	for k := range data {
		data[k] = 0
	}
	for i, c := range p.coeffs {
		if c == 0 {
			continue
		}
		term := p.term(i)
		for k := range data {
			data[k] += c * term[k]
		}
	}
}

// term returns the dense basis term for flat coefficient index i, cached
// for repeated hits on the same index.
func (p *Polynomial3D) term(i int) []float64 {
	if i == p.lastIdx && p.lastTerm != nil {
		return p.lastTerm
	}
	oi := i / (p.order[1] * p.order[2])
	rem := i % (p.order[1] * p.order[2])
	oj := rem / p.order[2]
	ok := rem % p.order[2]

	bz := p.axisBasis(p.shape[0], oi)
	by := p.axisBasis(p.shape[1], oj)
	bx := p.axisBasis(p.shape[2], ok)

	out := make([]float64, p.shape[0]*p.shape[1]*p.shape[2])
	k := 0
	for z := 0; z < p.shape[0]; z++ {
		for y := 0; y < p.shape[1]; y++ {
			zy := bz[z] * by[y]
			for x := 0; x < p.shape[2]; x++ {
				out[k] = zy * bx[x]
				k++
			}
		}
	}
	p.lastIdx = i
	p.lastTerm = out
	return out
}

// axisBasis evaluates the 1D basis function of degree deg at every voxel
// along an axis of length n, in normalized coordinates.
func (p *Polynomial3D) axisBasis(n, deg int) []float64 {
	out := make([]float64, n)
	for v := 0; v < n; v++ {
		u := float64(v) / float64(n)
		switch p.basis {
		case BasisLegendre:
			out[v] = legendre(deg, 2*u-1)
		default:
			out[v] = powInt(u, deg)
		}
	}
	return out
}

// legendre evaluates the Legendre polynomial P_n(x) by the Bonnet
// recurrence.
func legendre(n int, x float64) float64 {
	if n == 0 {
		return 1
	}
	if n == 1 {
		return x
	}
	p0, p1 := 1.0, x
	for k := 2; k <= n; k++ {
		p0, p1 = p1, ((2*float64(k)-1)*x*p1-(float64(k)-1)*p0)/float64(k)
	}
	return p1
}

func powInt(x float64, n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= x
	}
	return out
}
