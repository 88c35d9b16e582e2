// Package fit implements the incremental state/update engine for fitting
// a parametric forward-rendering model (illumination times particle
// occupancy, convolved with a point-spread kernel) to a measured 3D
// image. The engine keeps the rendered model image and the per-voxel
// log-likelihood field cached, recomputes only the minimal tile affected
// by a parameter change, and exposes a transactional push/pop protocol so
// that speculative perturbations never force a full re-render.
package fit

import (
	"math"

	"github.com/glasslab/refract/internal/field"
	"github.com/glasslab/refract/internal/monitoring"
	"github.com/glasslab/refract/internal/params"
	"github.com/glasslab/refract/internal/prior"
	"github.com/glasslab/refract/internal/tile"
	"github.com/glasslab/refract/internal/voxel"
)

// Mode selects how the occupancy field composes with the illumination
// field. The set is closed and chosen at construction; there is no
// runtime-interpreted model expression.
type Mode int

const (
	// ModeMultiplicative renders ILM*(1 - offset*P).
	ModeMultiplicative Mode = iota
	// ModeConstantOffset renders ILM - offset*P.
	ModeConstantOffset
)

// Named parameter blocks. Together they partition the parameter vector
// exactly once.
const (
	BlockPos    = "pos"
	BlockRad    = "rad"
	BlockTyp    = "typ"
	BlockPSF    = "psf"
	BlockILM    = "ilm"
	BlockOffset = "off"
	BlockZScale = "zscale"
	BlockSigma  = "sigma"
)

// Options configures a State.
type Options struct {
	Sigma  float64 // noise standard deviation
	ZScale float64 // z-axis anisotropy factor, bigger is more compressed
	Offset float64 // particle inset level into the illumination field

	Pad        int  // image padding applied by PrepareImage
	Mode       Mode // composition mode
	Difference bool // difference-render particle updates
	DoPrior    bool // maintain the hard-sphere overlap prior
	NLogs      bool // include the log-normalization term in the likelihood

	CutoffFactor   float64 // prior cutoff = factor * max radius
	PriorThreshold float64 // log-prior acceptance threshold
}

// DefaultOptions returns the options used in practice for confocal
// stacks.
func DefaultOptions() Options {
	return Options{
		Sigma:          0.04,
		ZScale:         1.0,
		Offset:         1.0,
		Pad:            16,
		Mode:           ModeMultiplicative,
		Difference:     true,
		DoPrior:        true,
		NLogs:          false,
		CutoffFactor:   prior.DefaultCutoffFactor,
		PriorThreshold: prior.DefaultThreshold,
	}
}

// State owns every cache of the update engine: the measured image and its
// comparison mask, the rendered model image, the per-voxel log-likelihood
// field and its scalar sum, the overlap prior index, the parameter vector,
// and the transaction stack. All committed states satisfy the exactness
// invariant: the model image equals a full forward render of the current
// parameter vector.
type State struct {
	opts  Options
	shape [3]int
	n     int

	image   *voxel.Grid
	mask    *voxel.Grid
	model   *voxel.Grid
	llField *voxel.Grid
	ll      float64
	lp      float64

	obj *field.SphereCollection
	ilm field.FieldProducer
	psf field.Convolver
	nbl *prior.Index

	vec    *params.Vector
	stack  params.Stack
	layout *params.Layout

	bPos, bRad, bTyp, bPSF, bILM, bOff, bZScale, bSigma params.Block

	sigma, zscale, offset float64
}

// NewState builds a state from a prepared image (see PrepareImage) and
// the three field collaborators, performs the one-time full render, and
// initializes the overlap prior from the particle configuration.
func NewState(image *voxel.Grid, obj *field.SphereCollection, ilm field.FieldProducer, psf field.Convolver, opts Options) *State {
	n := obj.N()
	layout := params.NewLayout(
		[]string{BlockPos, BlockRad, BlockTyp, BlockPSF, BlockILM, BlockOffset, BlockZScale, BlockSigma},
		[]int{3 * n, n, n, len(psf.Params()), len(ilm.Params()), 1, 1, 1},
	)

	s := &State{
		opts:   opts,
		shape:  image.Shape(),
		n:      n,
		obj:    obj,
		ilm:    ilm,
		psf:    psf,
		layout: layout,
		vec:    params.NewVector(layout.Total()),
		sigma:  opts.Sigma,
		zscale: opts.ZScale,
		offset: opts.Offset,
	}

	s.bPos = layout.Block(BlockPos)
	s.bRad = layout.Block(BlockRad)
	s.bTyp = layout.Block(BlockTyp)
	s.bPSF = layout.Block(BlockPSF)
	s.bILM = layout.Block(BlockILM)
	s.bOff = layout.Block(BlockOffset)
	s.bZScale = layout.Block(BlockZScale)
	s.bSigma = layout.Block(BlockSigma)

	s.buildVector()
	s.SetImage(image)
	return s
}

// buildVector packs the component parameters and scalars into the flat
// vector in layout order.
func (s *State) buildVector() {
	raw := s.vec.Raw()
	k := 0
	put := func(vals ...float64) {
		copy(raw[k:], vals)
		k += len(vals)
	}
	for i := 0; i < s.n; i++ {
		p := s.obj.Positions()[i]
		put(p[0], p[1], p[2])
	}
	put(s.obj.Radii()...)
	put(s.obj.Types()...)
	put(s.psf.Params()...)
	put(s.ilm.Params()...)
	put(s.offset, s.zscale, s.sigma)
}

// SetImage replaces the measured image, rebuilds the comparison mask, and
// re-renders all caches from scratch. The image must already carry the
// pad border written by PrepareImage.
func (s *State) SetImage(image *voxel.Grid) {
	s.image = image.Clone()
	s.mask = voxel.New(s.shape)
	im := s.image.Data()
	mk := s.mask.Data()
	for i, v := range im {
		if v > PadValue {
			mk[i] = 1
		} else {
			im[i] = 0
		}
	}

	s.model = voxel.New(s.shape)
	s.llField = voxel.New(s.shape)
	s.ll = 0
	s.lp = 0
	s.initialize()
}

func (s *State) initialize() {
	if s.opts.DoPrior {
		s.nbl = s.buildPrior(s.zscale)
		s.lp = s.nbl.LogPrior()
	}
	s.psf.Update(s.vec.Values(s.bPSF))
	s.obj.Initialize(s.zscale)
	s.updateGlobal()
}

func (s *State) buildPrior(zscale float64) *prior.Index {
	bounds := [3]float64{float64(s.shape[0]), float64(s.shape[1]), float64(s.shape[2])}
	cutoff := prior.CutoffFor(s.obj.Radii(), s.opts.CutoffFactor)
	return prior.New(s.obj.Positions(), s.obj.Radii(), s.obj.Types(), zscale, bounds, cutoff)
}

// LogLikelihood returns the cached scalar log-likelihood including the
// overlap log-prior.
func (s *State) LogLikelihood() float64 { return s.lp + s.ll }

// LogPrior returns the cached overlap log-prior.
func (s *State) LogPrior() float64 { return s.lp }

// RenderedImage returns a copy of the model image with the pad border
// masked out.
func (s *State) RenderedImage() *voxel.Grid {
	out := s.model.Clone()
	md := out.Data()
	mk := s.mask.Data()
	for i := range md {
		md[i] *= mk[i]
	}
	return out
}

// MeasuredImage returns a copy of the masked measured image.
func (s *State) MeasuredImage() *voxel.Grid { return s.image.Clone() }

// Shape returns the image domain shape.
func (s *State) Shape() [3]int { return s.shape }

// NumParticles returns the particle count.
func (s *State) NumParticles() int { return s.n }

// Sigma returns the current noise scale.
func (s *State) Sigma() float64 { return s.sigma }

// ZScale returns the current anisotropy factor.
func (s *State) ZScale() float64 { return s.zscale }

// Offset returns the current particle inset level.
func (s *State) Offset() float64 { return s.offset }

// StackDepth returns the number of pending transaction frames. It is
// zero between public operations.
func (s *State) StackDepth() int { return s.stack.Len() }

// Values returns a copy of the parameter values selected by b.
func (s *State) Values(b params.Block) []float64 { return s.vec.Values(b) }

// PushUpdate snapshots the current values at b onto the transaction
// stack, then applies Update. The caller unwinds with PopUpdate; pushes
// may nest, including over overlapping blocks, as long as pops mirror
// pushes.
func (s *State) PushUpdate(b params.Block, values []float64) bool {
	s.stack.Push(params.Frame{Block: b, Values: s.vec.Values(b)})
	return s.Update(b, values)
}

// PopUpdate pops the most recent transaction frame and re-applies its
// snapshot, restoring the parameter vector bit-exactly and the caches to
// within floating-point round-off. It reports whether a frame was
// popped.
func (s *State) PopUpdate() bool {
	f, ok := s.stack.Pop()
	if !ok {
		return false
	}
	s.Update(f.Block, f.Values)
	return true
}

// Update writes values into the positions selected by block and brings
// every cache back in sync, touching only the minimal affected
// sub-volume for particle-local changes. It returns false when the
// proposed state is rejected (out-of-bounds position, degenerate tile,
// or prior violation); a rejected update leaves every cache, index, and
// parameter value identical to the pre-call state.
//
// A block should select either particle parameters or global/component
// parameters, matching the named block partition; blocks mixing the two
// take the particle path and ignore the global bits.
func (s *State) Update(block params.Block, values []float64) bool {
	particles := s.affectedParticles(block)
	if len(particles) > 0 {
		return s.updateParticles(block, values, particles)
	}
	return s.updateGlobals(block, values)
}

// affectedParticles returns the indices of particles whose position,
// radius, or type bits are set in block, ascending.
func (s *State) affectedParticles(block params.Block) []int {
	posOff := s.layout.Offset(BlockPos)
	radOff := s.layout.Offset(BlockRad)
	typOff := s.layout.Offset(BlockTyp)

	var out []int
	for i := 0; i < s.n; i++ {
		hit := block[radOff+i] || block[typOff+i] ||
			block[posOff+3*i] || block[posOff+3*i+1] || block[posOff+3*i+2]
		if hit {
			out = append(out, i)
		}
	}
	return out
}

// particleSet is a snapshot of position/radius/type for a list of
// particles, read from the parameter vector.
type particleSet struct {
	pos [][3]float64
	rad []float64
	typ []float64
}

func (s *State) particleSnapshot(particles []int) particleSet {
	posOff := s.layout.Offset(BlockPos)
	radOff := s.layout.Offset(BlockRad)
	typOff := s.layout.Offset(BlockTyp)
	raw := s.vec.Raw()

	ps := particleSet{
		pos: make([][3]float64, len(particles)),
		rad: make([]float64, len(particles)),
		typ: make([]float64, len(particles)),
	}
	for k, i := range particles {
		ps.pos[k] = [3]float64{raw[posOff+3*i], raw[posOff+3*i+1], raw[posOff+3*i+2]}
		ps.rad[k] = raw[radOff+i]
		ps.typ[k] = raw[typOff+i]
	}
	return ps
}

func (ps particleSet) allInactive() bool {
	for _, t := range ps.typ {
		if t == 1 {
			return false
		}
	}
	return true
}

// updateParticles is the particle-local path: validation runs
// cheapest-first (bounds, tile geometry, prior) so the expensive render
// only happens once everything cheap has passed.
func (s *State) updateParticles(block params.Block, values []float64, particles []int) bool {
	prev := s.vec.Values(block)
	old := s.particleSnapshot(particles)
	s.vec.Set(block, values)
	nw := s.particleSnapshot(particles)

	reject := func() bool {
		s.vec.Set(block, prev)
		return false
	}

	for _, p := range nw.pos {
		for a := 0; a < 3; a++ {
			if p[a] < 0 || p[a] > float64(s.shape[a]) {
				return reject()
			}
		}
	}

	outer, inner, ok := s.tileFromParticleChange(old, nw)
	if !ok {
		return reject()
	}

	if s.opts.DoPrior {
		snap := s.nbl.Update(particles, nw.pos, nw.rad, nw.typ)
		lp := s.nbl.LogPrior()
		if lp < s.opts.PriorThreshold {
			// Restore the index from the pre-trial snapshot; the old
			// prior value comes back with it, no recompute.
			s.nbl.Restore(snap)
			return reject()
		}
		s.lp = lp
	}

	// Nothing to render when the change moves between inactive
	// configurations on both sides.
	if old.allInactive() && nw.allInactive() {
		return true
	}

	s.obj.UpdateParticles(particles, nw.pos, nw.rad, nw.typ, s.zscale, s.opts.Difference)
	s.updateTile(outer, inner, s.opts.Difference)
	return true
}

// tileFromParticleChange computes the outer render tile as the union of
// old-support and new-support boxes over the affected particles, and the
// inner write-back tile shrunk to discard convolution edge artifacts.
// Inactive sides contribute nothing, so pure additions or removals
// shrink the tile to the active side. ok is false when either tile is
// degenerate.
func (s *State) tileFromParticleChange(old, nw particleSet) (outer, inner tile.Tile, ok bool) {
	psc := s.psf.SupportSize()
	rsc := s.obj.SupportSize()

	pref := 2.0
	extr := 0
	if s.opts.Difference {
		pref = 1.0
		extr = 1
	}

	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	any := false

	include := func(p [3]float64, r float64) {
		// Anisotropy correction: the sphere's z extent in voxels shrinks
		// by the zscale factor.
		rz := r
		if s.zscale > 0 {
			rz = r / s.zscale
		}
		half := [3]float64{rz, r, r}
		for a := 0; a < 3; a++ {
			off := half[a] + pref*psc[a] + rsc[a] + float64(extr)
			if v := p[a] - off - 1; v < lo[a] {
				lo[a] = v
			}
			if v := p[a] + off + 1; v > hi[a] {
				hi[a] = v
			}
		}
		any = true
	}

	for k := range old.rad {
		if old.typ[k] == 1 {
			include(old.pos[k], old.rad[k])
		}
		if nw.typ[k] == 1 {
			include(nw.pos[k], nw.rad[k])
		}
	}

	domain := tile.FromShape(s.shape)
	if !any {
		o, i, _ := s.tileGlobal()
		return o, i, true
	}

	var pl, pr [3]int
	for a := 0; a < 3; a++ {
		pl[a] = int(math.Floor(lo[a]))
		pr[a] = int(math.Ceil(hi[a]))
	}
	outer = tile.New(pl, pr).Clip(domain)

	if s.opts.Difference {
		guard := [3]int{extr, extr, extr}
		inner = tile.New(pl, pr).Pad([3]int{-extr, -extr, -extr}).
			Clip(tile.New(guard, [3]int{s.shape[0] - extr, s.shape[1] - extr, s.shape[2] - extr}))
	} else {
		var ipsc [3]int
		for a := 0; a < 3; a++ {
			ipsc[a] = int(math.Ceil(psc[a]))
		}
		inner = tile.New(pl, pr).Pad([3]int{-ipsc[0], -ipsc[1], -ipsc[2]}).
			Clip(tile.New(ipsc, [3]int{s.shape[0] - ipsc[0], s.shape[1] - ipsc[1], s.shape[2] - ipsc[2]}))
	}

	return outer, inner, outer.Valid() && inner.Valid()
}

// tileGlobal returns the full-domain outer tile and the inner tile shrunk
// by half the image pad.
func (s *State) tileGlobal() (outer, inner tile.Tile, ok bool) {
	outer = tile.FromShape(s.shape)
	h := s.opts.Pad / 2
	inner = tile.New(
		[3]int{h, h, h},
		[3]int{s.shape[0] - h, s.shape[1] - h, s.shape[2] - h},
	)
	return outer, inner, inner.Valid()
}

// updateGlobal re-renders the entire domain. Intentionally rare: only
// component/global parameter changes pay this cost.
func (s *State) updateGlobal() {
	outer, inner, ok := s.tileGlobal()
	if !ok {
		return
	}
	s.updateTile(outer, inner, false)
}

// updateGlobals handles changes to the collaborator components and the
// global scalars. Structural zscale changes are validated against a
// rebuilt prior before anything else mutates, so rejections restore
// trivially.
func (s *State) updateGlobals(block params.Block, values []float64) bool {
	prev := s.vec.Values(block)
	s.vec.Set(block, values)

	if block.Masked(s.bZScale).Any() {
		zs := s.vec.Values(s.bZScale)[0]
		if s.opts.DoPrior {
			trial := s.buildPrior(zs)
			if trial.LogPrior() < s.opts.PriorThreshold {
				monitoring.Logf("fit: zscale %.4f rejected, rebuilt prior below threshold", zs)
				s.vec.Set(block, prev)
				return false
			}
			s.nbl = trial
			s.lp = trial.LogPrior()
		}
		s.zscale = zs
	}

	docalc := false
	if block.Masked(s.bPSF).Any() {
		s.psf.Update(s.vec.Values(s.bPSF))
		docalc = true
	}
	if block.Masked(s.bILM).Any() {
		s.ilm.Update(s.vec.Values(s.bILM))
		docalc = true
	}
	if block.Masked(s.bOff).Any() {
		s.offset = s.vec.Values(s.bOff)[0]
		docalc = true
	}
	if block.Masked(s.bSigma).Any() {
		s.sigma = s.vec.Values(s.bSigma)[0]
		s.rebuildLLField()
	}
	if block.Masked(s.bZScale).Any() {
		s.obj.Initialize(s.zscale)
		docalc = true
	}

	if docalc {
		s.updateGlobal()
	}
	return true
}

// updateTile scopes the collaborators to the outer tile, composites the
// model over it, writes the result back restricted to the inner tile,
// and differences the log-likelihood field over the inner tile only.
func (s *State) updateTile(outer, inner tile.Tile, difference bool) {
	s.obj.SetTile(outer)
	s.ilm.SetTile(outer)
	s.psf.SetTile(outer)

	io := tile.Offset(inner, outer)

	var repl *voxel.Grid
	if difference {
		dP := s.obj.DiffField()
		if s.opts.Mode == ModeConstantOffset {
			repl = dP
			repl.Scale(s.offset)
		} else {
			repl = s.ilm.Field()
			rd := repl.Data()
			pd := dP.Data()
			for i := range rd {
				rd[i] *= s.offset * pd[i]
			}
		}
		repl = s.psf.Execute(repl)
		// model = ILM*(1 - off*P) (or ILM - off*P), so the signed particle
		// change enters with a minus.
		s.model.AddRegion(inner, repl, io, -1)
	} else {
		platonic := s.obj.Field()
		repl = s.ilm.Field()
		rd := repl.Data()
		pd := platonic.Data()
		if s.opts.Mode == ModeConstantOffset {
			for i := range rd {
				rd[i] -= s.offset * pd[i]
			}
		} else {
			for i := range rd {
				rd[i] *= 1 - s.offset*pd[i]
			}
		}
		repl = s.psf.Execute(repl)
		s.model.SetRegion(inner, repl, io)
	}

	s.updateLLRegion(inner)
}

// updateLLRegion recomputes the per-voxel log-likelihood over t and
// adjusts the cached scalar by the difference of the region sums.
func (s *State) updateLLRegion(t tile.Tile) {
	oldSum := s.llField.SumRegion(t)

	norm := 0.0
	if s.opts.NLogs {
		norm = math.Log(math.Sqrt(2*math.Pi) * s.sigma)
	}
	inv2s2 := 1 / (2 * s.sigma * s.sigma)

	var newSum float64
	for z := t.L[0]; z < t.R[0]; z++ {
		for y := t.L[1]; y < t.R[1]; y++ {
			base := s.llField.Index(z, y, t.L[2])
			for i := 0; i < t.R[2]-t.L[2]; i++ {
				k := base + i
				m := s.mask.Data()[k]
				r := s.model.Data()[k] - s.image.Data()[k]
				v := -m * (r*r*inv2s2 + norm)
				s.llField.Data()[k] = v
				newSum += v
			}
		}
	}
	s.ll += newSum - oldSum
}

// rebuildLLField recomputes the whole log-likelihood field. Needed after
// structural noise-scale changes; everything else differences.
func (s *State) rebuildLLField() {
	s.ll = 0
	s.llField.Fill(0)
	s.updateLLRegion(s.llField.Bounds())
}
