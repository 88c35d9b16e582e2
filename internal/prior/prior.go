// Package prior maintains the hard-sphere overlap prior over the particle
// configuration. Particles are bucketed into a cell list with cell size at
// least the interaction cutoff, so that updating m particles costs
// O(m · average neighbours) independent of the total particle count.
//
// Trial updates return an explicit Snapshot capturing every piece of state
// they touched; a rejected trial is undone with Restore, which reinstates
// the snapshot bit-exactly rather than recomputing the old penalty.
package prior

import "math"

const (
	// DefaultCutoffFactor scales the maximum radius into the interaction
	// cutoff for the cell list.
	DefaultCutoffFactor = 2.2

	// DefaultThreshold is the acceptance threshold on LogPrior below which
	// a trial configuration is rejected.
	DefaultThreshold = -100.0

	// ZeroLogPrior is the sentinel added when any radius is negative.
	ZeroLogPrior = -1e100

	// overlapSteepness scales the smooth cubic overlap penalty. At full
	// overlap a pair contributes overlapSteepness; a grazing overlap of
	// 1% of the contact distance contributes -1e-2, keeping finite
	// differences well-defined away from hard violations.
	overlapSteepness = -1e4
)

type pairKey struct{ a, b int }

func mkPair(i, j int) pairKey {
	if i < j {
		return pairKey{i, j}
	}
	return pairKey{j, i}
}

// Index is the spatial neighbour index with cached pairwise penalty terms.
type Index struct {
	pos [][3]float64
	rad []float64
	typ []float64

	zscale float64
	cutoff float64
	bounds [3]float64

	cellSize [3]float64
	cellDims [3]int
	buckets  [][]int
	cellOf   []int

	terms  map[pairKey]float64
	total  float64
	negRad int
}

// CutoffFor returns the cell-list cutoff for a radius set: factor times
// the maximum radius.
func CutoffFor(rad []float64, factor float64) float64 {
	maxr := 0.0
	for _, r := range rad {
		if r > maxr {
			maxr = r
		}
	}
	c := factor * maxr
	if c <= 0 {
		c = 1
	}
	return c
}

// New builds an index from the committed particle configuration. bounds is
// the image domain shape in voxels; zscale is the anisotropy factor applied
// to z-axis distances.
func New(pos [][3]float64, rad, typ []float64, zscale float64, bounds [3]float64, cutoff float64) *Index {
	n := len(rad)
	x := &Index{
		pos:    make([][3]float64, n),
		rad:    append([]float64(nil), rad...),
		typ:    append([]float64(nil), typ...),
		zscale: zscale,
		cutoff: cutoff,
		bounds: bounds,
		cellOf: make([]int, n),
		terms:  make(map[pairKey]float64),
	}
	copy(x.pos, pos)

	// The cell size must guarantee that any pair within the (anisotropy
	// corrected) cutoff lands in adjacent cells. A zscale below one
	// stretches real z separations relative to the metric, so the z cell
	// grows by 1/zscale.
	x.cellSize = [3]float64{cutoff, cutoff, cutoff}
	if zscale < 1 && zscale > 0 {
		x.cellSize[0] = cutoff / zscale
	}
	for a := 0; a < 3; a++ {
		d := int(math.Ceil(bounds[a] / x.cellSize[a]))
		if d < 1 {
			d = 1
		}
		x.cellDims[a] = d
	}
	x.buckets = make([][]int, x.cellDims[0]*x.cellDims[1]*x.cellDims[2])

	for i := 0; i < n; i++ {
		c := x.cellIndex(x.pos[i])
		x.cellOf[i] = c
		x.buckets[c] = append(x.buckets[c], i)
		if x.rad[i] < 0 {
			x.negRad++
		}
	}

	for i := 0; i < n; i++ {
		x.forNeighbours(x.cellOf[i], func(j int) {
			if j <= i {
				return
			}
			if t := x.pairTerm(i, j); t != 0 {
				x.terms[mkPair(i, j)] = t
				x.total += t
			}
		})
	}
	return x
}

// N returns the number of indexed particles.
func (x *Index) N() int { return len(x.rad) }

// Cutoff returns the interaction cutoff.
func (x *Index) Cutoff() float64 { return x.cutoff }

// LogPrior returns the summed smooth overlap penalty over all near pairs,
// plus a large negative sentinel if any radius is negative.
func (x *Index) LogPrior() float64 {
	lp := x.total
	if x.negRad > 0 {
		lp += ZeroLogPrior
	}
	return lp
}

// Position returns the stored position of particle i.
func (x *Index) Position(i int) [3]float64 { return x.pos[i] }

// Radius returns the stored radius of particle i.
func (x *Index) Radius(i int) float64 { return x.rad[i] }

// particleState records one particle's pre-trial entry for rollback.
type particleState struct {
	idx  int
	pos  [3]float64
	rad  float64
	typ  float64
	cell int
}

// termEntry records a pair term's pre-trial value; present is false when
// the pair had no cached term before the trial.
type termEntry struct {
	val     float64
	present bool
}

// Snapshot captures everything a trial Update touched. Restoring it makes
// the index bit-identical to the pre-trial state.
type Snapshot struct {
	parts  []particleState
	terms  map[pairKey]termEntry
	total  float64
	negRad int
}

// Update replaces position, radius, and type for each listed particle,
// rebuckets it, and recomputes only the pairwise terms involving the
// listed particles and their current neighbours. The returned Snapshot
// restores the exact prior state via Restore.
func (x *Index) Update(indices []int, pos [][3]float64, rad, typ []float64) Snapshot {
	snap := Snapshot{
		parts:  make([]particleState, 0, len(indices)),
		terms:  make(map[pairKey]termEntry),
		total:  x.total,
		negRad: x.negRad,
	}

	for k, i := range indices {
		snap.parts = append(snap.parts, particleState{
			idx: i, pos: x.pos[i], rad: x.rad[i], typ: x.typ[i], cell: x.cellOf[i],
		})

		// Drop every cached term involving i. Any such pair is within the
		// cutoff of i's old position, hence inside the adjacent cells.
		x.forNeighbours(x.cellOf[i], func(j int) {
			if j == i {
				return
			}
			key := mkPair(i, j)
			if t, ok := x.terms[key]; ok {
				snap.recordTerm(key, t, true)
				x.total -= t
				delete(x.terms, key)
			}
		})

		if x.rad[i] < 0 {
			x.negRad--
		}

		x.removeFromBucket(x.cellOf[i], i)
		x.pos[i] = pos[k]
		x.rad[i] = rad[k]
		x.typ[i] = typ[k]
		c := x.cellIndex(x.pos[i])
		x.cellOf[i] = c
		x.buckets[c] = append(x.buckets[c], i)

		if x.rad[i] < 0 {
			x.negRad++
		}

		x.forNeighbours(c, func(j int) {
			if j == i {
				return
			}
			t := x.pairTerm(i, j)
			if t == 0 {
				return
			}
			key := mkPair(i, j)
			if cur, ok := x.terms[key]; ok {
				// Pair already re-added while processing an earlier listed
				// particle; replace with the term for the newest values.
				snap.recordTerm(key, cur, true)
				x.total -= cur
			} else {
				snap.recordTerm(key, 0, false)
			}
			x.terms[key] = t
			x.total += t
		})
	}
	return snap
}

// Restore reinstates the state captured by a Snapshot. Touched particles
// are rebucketed in reverse order; pair terms, the running total, and the
// negative-radius count are reassigned from the snapshot rather than
// recomputed.
func (x *Index) Restore(s Snapshot) {
	for k := len(s.parts) - 1; k >= 0; k-- {
		p := s.parts[k]
		x.removeFromBucket(x.cellOf[p.idx], p.idx)
		x.pos[p.idx] = p.pos
		x.rad[p.idx] = p.rad
		x.typ[p.idx] = p.typ
		x.cellOf[p.idx] = p.cell
		x.buckets[p.cell] = append(x.buckets[p.cell], p.idx)
	}
	for key, e := range s.terms {
		if e.present {
			x.terms[key] = e.val
		} else {
			delete(x.terms, key)
		}
	}
	x.total = s.total
	x.negRad = s.negRad
}

func (s *Snapshot) recordTerm(key pairKey, val float64, present bool) {
	// Keep only the first (pre-trial) observation per pair.
	if _, seen := s.terms[key]; !seen {
		s.terms[key] = termEntry{val: val, present: present}
	}
}

// pairTerm returns the smooth penalty for the pair (i, j) using the stored
// configuration: overlapSteepness * (1 - d/(ri+rj))^3 inside contact,
// zero outside. Inactive particles contribute nothing.
func (x *Index) pairTerm(i, j int) float64 {
	if x.typ[i] != 1 || x.typ[j] != 1 {
		return 0
	}
	contact := x.rad[i] + x.rad[j]
	if contact <= 0 {
		return 0
	}
	d := x.distance(x.pos[i], x.pos[j])
	if d >= contact {
		return 0
	}
	ov := 1 - d/contact
	return overlapSteepness * ov * ov * ov
}

// distance is the anisotropy-corrected Euclidean distance: z separations
// are scaled by zscale before the norm.
func (x *Index) distance(a, b [3]float64) float64 {
	dz := x.zscale * (a[0] - b[0])
	dy := a[1] - b[1]
	dx := a[2] - b[2]
	return math.Sqrt(dz*dz + dy*dy + dx*dx)
}

func (x *Index) cellIndex(p [3]float64) int {
	var c [3]int
	for a := 0; a < 3; a++ {
		v := int(math.Floor(p[a] / x.cellSize[a]))
		if v < 0 {
			v = 0
		}
		if v >= x.cellDims[a] {
			v = x.cellDims[a] - 1
		}
		c[a] = v
	}
	return (c[0]*x.cellDims[1]+c[1])*x.cellDims[2] + c[2]
}

// forNeighbours visits every particle bucketed in the 3x3x3 block of
// cells around the given cell, including the cell itself.
func (x *Index) forNeighbours(cell int, fn func(j int)) {
	cz := cell / (x.cellDims[1] * x.cellDims[2])
	rem := cell % (x.cellDims[1] * x.cellDims[2])
	cy := rem / x.cellDims[2]
	cx := rem % x.cellDims[2]

	for dz := -1; dz <= 1; dz++ {
		z := cz + dz
		if z < 0 || z >= x.cellDims[0] {
			continue
		}
		for dy := -1; dy <= 1; dy++ {
			y := cy + dy
			if y < 0 || y >= x.cellDims[1] {
				continue
			}
			for dx := -1; dx <= 1; dx++ {
				xx := cx + dx
				if xx < 0 || xx >= x.cellDims[2] {
					continue
				}
				b := (z*x.cellDims[1]+y)*x.cellDims[2] + xx
				for _, j := range x.buckets[b] {
					fn(j)
				}
			}
		}
	}
}

func (x *Index) removeFromBucket(cell, i int) {
	b := x.buckets[cell]
	for k, v := range b {
		if v == i {
			b[k] = b[len(b)-1]
			x.buckets[cell] = b[:len(b)-1]
			return
		}
	}
}
