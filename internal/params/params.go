// Package params implements the flat parameter vector shared by all model
// components, partitioned into named non-overlapping blocks, together with
// the LIFO transaction stack used for speculative updates. The store is
// deliberately dumb: writes are unconditional and validation belongs to
// the engine that owns the caches.
package params

import "fmt"

// Block is a boolean mask over the parameter vector. Blocks select the
// positions written by an update; named blocks partition the vector
// exactly once.
type Block []bool

// Count returns the number of set bits.
func (b Block) Count() int {
	n := 0
	for _, v := range b {
		if v {
			n++
		}
	}
	return n
}

// Any reports whether any bit is set.
func (b Block) Any() bool {
	for _, v := range b {
		if v {
			return true
		}
	}
	return false
}

// Indices returns the set positions in ascending order.
func (b Block) Indices() []int {
	out := make([]int, 0, b.Count())
	for i, v := range b {
		if v {
			out = append(out, i)
		}
	}
	return out
}

// Masked returns the intersection of b with other.
func (b Block) Masked(other Block) Block {
	out := make(Block, len(b))
	for i := range b {
		out[i] = b[i] && other[i]
	}
	return out
}

// Vector is a dense ordered array of float64 model parameters.
type Vector struct {
	vals []float64
}

// NewVector returns a zero vector of length n.
func NewVector(n int) *Vector {
	return &Vector{vals: make([]float64, n)}
}

// N returns the vector length.
func (v *Vector) N() int { return len(v.vals) }

// At returns the value at index i.
func (v *Vector) At(i int) float64 { return v.vals[i] }

// Raw returns the backing slice. Callers must not resize it.
func (v *Vector) Raw() []float64 { return v.vals }

// Values returns a copy of the values at the set positions of b, in
// ascending index order.
func (v *Vector) Values(b Block) []float64 {
	out := make([]float64, 0, b.Count())
	for i, set := range b {
		if set {
			out = append(out, v.vals[i])
		}
	}
	return out
}

// Set writes vals into the set positions of b in ascending index order.
// The write is unconditional; len(vals) must equal b.Count().
func (v *Vector) Set(b Block, vals []float64) {
	if len(vals) != b.Count() {
		panic(fmt.Sprintf("params: %d values for block of %d positions", len(vals), b.Count()))
	}
	k := 0
	for i, set := range b {
		if set {
			v.vals[i] = vals[k]
			k++
		}
	}
}

// BlockAll returns a block with every bit set.
func (v *Vector) BlockAll() Block {
	b := make(Block, v.N())
	for i := range b {
		b[i] = true
	}
	return b
}

// BlockNone returns a block with no bits set.
func (v *Vector) BlockNone() Block {
	return make(Block, v.N())
}

// BlockRange returns a block with bits [lo, hi) set, clamped to the
// vector bounds.
func (v *Vector) BlockRange(lo, hi int) Block {
	b := v.BlockNone()
	if lo < 0 {
		lo = 0
	}
	if hi > v.N() {
		hi = v.N()
	}
	for i := lo; i < hi; i++ {
		b[i] = true
	}
	return b
}

// Explode decomposes a block into one single-index block per set bit in
// ascending index order. The result is the finite-difference basis for
// per-parameter derivatives.
func (v *Vector) Explode(b Block) []Block {
	out := make([]Block, 0, b.Count())
	for i, set := range b {
		if set {
			single := v.BlockNone()
			single[i] = true
			out = append(out, single)
		}
	}
	return out
}

// Layout partitions a vector into named contiguous blocks. The union of
// all named blocks covers the full index range exactly once.
type Layout struct {
	order   []string
	sizes   map[string]int
	offsets map[string]int
	total   int
}

// NewLayout builds a layout from ordered (name, size) pairs. Sizes of
// zero are allowed and produce empty blocks.
func NewLayout(names []string, sizes []int) *Layout {
	if len(names) != len(sizes) {
		panic("params: names and sizes length mismatch")
	}
	l := &Layout{
		order:   append([]string(nil), names...),
		sizes:   make(map[string]int, len(names)),
		offsets: make(map[string]int, len(names)),
	}
	off := 0
	for i, name := range names {
		if _, dup := l.sizes[name]; dup {
			panic(fmt.Sprintf("params: duplicate block name %q", name))
		}
		l.sizes[name] = sizes[i]
		l.offsets[name] = off
		off += sizes[i]
	}
	l.total = off
	return l
}

// Total returns the summed size of all blocks.
func (l *Layout) Total() int { return l.total }

// Names returns the block names in layout order.
func (l *Layout) Names() []string { return append([]string(nil), l.order...) }

// Size returns the size of the named block.
func (l *Layout) Size(name string) int { return l.sizes[name] }

// Offset returns the start index of the named block.
func (l *Layout) Offset(name string) int { return l.offsets[name] }

// Span returns the [start, end) index range of the named block.
func (l *Layout) Span(name string) (int, int) {
	off, ok := l.offsets[name]
	if !ok {
		panic(fmt.Sprintf("params: unknown block %q", name))
	}
	return off, off + l.sizes[name]
}

// Block returns the mask for the named block over a vector of layout
// size.
func (l *Layout) Block(name string) Block {
	lo, hi := l.Span(name)
	b := make(Block, l.total)
	for i := lo; i < hi; i++ {
		b[i] = true
	}
	return b
}
