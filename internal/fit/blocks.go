package fit

import "github.com/glasslab/refract/internal/params"

// Block helpers. The named blocks partition the vector exactly once; the
// per-particle helpers carve single-particle masks out of them.

// BlockAll returns a mask selecting every parameter.
func (s *State) BlockAll() params.Block { return s.vec.BlockAll() }

// BlockNone returns an empty mask.
func (s *State) BlockNone() params.Block { return s.vec.BlockNone() }

// BlockRange returns a mask selecting indices [lo, hi).
func (s *State) BlockRange(lo, hi int) params.Block { return s.vec.BlockRange(lo, hi) }

// Explode decomposes a block into single-index blocks in ascending
// order, the basis for per-parameter finite differences.
func (s *State) Explode(b params.Block) []params.Block { return s.vec.Explode(b) }

// Block returns the named block mask (BlockPos, BlockRad, ...).
func (s *State) Block(name string) params.Block { return s.layout.Block(name) }

// BlockParticlePos selects the three position components of particle i.
func (s *State) BlockParticlePos(i int) params.Block {
	off := s.layout.Offset(BlockPos)
	return s.vec.BlockRange(off+3*i, off+3*i+3)
}

// BlockParticleRad selects the radius of particle i.
func (s *State) BlockParticleRad(i int) params.Block {
	off := s.layout.Offset(BlockRad)
	return s.vec.BlockRange(off+i, off+i+1)
}

// BlockParticleTyp selects the type flag of particle i.
func (s *State) BlockParticleTyp(i int) params.Block {
	off := s.layout.Offset(BlockTyp)
	return s.vec.BlockRange(off+i, off+i+1)
}

// BlocksParticle returns the four single-parameter blocks of particle i:
// its three position components followed by its radius.
func (s *State) BlocksParticle(i int) []params.Block {
	off := s.layout.Offset(BlockPos)
	out := make([]params.Block, 0, 4)
	for a := 0; a < 3; a++ {
		out = append(out, s.vec.BlockRange(off+3*i+a, off+3*i+a+1))
	}
	out = append(out, s.BlockParticleRad(i))
	return out
}

// Active reports whether particle i's type flag marks it active.
func (s *State) Active(i int) bool {
	return s.vec.Values(s.BlockParticleTyp(i))[0] == 1
}
