package fit

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// ModelToTrueImage replaces the measured image with the current rendered
// model plus Gaussian noise at the current noise scale. For synthetic
// data only: it rotates the model into the role of the truth so that the
// fit starts from a known answer.
func (s *State) ModelToTrueImage(src rand.Source) {
	noise := distuv.Normal{Mu: 0, Sigma: s.sigma, Src: src}

	im := s.model.Clone()
	id := im.Data()
	mk := s.mask.Data()
	for i := range id {
		if mk[i] == 1 {
			id[i] += noise.Rand()
		} else {
			id[i] = PadValue
		}
	}
	s.SetImage(im)
}
