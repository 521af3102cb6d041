package optimization

import (
	"math/rand"
)

func (s *Space) validate() error {
	if s == nil || len(s.dims) == 0 {
		return NewKindError(ErrInvalidSpace, "search space has no dimensions")
	}
	for _, d := range s.dims {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SampleRandom draws n independent points. Reals follow their prior,
// integers and categories are uniform. The draws depend only on rng.
func (s *Space) SampleRandom(n int, rng *rand.Rand) ([]Point, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, NewKindError(ErrInvalidConfig, "sample size must be non-negative, got %d", n)
	}
	points := make([]Point, n)
	for i := range points {
		p := make(Point, len(s.dims))
		for j, d := range s.dims {
			p[j] = d.FromUnit(rng.Float64())
		}
		points[i] = p
	}
	return points, nil
}

// LatinHypercube draws n points so that, per dimension, each of n equal
// strata of the unit interval holds exactly one point before mapping
// through the dimension's prior.
func (s *Space) LatinHypercube(n int, rng *rand.Rand) ([]Point, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, NewKindError(ErrInvalidConfig, "sample size must be non-negative, got %d", n)
	}
	points := make([]Point, n)
	for j := range points {
		points[j] = make(Point, len(s.dims))
	}

	strata := make([]float64, n)
	for i, d := range s.dims {
		// Stratified samples, one per interval
		for j := 0; j < n; j++ {
			strata[j] = (float64(j) + rng.Float64()) / float64(n)
		}
		rng.Shuffle(n, func(k, l int) {
			strata[k], strata[l] = strata[l], strata[k]
		})
		for j := 0; j < n; j++ {
			points[j][i] = d.FromUnit(strata[j])
		}
	}
	return points, nil
}
