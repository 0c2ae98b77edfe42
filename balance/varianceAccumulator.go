package balance

// varianceAccumulator accumulates an exponentially weighted mean and
// variance with decay constant decay.  A decay of 1 weights every
// observation equally.
type varianceAccumulator struct {
	decay float64
	w     float64 // Effective number of observations
	m     float64 // Weighted mean
	s     float64 // Weighted sum of squared deviations
}

func newVarianceAccumulator(decay float64) *varianceAccumulator {
	return &varianceAccumulator{decay: decay}
}

// Add accumulates obs and returns the effective number of observations,
// the mean and the variance.
func (a *varianceAccumulator) Add(obs float64) (n, mean, variance float64) {
	a.w = a.decay*a.w + 1
	d := obs - a.m
	a.m += d / a.w
	a.s = a.decay*a.s + d*(obs-a.m)
	return a.w, a.m, a.s / a.w
}
