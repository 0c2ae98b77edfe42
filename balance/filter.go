package balance

import (
	"fmt"
	"math"
)

// Filter is a saturated discrete IIR compensator
//
//	y[n] = (g*b0*x[n] + g*b1*x[n-1] + ... - a1*y[n-1] - ...) / a0
//
// The clamped output is what gets stored as history, so saturation is never
// unwound on later ticks.
type Filter struct {
	num, den []float64
	gain     float64
	min, max float64

	x, y        []float64 // x[0] is x[n-1], y[0] is y[n-1]
	initialized bool
}

// NewFilter builds a compensator of the given order from c.
func NewFilter(c LoopConfig, order int) (*Filter, error) {
	if err := c.validate(order); err != nil {
		return nil, err
	}
	f := &Filter{
		num:  append([]float64(nil), c.Num...),
		den:  append([]float64(nil), c.Den...),
		gain: c.Gain,
		min:  c.Min,
		max:  c.Max,
		x:    make([]float64, order),
		y:    make([]float64, order),
	}
	return f, nil
}

// NewInnerLoop builds the second order tilt compensator from c.Inner.
func NewInnerLoop(c Config) (*Filter, error) {
	f, err := NewFilter(c.Inner, 2)
	if err != nil {
		return nil, fmt.Errorf("inner loop: %w", err)
	}
	return f, nil
}

// NewOuterLoop builds the first order wheel position compensator from c.Outer.
func NewOuterLoop(c Config) (*Filter, error) {
	f, err := NewFilter(c.Outer, 1)
	if err != nil {
		return nil, fmt.Errorf("outer loop: %w", err)
	}
	return f, nil
}

// Order returns the number of past inputs and outputs the filter keeps.
func (f *Filter) Order() int {
	return len(f.x)
}

// Initialized reports whether Reset has been called at least once.
func (f *Filter) Initialized() bool {
	return f.initialized
}

// Reset zeroes the history.  The filter may be stepped afterwards.
func (f *Filter) Reset() {
	for i := range f.x {
		f.x[i] = 0
		f.y[i] = 0
	}
	f.initialized = true
}

// Step advances the filter by one sample and returns the saturated output.
// With reset set the history is cleared and in is treated as zero, so the
// output of a reset step is always zero.  A non-finite input is rejected
// without touching the history.
func (f *Filter) Step(in float64, reset bool) (float64, error) {
	switch {
	case reset:
		f.Reset()
		in = 0
	case !f.initialized:
		return 0, ErrNotInitialized
	case math.IsNaN(in) || math.IsInf(in, 0):
		return 0, fmt.Errorf("%w: %v", ErrNonFiniteInput, in)
	}

	out := f.gain * f.num[0] * in
	for i := range f.x {
		out += f.gain*f.num[i+1]*f.x[i] - f.den[i+1]*f.y[i]
	}
	out /= f.den[0]
	out = clamp(out, f.min, f.max)

	copy(f.x[1:], f.x)
	f.x[0] = in
	copy(f.y[1:], f.y)
	f.y[0] = out
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}
