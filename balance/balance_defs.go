// Package balance implements the tilt estimator and the cascaded controller
// that keeps a two-wheeled robot upright.
package balance

import (
	"errors"
	"fmt"
	"math"
)

const (
	Pi  = math.Pi
	Deg = Pi / 180

	FastRateHz = 200 // IMU-driven inner loop
	SlowRateHz = 20  // timer-driven outer loop

	Tau = 0.5  // Complementary filter time constant, s
	DT  = 0.01 // Complementary filter blend interval, s

	TipThreshold     = 0.37  // |tilt| above which motors are cut, rad
	RecoverThreshold = 0.2   // |tilt| below which the controller re-arms, rad
	MountOffset      = 0.503 // Fused IMU angle of the balance point, rad

	SetpointLimit     = 0.37 // Outer loop output bound, rad
	MaxSensorFailures = 10   // Consecutive bad samples before a forced disarm

	CountsPerRev = 60 * 35.577 // Encoder counts per wheel revolution
)

var (
	ErrSensorUnavailable    = errors.New("balance: sensor sample unavailable")
	ErrNotInitialized       = errors.New("balance: filter stepped before reset")
	ErrNonFiniteInput       = errors.New("balance: non-finite filter input")
	ErrInvalidConfiguration = errors.New("balance: invalid configuration")
)

// LoopConfig holds the design constants of one discrete compensator:
// numerator and denominator coefficients (den[0] is a0), a scalar gain and
// the output saturation bounds.
type LoopConfig struct {
	Num      []float64
	Den      []float64
	Gain     float64
	Min, Max float64
}

// Config holds every design constant of the controller.  It is fixed for the
// lifetime of a Controller.
type Config struct {
	FastRateHz, SlowRateHz float64
	Tau, DT                float64

	Inner LoopConfig // Tilt compensator, order 2
	Outer LoopConfig // Wheel position compensator, order 1

	TipThreshold, RecoverThreshold float64
	MountOffset                    float64

	MotorPolarity   [2]float64 // Sign applied to the duty of motor channels 1 and 2; +1 drives forward
	EncoderPolarity [2]float64 // Sign applied to the left and right encoder counts
	CountsPerRev    float64

	MaxSensorFailures int
}

// DefaultConfig returns the controller design the robot was tuned with.
func DefaultConfig() Config {
	return Config{
		FastRateHz: FastRateHz,
		SlowRateHz: SlowRateHz,
		Tau:        Tau,
		DT:         DT,
		Inner: LoopConfig{
			Num:  []float64{-25.04, 45.16, -20.23},
			Den:  []float64{1, -1.434, 0.434},
			Gain: 0.25,
			Min:  -1,
			Max:  1,
		},
		Outer: LoopConfig{
			Num:  []float64{1, -0.9},
			Den:  []float64{1, -0.3},
			Gain: 0.1,
			Min:  -SetpointLimit,
			Max:  SetpointLimit,
		},
		TipThreshold:      TipThreshold,
		RecoverThreshold:  RecoverThreshold,
		MountOffset:       MountOffset,
		MotorPolarity:     [2]float64{1, -1},
		EncoderPolarity:   [2]float64{-1, 1},
		CountsPerRev:      CountsPerRev,
		MaxSensorFailures: MaxSensorFailures,
	}
}

// Validate reports ErrInvalidConfiguration, wrapped with the offending
// field, when c cannot be run.
func (c *Config) Validate() error {
	switch {
	case !(c.FastRateHz > 0):
		return invalid("fast rate %v must be positive", c.FastRateHz)
	case !(c.SlowRateHz > 0):
		return invalid("slow rate %v must be positive", c.SlowRateHz)
	case c.SlowRateHz > c.FastRateHz:
		return invalid("slow rate %v exceeds fast rate %v", c.SlowRateHz, c.FastRateHz)
	case !(c.Tau > 0) || !(c.DT > 0):
		return invalid("tau %v and dt %v must be positive", c.Tau, c.DT)
	case c.DT > c.Tau:
		return invalid("dt %v exceeds tau %v", c.DT, c.Tau)
	case !(c.RecoverThreshold > 0):
		return invalid("recover threshold %v must be positive", c.RecoverThreshold)
	case c.RecoverThreshold >= c.TipThreshold:
		return invalid("recover threshold %v must be below tip threshold %v", c.RecoverThreshold, c.TipThreshold)
	case !(c.CountsPerRev > 0):
		return invalid("encoder counts per revolution %v must be positive", c.CountsPerRev)
	case c.MaxSensorFailures < 1:
		return invalid("max sensor failures %d must be at least 1", c.MaxSensorFailures)
	}
	for i, p := range c.MotorPolarity {
		if p != 1 && p != -1 {
			return invalid("motor %d polarity %v must be 1 or -1", i+1, p)
		}
	}
	for i, p := range c.EncoderPolarity {
		if p != 1 && p != -1 {
			return invalid("encoder %d polarity %v must be 1 or -1", i, p)
		}
	}
	if err := c.Inner.validate(2); err != nil {
		return fmt.Errorf("inner loop: %w", err)
	}
	if err := c.Outer.validate(1); err != nil {
		return fmt.Errorf("outer loop: %w", err)
	}
	return nil
}

func (l *LoopConfig) validate(order int) error {
	switch {
	case len(l.Num) != order+1 || len(l.Den) != order+1:
		return invalid("want %d numerator and denominator coefficients, have %d and %d",
			order+1, len(l.Num), len(l.Den))
	case l.Den[0] == 0:
		return invalid("a0 must be non-zero")
	case !(l.Min < l.Max):
		return invalid("saturation bounds [%v, %v] are empty", l.Min, l.Max)
	}
	for _, v := range append(append([]float64{l.Gain}, l.Num...), l.Den...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid("coefficient %v is not finite", v)
		}
	}
	return nil
}

func invalid(format string, a ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfiguration}, a...)...)
}
