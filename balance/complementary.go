package balance

import (
	"fmt"
	"math"

	"github.com/auggienanz/MAE144/sensors"
)

// Estimator fuses the accelerometer tilt with the integrated gyro rate.
// The accelerometer angle is low-passed and the integrated gyro angle is
// high-passed with the same time constant; their sum is the tilt estimate.
// The accelerometer angle assumes the body is not accelerating.
type Estimator struct {
	k      float64 // dt/tau blend factor
	gyroDT float64 // Gyro integration interval, s

	gyroAngle float64 // Integrated gyro angle, rad
	prevGyro  float64 // High-pass input history
	prevHP    float64 // High-pass output history
	prevLP    float64 // Low-pass output history

	initialized bool
}

// NewEstimator builds an estimator with blend factor c.DT/c.Tau that
// integrates the gyro at c.FastRateHz.
func NewEstimator(c Config) (*Estimator, error) {
	if !(c.Tau > 0) || !(c.DT > 0) || c.DT > c.Tau || !(c.FastRateHz > 0) {
		return nil, invalid("estimator needs 0 < dt <= tau and a positive rate, have tau %v dt %v rate %v",
			c.Tau, c.DT, c.FastRateHz)
	}
	return &Estimator{k: c.DT / c.Tau, gyroDT: 1 / c.FastRateHz}, nil
}

// AccelAngle returns the tilt implied by the gravity vector components a2, a3.
func AccelAngle(a2, a3 float64) float64 {
	return math.Atan2(-a3, a2)
}

// Initialized reports whether the estimator has seen its reset sample.
func (e *Estimator) Initialized() bool {
	return e.initialized
}

// Estimate returns the fused tilt angle, in radians, after sample m.
// A reset estimate seeds all history from the accelerometer angle and returns
// it unchanged.
func (e *Estimator) Estimate(m *sensors.IMUData, reset bool) (float64, error) {
	if err := checkSample(m); err != nil {
		return 0, err
	}
	if !reset && !e.initialized {
		return 0, ErrNotInitialized
	}

	angle := AccelAngle(m.A2, m.A3)
	if reset {
		e.gyroAngle = angle
		e.prevGyro = angle
		e.prevLP = angle
		e.prevHP = 0
		e.initialized = true
		return angle, nil
	}

	e.gyroAngle += m.G1 * Deg * e.gyroDT

	e.prevHP = (1-e.k)*(e.gyroAngle-e.prevGyro) + (1-e.k)*e.prevHP
	e.prevLP = e.k*angle + (1-e.k)*e.prevLP
	e.prevGyro = e.gyroAngle
	return e.prevHP + e.prevLP, nil
}

func checkSample(m *sensors.IMUData) error {
	if m == nil {
		return fmt.Errorf("%w: no sample", ErrSensorUnavailable)
	}
	if m.GAError != nil {
		return fmt.Errorf("%w: %v", ErrSensorUnavailable, m.GAError)
	}
	for _, v := range [...]float64{m.A2, m.A3, m.G1} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite reading %v", ErrSensorUnavailable, v)
		}
	}
	return nil
}
