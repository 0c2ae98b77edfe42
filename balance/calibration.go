package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/auggienanz/MAE144/sensors"
)

const (
	// Calibration variance tolerances
	MaxGyroVar  = 10.0 // (°/s)²
	MaxAccelVar = 0.05 // G²
)

// Calibrate averages n good samples from c while the robot is held still and
// returns the gyro biases.  Accelerometer biases are left at zero since the
// robot is not level while it is held at its balance point; the accelerometer
// readings are only used to check that it did not move.
func Calibrate(ctx context.Context, c <-chan *sensors.IMUData, n int) (*sensors.IMUCalData, error) {
	if n < 2 {
		return nil, fmt.Errorf("calibration needs at least 2 samples, asked for %d", n)
	}
	var g, a [3]*varianceAccumulator
	for i := range g {
		g[i] = newVarianceAccumulator(1)
		a[i] = newVarianceAccumulator(1)
	}

	var (
		mean, variance [6]float64
		got            int
	)
	for got < n {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case m, ok := <-c:
			if !ok {
				return nil, fmt.Errorf("calibration stopped after %d samples: %w", got, ErrSensorUnavailable)
			}
			if err := checkSample(m); err != nil {
				log.Warn().Err(err).Msg("Calibration: skipping sample")
				continue
			}
			for i, v := range [...]float64{m.G1, m.G2, m.G3} {
				_, mean[i], variance[i] = g[i].Add(v)
			}
			for i, v := range [...]float64{m.A1, m.A2, m.A3} {
				_, mean[i+3], variance[i+3] = a[i].Add(v)
			}
			got++
		}
	}

	log.Info().Int("samples", got).
		Floats64("gyro_var", variance[:3]).
		Floats64("accel_var", variance[3:]).
		Msg("Calibration: samples collected")

	for i := 0; i < 3; i++ {
		if variance[i] > MaxGyroVar || variance[i+3] > MaxAccelVar {
			return nil, fmt.Errorf("calibration error: sensor was not still during calibration (gyro var %v, accel var %v)",
				variance[:3], variance[3:])
		}
	}

	d := &sensors.IMUCalData{G01: mean[0], G02: mean[1], G03: mean[2], N: got, T: time.Now()}
	log.Info().Float64("g01", d.G01).Float64("g02", d.G02).Float64("g03", d.G03).
		Msg("Calibration: gyro biases")
	return d, nil
}
