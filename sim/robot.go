/*
Package sim simulates the balancing robot for bench testing without hardware.
A linearised inverted pendulum on geared DC motors is advanced at a fixed step
and synthesizes the IMU samples and encoder counts the real robot would
produce, with optional sensor noise and bias.
*/
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/skelterjohn/go.matrix"

	"github.com/auggienanz/MAE144/sensors"
)

const pi = math.Pi

// Params describes the simulated plant and its sensors.
type Params struct {
	DT float64 // Integration step, s

	BodyMass    float64 // kg
	BodyCOM     float64 // Axle to body centre of mass, m
	BodyInertia float64 // About the axle, kg m²
	WheelMass   float64 // Per wheel, kg
	WheelRadius float64 // m
	GearRatio   float64
	StallTorque float64 // Per motor at the motor shaft, N m
	FreeSpeed   float64 // Motor shaft speed at full duty and no load, rad/s
	Gravity     float64 // m/s²

	MountOffset     float64    // Tilt at which the IMU reads level, rad
	MotorPolarity   [2]float64 // Sign of each motor channel relative to forward drive
	EncoderPolarity [2]float64 // Sign of each encoder relative to forward rotation
	CountsPerRev    float64

	GyroNoise  float64 // Standard deviation, °/s
	GyroBias   float64 // Constant offset on axis 1, °/s
	AccelNoise float64 // Standard deviation, G
	Seed       int64
}

// DefaultParams returns a plant resembling the real robot sampled at 200 Hz.
// Channel 1 drives the left wheel, which is mounted reversed, and the left
// encoder counts down when the robot rolls forward.
func DefaultParams() Params {
	return Params{
		DT:              1.0 / 200,
		BodyMass:        0.263,
		BodyCOM:         0.0477,
		BodyInertia:     0.0004,
		WheelMass:       0.027,
		WheelRadius:     0.034,
		GearRatio:       35.577,
		StallTorque:     0.003,
		FreeSpeed:       1760,
		Gravity:         9.81,
		MountOffset:     0.503,
		MotorPolarity:   [2]float64{1, -1},
		EncoderPolarity: [2]float64{-1, 1},
		CountsPerRev:    60 * 35.577,
	}
}

// Robot is a simulated robot.  It implements sensors.Motors and
// sensors.Encoders and is safe for concurrent use.
type Robot struct {
	p   Params
	phi *matrix.DenseMatrix // State transition over one step
	gam *matrix.DenseMatrix // Input matrix over one step
	rnd *rand.Rand

	mu     sync.Mutex
	x      *matrix.DenseMatrix // [tilt, tilt rate, wheel angle, wheel rate]
	duty   [2]float64
	encRef [2]float64 // Relative wheel angle at the last encoder reset
	t      time.Time
	n      int
}

// linearise returns the continuous state and input matrices of the
// pendulum on wheels about upright.  The state is [tilt, tilt rate, absolute
// wheel angle, wheel rate]; the input is the mean forward duty of the two
// motors, whose torque falls off linearly with wheel speed relative to the
// body.
func linearise(p Params) (a, b *matrix.DenseMatrix, err error) {
	l, r := p.BodyCOM, p.WheelRadius
	iw := p.WheelMass * r * r // Two solid discs
	m11 := p.BodyInertia + p.BodyMass*l*l
	m12 := p.BodyMass * r * l
	m22 := iw + (p.WheelMass+p.BodyMass)*r*r
	det := m11*m22 - m12*m12
	if !(det > 0) || !(p.FreeSpeed > 0) || p.StallTorque < 0 {
		return nil, nil, fmt.Errorf("sim: bad plant parameters %+v", p)
	}
	i11, i12, i22 := m22/det, -m12/det, m11/det

	k := 2 * p.GearRatio * p.StallTorque // Both motors at the wheels
	c := k * p.GearRatio / p.FreeSpeed   // Torque lost per rad/s of relative wheel speed
	mgl := p.BodyMass * p.Gravity * l

	// The body feels gravity and minus the motor torque, the wheels feel
	// the motor torque.
	a = matrix.MakeDenseMatrix([]float64{
		0, 1, 0, 0,
		i11 * mgl, (i12 - i11) * c, 0, (i11 - i12) * c,
		0, 0, 0, 1,
		i12 * mgl, (i22 - i12) * c, 0, (i12 - i22) * c,
	}, 4, 4)
	b = matrix.MakeDenseMatrix([]float64{0, (i12 - i11) * k, 0, (i22 - i12) * k}, 4, 1)
	return a, b, nil
}

// NewRobot returns a robot standing still at the given tilt.
func NewRobot(p Params, tilt float64) (*Robot, error) {
	if p.DT <= 0 || p.CountsPerRev <= 0 {
		return nil, fmt.Errorf("sim: bad parameters %+v", p)
	}
	a, b, err := linearise(p)
	if err != nil {
		return nil, err
	}

	// Second order discretisation
	ad := matrix.Scaled(a, p.DT)
	ad2 := matrix.Scaled(matrix.Product(a, a), p.DT*p.DT/2)
	r := &Robot{
		p:   p,
		phi: matrix.Sum(matrix.Eye(4), ad, ad2),
		gam: matrix.Product(matrix.Sum(matrix.Scaled(matrix.Eye(4), p.DT), matrix.Scaled(a, p.DT*p.DT/2)), b),
		rnd: rand.New(rand.NewSource(p.Seed)),
		x:   matrix.MakeDenseMatrix([]float64{tilt, 0, 0, 0}, 4, 1),
		t:   time.Unix(0, 0),
	}
	return r, nil
}

// SetMotorDuty sets the duty of channel 1 or 2, clamped to [-1, 1].
func (r *Robot) SetMotorDuty(channel int, duty float64) error {
	if channel < 1 || channel > 2 {
		return fmt.Errorf("sim: no motor channel %d", channel)
	}
	if math.IsNaN(duty) {
		return fmt.Errorf("sim: NaN duty on channel %d", channel)
	}
	r.mu.Lock()
	r.duty[channel-1] = math.Max(-1, math.Min(1, duty))
	r.mu.Unlock()
	return nil
}

// Duty returns the duty last set on channel 1 or 2.
func (r *Robot) Duty(channel int) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duty[channel-1]
}

func (r *Robot) checkSide(side sensors.Side) error {
	if side != sensors.Left && side != sensors.Right {
		return fmt.Errorf("sim: no %s encoder", side)
	}
	return nil
}

// relWheel is the wheel angle relative to the body, which is what the
// encoders measure.
func (r *Robot) relWheel() float64 {
	return r.x.Get(2, 0) - r.x.Get(0, 0)
}

func (r *Robot) ReadEncoder(side sensors.Side) (int, error) {
	if err := r.checkSide(side); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rev := (r.relWheel() - r.encRef[side]) / (2 * pi)
	return int(math.Round(r.p.EncoderPolarity[side] * rev * r.p.CountsPerRev)), nil
}

func (r *Robot) ResetEncoder(side sensors.Side) error {
	if err := r.checkSide(side); err != nil {
		return err
	}
	r.mu.Lock()
	r.encRef[side] = r.relWheel()
	r.mu.Unlock()
	return nil
}

// State returns the true tilt, tilt rate, absolute wheel angle and wheel rate.
func (r *Robot) State() (tilt, tiltRate, wheel, wheelRate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.x.Get(0, 0), r.x.Get(1, 0), r.x.Get(2, 0), r.x.Get(3, 0)
}

// Push adds an impulse to the tilt rate, rad/s.
func (r *Robot) Push(dTiltRate float64) {
	r.mu.Lock()
	r.x.Set(1, 0, r.x.Get(1, 0)+dTiltRate)
	r.mu.Unlock()
}

// Step advances the plant by one step and returns the IMU sample taken at
// the end of it.
func (r *Robot) Step() *sensors.IMUData {
	r.mu.Lock()
	defer r.mu.Unlock()

	u := (r.p.MotorPolarity[0]*r.duty[0] + r.p.MotorPolarity[1]*r.duty[1]) / 2
	r.x = matrix.Sum(matrix.Product(r.phi, r.x), matrix.Scaled(r.gam, u))

	// Lying on the ground
	if tilt := r.x.Get(0, 0); math.Abs(tilt) > pi/2 {
		r.x.Set(0, 0, math.Copysign(pi/2, tilt))
		r.x.Set(1, 0, 0)
	}

	dt := time.Duration(r.p.DT * float64(time.Second))
	r.t = r.t.Add(dt)
	r.n++
	a := r.x.Get(0, 0) - r.p.MountOffset
	return &sensors.IMUData{
		G1:   r.x.Get(1, 0)/(pi/180) + r.p.GyroBias + r.p.GyroNoise*r.rnd.NormFloat64(),
		A2:   math.Cos(a) + r.p.AccelNoise*r.rnd.NormFloat64(),
		A3:   -math.Sin(a) + r.p.AccelNoise*r.rnd.NormFloat64(),
		Temp: 21,
		N:    r.n,
		T:    r.t,
		DT:   dt,
	}
}

// Run steps the robot in real time at 1/DT Hz and delivers the samples on
// the returned channel until ctx is done.  Samples the reader isn't ready
// for are dropped, as with the real IMU.
func (r *Robot) Run(ctx context.Context) <-chan *sensors.IMUData {
	c := make(chan *sensors.IMUData, 1)
	go func() {
		defer close(c)
		ticker := time.NewTicker(time.Duration(r.p.DT * float64(time.Second)))
		defer ticker.Stop()
		log.Info().Float64("dt", r.p.DT).Msg("Simulator started")
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("Simulator stopped")
				return
			case <-ticker.C:
				select {
				case c <- r.Step():
				default:
				}
			}
		}
	}()
	return c
}
