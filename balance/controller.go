package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/auggienanz/MAE144/sensors"
)

// Command is the outcome of one fast loop tick.
type Command struct {
	Tilt       float64    // Tilt estimate, rad
	Duty       float64    // Inner loop output before motor polarity
	Motors     [2]float64 // Duty sent to motor channels 1 and 2
	Armed      bool
	Transition Transition
}

// Controller runs the estimator, the inner and outer loops and the arm
// interlock.  FastTick and SlowTick may run concurrently with each other;
// neither may run concurrently with itself.
type Controller struct {
	cfg      Config
	motors   sensors.Motors
	encoders sensors.Encoders
	state    ControllerState

	// Owned by the fast loop
	est      *Estimator
	inner    *Filter
	safety   *Safety
	gen      uint64
	failures int
	cal      *sensors.IMUCalData
	mount    *Mounting
	logger   *TickLogger
	t0       time.Time

	// Owned by the slow loop
	outer    *Filter
	outerGen uint64
}

// NewController validates cfg and returns a disarmed controller driving
// motors from IMU samples and the wheel encoders.
func NewController(cfg Config, motors sensors.Motors, encoders sensors.Encoders) (*Controller, error) {
	if motors == nil || encoders == nil {
		return nil, fmt.Errorf("%w: motors and encoders are required", ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{cfg: cfg, motors: motors, encoders: encoders}
	var err error
	if c.est, err = NewEstimator(cfg); err != nil {
		return nil, err
	}
	if c.inner, err = NewInnerLoop(cfg); err != nil {
		return nil, err
	}
	if c.outer, err = NewOuterLoop(cfg); err != nil {
		return nil, err
	}
	if c.safety, err = NewSafety(cfg.TipThreshold, cfg.RecoverThreshold); err != nil {
		return nil, err
	}
	return c, nil
}

// SetCalibration sets the biases removed from every IMU sample.  Call before
// the first tick.
func (c *Controller) SetCalibration(d *sensors.IMUCalData) {
	c.cal = d
}

// SetMounting sets the sensor to body rotation.  Call before the first tick.
func (c *Controller) SetMounting(m *Mounting) {
	c.mount = m
}

// SetTickLogger logs every fast tick to l.  Call before the first tick.
func (c *Controller) SetTickLogger(l *TickLogger) {
	c.logger = l
}

func (c *Controller) State() *ControllerState {
	return &c.state
}

// Snapshot returns a copy of the shared state.  Safe to call from any goroutine.
func (c *Controller) Snapshot() Snapshot {
	return c.state.snapshot()
}

// FastTick runs one inner loop cycle on IMU sample m: estimate the tilt,
// update the interlock, step the inner loop and drive the motors.
// A bad sample aborts the tick with ErrSensorUnavailable and leaves every
// filter untouched; MaxSensorFailures of them in a row force a disarm.
func (c *Controller) FastTick(m *sensors.IMUData) (Command, error) {
	c.state.fastTicks.Add(1)
	if err := checkSample(m); err != nil {
		return Command{}, c.sensorFailure(err)
	}
	c.failures = 0

	if c.cal != nil {
		m = c.cal.Apply(m)
	}
	if c.mount != nil {
		m = c.mount.Apply(m)
	}
	angle, err := c.est.Estimate(m, !c.est.Initialized())
	if err != nil {
		return Command{}, c.sensorFailure(err)
	}

	tilt := angle + c.cfg.MountOffset
	c.state.tilt.Store(tilt)
	cmd := Command{Tilt: tilt, Transition: c.safety.Update(tilt)}

	switch cmd.Transition {
	case ToDisarmed:
		c.state.armed.Store(false)
		log.Info().Float64("tilt", tilt).Msg("Tipped over, disarming")
	case ToArmed:
		c.inner.Reset()
		c.gen = c.state.generation.Add(1)
		c.state.armed.Store(true)
		log.Info().Float64("tilt", tilt).Uint64("generation", c.gen).Msg("Upright, arming")
	}

	if c.safety.State() != Armed {
		c.state.duty.Store(0)
		err = c.zeroMotors()
		c.logTick(m, cmd, 0)
		return cmd, err
	}

	sp := c.state.setpointFor(c.gen)
	duty, err := c.inner.Step(sp-tilt, cmd.Transition == ToArmed)
	if err != nil {
		log.Error().Err(err).Float64("setpoint", sp).Float64("tilt", tilt).Msg("Inner loop failed, disarming")
		if derr := c.disarm(); derr != nil {
			err = errors.Join(err, derr)
		}
		return cmd, err
	}
	cmd.Armed = true
	cmd.Duty = duty
	c.state.duty.Store(duty)
	for i := range cmd.Motors {
		cmd.Motors[i] = c.cfg.MotorPolarity[i] * duty
	}
	err = c.drive(cmd.Motors)
	c.logTick(m, cmd, sp)
	return cmd, err
}

func (c *Controller) sensorFailure(err error) error {
	c.failures++
	c.state.sensorFailures.Add(1)
	if c.failures == c.cfg.MaxSensorFailures {
		log.Error().Err(err).Int("failures", c.failures).Msg("IMU unavailable, disarming")
		if derr := c.disarm(); derr != nil {
			return errors.Join(err, derr)
		}
	}
	return err
}

// SlowTick runs one outer loop cycle: read the encoders, step the outer loop
// on the absolute wheel position and publish the tilt setpoint.  The first
// tick after each arm transition resets the outer loop and the encoders
// instead.
func (c *Controller) SlowTick() error {
	c.state.slowTicks.Add(1)
	if !c.state.armed.Load() {
		return nil
	}

	gen := c.state.generation.Load()
	if gen != c.outerGen {
		for _, s := range [...]sensors.Side{sensors.Left, sensors.Right} {
			if err := c.encoders.ResetEncoder(s); err != nil {
				return fmt.Errorf("reset %s encoder: %w", s, err)
			}
		}
		c.outer.Step(0, true)
		c.outerGen = gen
		c.state.displacement.Store(0)
		c.state.publishSetpoint(0, gen)
		return nil
	}

	var counts [2]float64
	for i, s := range [...]sensors.Side{sensors.Left, sensors.Right} {
		n, err := c.encoders.ReadEncoder(s)
		if err != nil {
			return fmt.Errorf("read %s encoder: %w", s, err)
		}
		counts[i] = c.cfg.EncoderPolarity[i] * float64(n)
	}
	wheel := (counts[0] + counts[1]) / 2 * 2 * Pi / c.cfg.CountsPerRev
	phi := wheel + c.state.tilt.Load()
	c.state.displacement.Store(phi)

	sp, err := c.outer.Step(-phi, false)
	if err != nil {
		return err
	}
	c.state.publishSetpoint(sp, gen)
	return nil
}

// Run drives FastTick from the IMU samples on imu and SlowTick from a ticker
// until ctx is done or imu is closed.  The motors are stopped before Run
// returns.
func (c *Controller) Run(ctx context.Context, imu <-chan *sensors.IMUData) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runFast(ctx, imu) })
	g.Go(func() error { return c.runSlow(ctx) })
	err := g.Wait()
	if serr := c.Shutdown(); serr != nil {
		log.Error().Err(serr).Msg("Couldn't stop motors")
		if err == nil {
			err = serr
		}
	}
	return err
}

func (c *Controller) runFast(ctx context.Context, imu <-chan *sensors.IMUData) error {
	log.Info().Float64("rate", c.cfg.FastRateHz).Msg("Fast loop started")
	defer log.Info().Msg("Fast loop exited")

	period := movingaverage.New(int(c.cfg.FastRateHz))
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return c.Shutdown()
		case m, ok := <-imu:
			if !ok {
				if err := c.Shutdown(); err != nil {
					log.Error().Err(err).Msg("Couldn't stop motors")
				}
				return fmt.Errorf("imu channel closed: %w", ErrSensorUnavailable)
			}
			now := time.Now()
			if !last.IsZero() {
				period.Add(now.Sub(last).Seconds())
				c.state.fastPeriod.Store(period.Avg())
			}
			last = now
			if _, err := c.FastTick(m); err != nil {
				log.Warn().Err(err).Msg("Fast tick failed")
			}
		}
	}
}

func (c *Controller) runSlow(ctx context.Context) error {
	log.Info().Float64("rate", c.cfg.SlowRateHz).Msg("Slow loop started")
	defer log.Info().Msg("Slow loop exited")

	ticker := time.NewTicker(time.Duration(float64(time.Second) / c.cfg.SlowRateHz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.SlowTick(); err != nil {
				log.Warn().Err(err).Msg("Slow tick failed")
			}
		}
	}
}

// Shutdown disarms and commands zero duty.  It must not run concurrently
// with FastTick.
func (c *Controller) Shutdown() error {
	err := c.disarm()
	if c.logger != nil {
		if lerr := c.logger.Close(); lerr != nil {
			log.Warn().Err(lerr).Msg("Couldn't close tick log")
		}
		c.logger = nil
	}
	return err
}

func (c *Controller) disarm() error {
	if c.safety.ForceDisarm() == ToDisarmed {
		log.Info().Msg("Disarmed")
	}
	c.state.armed.Store(false)
	c.state.duty.Store(0)
	return c.zeroMotors()
}

func (c *Controller) zeroMotors() error {
	return c.drive([2]float64{})
}

func (c *Controller) drive(duty [2]float64) error {
	var errs []error
	for i, d := range duty {
		if err := c.motors.SetMotorDuty(i+1, d); err != nil {
			errs = append(errs, fmt.Errorf("motor %d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) logTick(m *sensors.IMUData, cmd Command, sp float64) {
	if c.logger == nil {
		return
	}
	var t float64
	if !m.T.IsZero() {
		if c.t0.IsZero() {
			c.t0 = m.T
		}
		t = m.T.Sub(c.t0).Seconds()
	}
	if err := c.logger.Log(t, cmd.Tilt, cmd.Duty, sp, cmd.Armed); err != nil {
		log.Warn().Err(err).Msg("Couldn't write tick log, closing it")
		if cerr := c.logger.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Couldn't close tick log")
		}
		c.logger = nil
	}
}
