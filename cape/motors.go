// Package cape drives the robot's motor and encoder hardware through embd.
package cape

import (
	"errors"
	"fmt"
	"math"

	"github.com/kidoman/embd"
	"github.com/rs/zerolog/log"
)

// MotorPins names the pins of one H-bridge channel.
type MotorPins struct {
	PWM string `yaml:"pwm"`
	In1 string `yaml:"in1"`
	In2 string `yaml:"in2"`
}

// Motor is one H-bridge channel: a PWM pin for the magnitude and two
// direction pins.
type Motor struct {
	pwm      embd.PWMPin
	in1, in2 embd.DigitalPin
	periodNs int
	dir      int // Last direction written: -1, 0 or 1
}

// NewMotor configures pwm with the given period and in1, in2 as outputs, and
// leaves the motor braked.
func NewMotor(pwm embd.PWMPin, in1, in2 embd.DigitalPin, periodNs int) (*Motor, error) {
	if periodNs <= 0 {
		return nil, fmt.Errorf("motor: bad PWM period %d ns", periodNs)
	}
	for _, p := range []embd.DigitalPin{in1, in2} {
		if err := p.SetDirection(embd.Out); err != nil {
			return nil, fmt.Errorf("motor: direction pin %d: %w", p.N(), err)
		}
	}
	if err := pwm.SetPeriod(periodNs); err != nil {
		return nil, fmt.Errorf("motor: set PWM period: %w", err)
	}
	m := &Motor{pwm: pwm, in1: in1, in2: in2, periodNs: periodNs, dir: 2}
	if err := m.SetDuty(0); err != nil {
		return nil, err
	}
	return m, nil
}

// SetDuty drives the motor at duty, clamped to [-1, 1].  Zero brakes.
func (m *Motor) SetDuty(duty float64) error {
	if math.IsNaN(duty) {
		duty = 0
	}
	duty = math.Max(-1, math.Min(1, duty))

	dir := 0
	switch {
	case duty > 0:
		dir = 1
	case duty < 0:
		dir = -1
	}
	if dir != m.dir {
		a, b := embd.Low, embd.Low
		switch dir {
		case 1:
			a = embd.High
		case -1:
			b = embd.High
		}
		// Drop the PWM before flipping direction
		if err := m.pwm.SetDuty(0); err != nil {
			return err
		}
		if err := m.in1.Write(a); err != nil {
			return err
		}
		if err := m.in2.Write(b); err != nil {
			return err
		}
		m.dir = dir
	}
	return m.pwm.SetDuty(int(math.Abs(duty)*float64(m.periodNs) + 0.5))
}

func (m *Motor) Close() error {
	err := m.SetDuty(0)
	return errors.Join(err, m.pwm.Close(), m.in1.Close(), m.in2.Close())
}

// Motors implements sensors.Motors over numbered channels.
type Motors []*Motor

// OpenMotors opens one Motor per entry of pins, channel 1 first.
func OpenMotors(pins []MotorPins, periodNs int) (Motors, error) {
	var ms Motors
	for i, p := range pins {
		m, err := openMotor(p, periodNs)
		if err != nil {
			ms.Close()
			return nil, fmt.Errorf("motor channel %d: %w", i+1, err)
		}
		ms = append(ms, m)
	}
	log.Info().Int("channels", len(ms)).Int("period_ns", periodNs).Msg("Motors ready")
	return ms, nil
}

func openMotor(p MotorPins, periodNs int) (*Motor, error) {
	pwm, err := embd.NewPWMPin(p.PWM)
	if err != nil {
		return nil, err
	}
	in1, err := embd.NewDigitalPin(p.In1)
	if err != nil {
		pwm.Close()
		return nil, err
	}
	in2, err := embd.NewDigitalPin(p.In2)
	if err != nil {
		pwm.Close()
		in1.Close()
		return nil, err
	}
	m, err := NewMotor(pwm, in1, in2, periodNs)
	if err != nil {
		pwm.Close()
		in1.Close()
		in2.Close()
	}
	return m, err
}

func (ms Motors) SetMotorDuty(channel int, duty float64) error {
	if channel < 1 || channel > len(ms) {
		return fmt.Errorf("no motor channel %d", channel)
	}
	return ms[channel-1].SetDuty(duty)
}

// Close brakes and releases every channel.
func (ms Motors) Close() error {
	var errs []error
	for _, m := range ms {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}
