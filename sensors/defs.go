// Package sensors defines the sample types and hardware capabilities the
// balance controller is driven by.
package sensors

import (
	"fmt"
	"time"
)

// IMUSensor delivers one sample per IMU interrupt.
type IMUSensor struct {
	C <-chan *IMUData
}

// IMUData contains the values measured by an MPU9250 or equivalent.
// Accelerations are in G, gyro rates in °/s, both in the sensor frame.
type IMUData struct {
	G1, G2, G3 float64
	A1, A2, A3 float64
	Temp       float64
	GAError    error
	N          int
	T          time.Time
	DT         time.Duration
}

// IMUCalData holds the hardware biases subtracted from every sample.
type IMUCalData struct {
	A01, A02, A03 float64 // Accelerometer bias, G
	G01, G02, G03 float64 // Gyro bias, °/s
	N             int     // Samples used to compute the biases
	T             time.Time
}

// Reset clears all biases.
func (d *IMUCalData) Reset() {
	*d = IMUCalData{}
}

// Apply returns a copy of m with the biases removed.
func (d *IMUCalData) Apply(m *IMUData) *IMUData {
	c := *m
	c.A1 -= d.A01
	c.A2 -= d.A02
	c.A3 -= d.A03
	c.G1 -= d.G01
	c.G2 -= d.G02
	c.G3 -= d.G03
	return &c
}

// Side selects a wheel.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	}
	return fmt.Sprintf("Side(%d)", int(s))
}

// Encoders reads the wheel quadrature counters.
type Encoders interface {
	ReadEncoder(side Side) (int, error)
	ResetEncoder(side Side) error
}

// Motors drives the motor channels.  Channels are numbered from 1 and duty is
// a fraction in [-1, 1].
type Motors interface {
	SetMotorDuty(channel int, duty float64) error
}
