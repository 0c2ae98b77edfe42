package balance

import (
	"bytes"
	"math"
	"strings"
	"sync"

	"github.com/auggienanz/MAE144/sensors"
)

type fakeMotors struct {
	mu    sync.Mutex
	duty  map[int]float64
	calls int
	err   error
}

func newFakeMotors() *fakeMotors {
	return &fakeMotors{duty: make(map[int]float64)}
}

func (m *fakeMotors) SetMotorDuty(channel int, duty float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	m.duty[channel] = duty
	return nil
}

func (m *fakeMotors) get(channel int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duty[channel]
}

type fakeEncoders struct {
	mu     sync.Mutex
	counts [2]int
	resets [2]int
	err    error
}

func (e *fakeEncoders) ReadEncoder(side sensors.Side) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return 0, e.err
	}
	return e.counts[side], nil
}

func (e *fakeEncoders) ResetEncoder(side sensors.Side) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.counts[side] = 0
	e.resets[side]++
	return nil
}

func (e *fakeEncoders) set(left, right int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts = [2]int{left, right}
}

// accelSample returns a still sample whose accelerometer angle is angle.
func accelSample(angle float64) *sensors.IMUData {
	return &sensors.IMUData{A2: math.Cos(angle), A3: -math.Sin(angle)}
}

// directConfig makes the estimator follow the accelerometer angle exactly,
// so tests can place the tilt estimate where they want it.
func directConfig() Config {
	cfg := DefaultConfig()
	cfg.DT = cfg.Tau
	return cfg
}

// tiltSample returns a sample that a directConfig controller reads as tilt.
func tiltSample(cfg Config, tilt float64) *sensors.IMUData {
	return accelSample(tilt - cfg.MountOffset)
}

type closeBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *closeBuffer) Close() error {
	b.closed = true
	return nil
}

func splitLines(s string) []string {
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
