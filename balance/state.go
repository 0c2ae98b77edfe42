package balance

import (
	"math"
	"sync/atomic"
	"time"
)

// atomicFloat is a float64 that can be shared between the fast and slow loops.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat) Store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

// setpoint is an outer loop output tagged with the arm generation it was
// computed in.  Cells are immutable once published.
type setpoint struct {
	value float64
	gen   uint64
}

// ControllerState is the state shared by the fast and slow loops.  The fast
// loop is the only writer of armed, tilt and generation; the slow loop is the
// only writer of the setpoint and displacement.  Nothing in here blocks.
type ControllerState struct {
	armed        atomic.Bool
	generation   atomic.Uint64 // Incremented on every arm transition
	tilt         atomicFloat
	displacement atomicFloat
	sp           atomic.Pointer[setpoint]

	duty           atomicFloat // Last inner loop output
	fastPeriod     atomicFloat // Averaged time between IMU samples, s
	fastTicks      atomic.Uint64
	slowTicks      atomic.Uint64
	sensorFailures atomic.Uint64
}

func (s *ControllerState) Armed() bool {
	return s.armed.Load()
}

// Tilt returns the latest tilt estimate, rad.
func (s *ControllerState) Tilt() float64 {
	return s.tilt.Load()
}

// Displacement returns the latest absolute wheel position, rad.
func (s *ControllerState) Displacement() float64 {
	return s.displacement.Load()
}

// Setpoint returns the latest outer loop output, whatever generation it
// belongs to.
func (s *ControllerState) Setpoint() float64 {
	if p := s.sp.Load(); p != nil {
		return p.value
	}
	return 0
}

func (s *ControllerState) publishSetpoint(v float64, gen uint64) {
	s.sp.Store(&setpoint{value: v, gen: gen})
}

// setpointFor returns the outer loop output if it was computed since arm
// generation gen started, and zero otherwise.
func (s *ControllerState) setpointFor(gen uint64) float64 {
	p := s.sp.Load()
	if p == nil || p.gen != gen {
		return 0
	}
	return p.value
}

// Snapshot is a point-in-time copy of the controller state for diagnostics.
type Snapshot struct {
	T              time.Time `json:"t"`
	Armed          bool      `json:"armed"`
	Tilt           float64   `json:"tilt"`
	Duty           float64   `json:"duty"`
	Setpoint       float64   `json:"setpoint"`
	Displacement   float64   `json:"displacement"`
	FastPeriod     float64   `json:"fast_period"`
	FastTicks      uint64    `json:"fast_ticks"`
	SlowTicks      uint64    `json:"slow_ticks"`
	SensorFailures uint64    `json:"sensor_failures"`
}

func (s *ControllerState) snapshot() Snapshot {
	return Snapshot{
		T:              time.Now(),
		Armed:          s.armed.Load(),
		Tilt:           s.tilt.Load(),
		Duty:           s.duty.Load(),
		Setpoint:       s.Setpoint(),
		Displacement:   s.displacement.Load(),
		FastPeriod:     s.fastPeriod.Load(),
		FastTicks:      s.fastTicks.Load(),
		SlowTicks:      s.slowTicks.Load(),
		SensorFailures: s.sensorFailures.Load(),
	}
}
