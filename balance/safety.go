package balance

import (
	"fmt"
	"math"
)

// ArmState is the state of the motor interlock.
type ArmState int

const (
	Disarmed ArmState = iota
	Armed
)

func (s ArmState) String() string {
	switch s {
	case Disarmed:
		return "disarmed"
	case Armed:
		return "armed"
	}
	return fmt.Sprintf("ArmState(%d)", int(s))
}

// Transition is the result of one Safety update.
type Transition int

const (
	NoTransition Transition = iota
	ToArmed
	ToDisarmed
)

func (t Transition) String() string {
	switch t {
	case NoTransition:
		return "none"
	case ToArmed:
		return "arm"
	case ToDisarmed:
		return "disarm"
	}
	return fmt.Sprintf("Transition(%d)", int(t))
}

// Safety decides from the tilt estimate whether the motors may be driven.
// Between the recover and tip thresholds nothing changes.
type Safety struct {
	tip, recover float64
	state        ArmState
}

// NewSafety returns a disarmed interlock.
func NewSafety(tip, recover float64) (*Safety, error) {
	if !(recover > 0) || !(recover < tip) {
		return nil, invalid("recover threshold %v must be positive and below tip threshold %v", recover, tip)
	}
	return &Safety{tip: tip, recover: recover}, nil
}

func (s *Safety) State() ArmState {
	return s.state
}

// Update feeds one tilt estimate, in radians, and returns the transition it
// caused.  A non-finite tilt disarms.
func (s *Safety) Update(tilt float64) Transition {
	a := math.Abs(tilt)
	switch s.state {
	case Armed:
		if a > s.tip || math.IsNaN(a) {
			s.state = Disarmed
			return ToDisarmed
		}
	case Disarmed:
		if a < s.recover {
			s.state = Armed
			return ToArmed
		}
	}
	return NoTransition
}

// ForceDisarm disarms regardless of tilt.
func (s *Safety) ForceDisarm() Transition {
	if s.state == Disarmed {
		return NoTransition
	}
	s.state = Disarmed
	return ToDisarmed
}
