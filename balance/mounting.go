package balance

import (
	"github.com/westphae/quaternion"

	"github.com/auggienanz/MAE144/sensors"
)

// Mounting rotates IMU readings from the sensor frame into the body frame
// the estimator expects (axis 1 along the wheel axle, axis 2 up when upright).
type Mounting struct {
	q quaternion.Quaternion
}

// NewMounting returns the rotation for a sensor mounted at the given roll,
// pitch and yaw (radians, applied yaw first) relative to the body.
func NewMounting(roll, pitch, yaw float64) *Mounting {
	return &Mounting{q: quaternion.FromEuler(roll, pitch, yaw)}
}

// Rotate returns v rotated by the mounting quaternion.
func (m *Mounting) Rotate(v1, v2, v3 float64) (float64, float64, float64) {
	r := m.q.RotateVec3(quaternion.Vec3{X: v1, Y: v2, Z: v3})
	return r.X, r.Y, r.Z
}

// Apply returns a copy of d with accel and gyro vectors in the body frame.
func (m *Mounting) Apply(d *sensors.IMUData) *sensors.IMUData {
	c := *d
	c.A1, c.A2, c.A3 = m.Rotate(d.A1, d.A2, d.A3)
	c.G1, c.G2, c.G3 = m.Rotate(d.G1, d.G2, d.G3)
	return &c
}
