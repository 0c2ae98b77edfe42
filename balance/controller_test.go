package balance

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/auggienanz/MAE144/sensors"
)

func newTestController(t *testing.T, cfg Config) (*Controller, *fakeMotors, *fakeEncoders) {
	t.Helper()
	m := newFakeMotors()
	e := &fakeEncoders{}
	c, err := NewController(cfg, m, e)
	if err != nil {
		t.Fatal(err)
	}
	return c, m, e
}

func TestControllerStartsDisarmed(t *testing.T) {
	c, m, _ := newTestController(t, directConfig())
	if c.State().Armed() {
		t.Fatal("new controller is armed")
	}
	// Lying on its side: stays disarmed with zero duty.
	cmd, err := c.FastTick(tiltSample(c.cfg, 1.2))
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Armed || cmd.Transition != NoTransition || cmd.Duty != 0 {
		t.Errorf("unexpected command %+v", cmd)
	}
	if m.get(1) != 0 || m.get(2) != 0 || m.calls != 2 {
		t.Errorf("motors not zeroed: %v after %d calls", m.duty, m.calls)
	}
}

func TestControllerResetTickUsesAccelAngle(t *testing.T) {
	cfg := DefaultConfig()
	c, _, _ := newTestController(t, cfg)
	m := &sensors.IMUData{A2: 0.6, A3: 0.8}
	cmd, err := c.FastTick(m)
	if err != nil {
		t.Fatal(err)
	}
	if want := math.Atan2(-0.8, 0.6) + cfg.MountOffset; cmd.Tilt != want {
		t.Errorf("first tilt %v, want %v", cmd.Tilt, want)
	}
}

func TestControllerTipScenario(t *testing.T) {
	cfg := directConfig()
	c, m, _ := newTestController(t, cfg)

	cmd, _ := c.FastTick(tiltSample(cfg, 0))
	if cmd.Transition != ToArmed || !cmd.Armed || cmd.Duty != 0 {
		t.Fatalf("arm tick: %+v", cmd)
	}
	cmd, _ = c.FastTick(tiltSample(cfg, 0.3))
	if !cmd.Armed || cmd.Transition != NoTransition {
		t.Fatalf("tick at 0.3: %+v", cmd)
	}
	if cmd.Duty == 0 {
		t.Error("armed controller produced no duty at 0.3 rad")
	}

	transitions := 0
	cmd, _ = c.FastTick(tiltSample(cfg, 0.4))
	if cmd.Transition != NoTransition {
		transitions++
	}
	if cmd.Transition != ToDisarmed || cmd.Armed || cmd.Duty != 0 {
		t.Errorf("tick at 0.4: %+v", cmd)
	}
	if m.get(1) != 0 || m.get(2) != 0 {
		t.Errorf("motors %v after tipping", m.duty)
	}
	for i := 0; i < 10; i++ {
		cmd, _ = c.FastTick(tiltSample(cfg, 0.4))
		if cmd.Transition != NoTransition {
			transitions++
		}
	}
	if transitions != 1 {
		t.Errorf("%d transitions, want exactly 1", transitions)
	}
	if c.State().Armed() {
		t.Error("state still armed")
	}
}

// A robot leaning forward drives channel 1 forward and channel 2 backward,
// as the left motor is mounted reversed.  The commands match a compensator
// fed the tilt itself and wired as set_motor(1, -d), set_motor(2, d).
func TestControllerMotorPolarity(t *testing.T) {
	cfg := directConfig()
	c, m, _ := newTestController(t, cfg)
	c.FastTick(tiltSample(cfg, 0))
	cmd, err := c.FastTick(tiltSample(cfg, 0.05))
	if err != nil {
		t.Fatal(err)
	}

	ref, _ := NewInnerLoop(cfg)
	ref.Step(0, true)
	d, _ := ref.Step(cmd.Tilt, false)
	if math.Abs(cmd.Motors[0]+d) > 1e-12 || math.Abs(cmd.Motors[1]-d) > 1e-12 {
		t.Errorf("motors %v, want %v %v", cmd.Motors, -d, d)
	}
	if math.Abs(m.get(1)-0.3130) > 1e-3 || math.Abs(m.get(2)+0.3130) > 1e-3 {
		t.Errorf("driven %v at tilt %v", m.duty, cmd.Tilt)
	}
	if m.get(1) != cmd.Motors[0] || m.get(2) != cmd.Motors[1] {
		t.Errorf("driven %v, commanded %v", m.duty, cmd.Motors)
	}
	if cmd.Duty < -1 || cmd.Duty > 1 {
		t.Errorf("duty %v out of range", cmd.Duty)
	}
}

// TestControllerCascade checks that the inner loop is fed the outer loop
// setpoint minus the tilt, and that re-arming resets both loops and the
// encoders.
func TestControllerCascade(t *testing.T) {
	cfg := directConfig()
	c, _, enc := newTestController(t, cfg)
	inner, _ := NewInnerLoop(cfg)
	outer, _ := NewOuterLoop(cfg)

	if err := c.SlowTick(); err != nil {
		t.Fatal(err)
	}
	if enc.resets != [2]int{} {
		t.Fatal("encoders reset while disarmed")
	}

	cmd, _ := c.FastTick(tiltSample(cfg, 0.02))
	inner.Step(0, true)
	if cmd.Transition != ToArmed {
		t.Fatalf("did not arm: %+v", cmd)
	}

	// First slow tick of the generation resets the outer loop and encoders.
	enc.set(40, -40)
	if err := c.SlowTick(); err != nil {
		t.Fatal(err)
	}
	outer.Step(0, true)
	if enc.resets != [2]int{1, 1} || enc.counts != [2]int{} {
		t.Fatalf("encoders not reset on arm: %+v", enc)
	}
	if c.State().Setpoint() != 0 {
		t.Fatalf("setpoint %v after outer reset", c.State().Setpoint())
	}

	counts := [][2]int{{-30, 30}, {-80, 75}, {-150, 160}, {-100, 90}}
	for i, n := range counts {
		enc.set(n[0], n[1])
		tilt := 0.02 + 0.01*float64(i)
		cmd, err := c.FastTick(tiltSample(cfg, tilt))
		if err != nil {
			t.Fatal(err)
		}
		wantSP := c.State().Setpoint()
		want, _ := inner.Step(wantSP-cmd.Tilt, false)
		if cmd.Duty != want {
			t.Errorf("tick %d: duty %v, want %v", i, cmd.Duty, want)
		}

		if err := c.SlowTick(); err != nil {
			t.Fatal(err)
		}
		wheel := (cfg.EncoderPolarity[0]*float64(n[0]) + cfg.EncoderPolarity[1]*float64(n[1])) / 2 * 2 * Pi / cfg.CountsPerRev
		phi := wheel + cmd.Tilt
		if d := c.State().Displacement(); d != phi {
			t.Errorf("tick %d: displacement %v, want %v", i, d, phi)
		}
		sp, _ := outer.Step(-phi, false)
		if got := c.State().Setpoint(); got != sp {
			t.Errorf("tick %d: setpoint %v, want %v", i, got, sp)
		}
	}
	if c.State().Setpoint() == 0 {
		t.Fatal("outer loop never moved the setpoint")
	}

	// Tip over and recover.
	c.FastTick(tiltSample(cfg, 0.6))
	if err := c.SlowTick(); err != nil {
		t.Fatal(err)
	}
	cmd, _ = c.FastTick(tiltSample(cfg, 0.1))
	if cmd.Transition != ToArmed || cmd.Duty != 0 {
		t.Fatalf("re-arm tick: %+v", cmd)
	}

	// The stale setpoint from the previous generation is ignored and the
	// inner loop behaves like a fresh filter.
	fresh, _ := NewInnerLoop(cfg)
	fresh.Step(0, true)
	cmd, _ = c.FastTick(tiltSample(cfg, 0.08))
	if want, _ := fresh.Step(-cmd.Tilt, false); cmd.Duty != want {
		t.Errorf("first tick after re-arm: duty %v, fresh filter %v", cmd.Duty, want)
	}

	enc.set(500, 500)
	if err := c.SlowTick(); err != nil {
		t.Fatal(err)
	}
	if enc.resets != [2]int{2, 2} || c.State().Displacement() != 0 || c.State().Setpoint() != 0 {
		t.Fatalf("re-arm did not reset outer loop: resets %v displacement %v setpoint %v",
			enc.resets, c.State().Displacement(), c.State().Setpoint())
	}
	enc.set(-20, 25)
	if err := c.SlowTick(); err != nil {
		t.Fatal(err)
	}
	freshOuter, _ := NewOuterLoop(cfg)
	freshOuter.Step(0, true)
	want, _ := freshOuter.Step(-c.State().Displacement(), false)
	if got := c.State().Setpoint(); got != want {
		t.Errorf("first outer step after re-arm %v, fresh filter %v", got, want)
	}
}

func TestControllerSensorFailures(t *testing.T) {
	cfg := directConfig()
	cfg.MaxSensorFailures = 3
	c, m, _ := newTestController(t, cfg)

	if _, err := c.FastTick(nil); !errors.Is(err, ErrSensorUnavailable) {
		t.Fatalf("nil sample before init: got %v", err)
	}
	c.FastTick(tiltSample(cfg, 0))
	c.FastTick(tiltSample(cfg, 0.05))
	driven := m.get(2)
	if driven == 0 {
		t.Fatal("expected non-zero duty before failures")
	}

	bad := &sensors.IMUData{GAError: errors.New("i2c timeout")}
	for i := 0; i < 2; i++ {
		if _, err := c.FastTick(bad); !errors.Is(err, ErrSensorUnavailable) {
			t.Fatalf("bad sample %d: got %v", i, err)
		}
	}
	if !c.State().Armed() || m.get(2) != driven {
		t.Error("a single bad tick changed the motor command")
	}
	// A good sample clears the count.
	c.FastTick(tiltSample(cfg, 0.05))
	for i := 0; i < 2; i++ {
		c.FastTick(bad)
	}
	if !c.State().Armed() {
		t.Fatal("disarmed before MaxSensorFailures consecutive failures")
	}
	if _, err := c.FastTick(bad); !errors.Is(err, ErrSensorUnavailable) {
		t.Fatalf("got %v", err)
	}
	if c.State().Armed() || m.get(1) != 0 || m.get(2) != 0 {
		t.Error("not disarmed after MaxSensorFailures consecutive failures")
	}
	if n := c.Snapshot().SensorFailures; n != 6 {
		t.Errorf("%d sensor failures counted, want 6", n)
	}
}

func TestControllerMotorError(t *testing.T) {
	cfg := directConfig()
	c, m, _ := newTestController(t, cfg)
	m.err = errors.New("pwm write failed")
	_, err := c.FastTick(tiltSample(cfg, 0))
	if err == nil || !errors.Is(err, m.err) {
		t.Errorf("got %v, want the motor error", err)
	}
}

func TestControllerEncoderError(t *testing.T) {
	cfg := directConfig()
	c, _, enc := newTestController(t, cfg)
	c.FastTick(tiltSample(cfg, 0))
	enc.err = errors.New("gpio closed")
	if err := c.SlowTick(); !errors.Is(err, enc.err) {
		t.Errorf("got %v, want the encoder error", err)
	}
	enc.err = nil
	if err := c.SlowTick(); err != nil {
		t.Errorf("retry after encoder error: %v", err)
	}
	if enc.resets != [2]int{1, 1} {
		t.Errorf("encoder resets %v", enc.resets)
	}
}

func TestControllerShutdown(t *testing.T) {
	cfg := directConfig()
	c, m, _ := newTestController(t, cfg)
	c.FastTick(tiltSample(cfg, 0))
	c.FastTick(tiltSample(cfg, 0.05))
	if err := c.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if c.State().Armed() || m.get(1) != 0 || m.get(2) != 0 {
		t.Error("Shutdown left the motors running")
	}
	if err := c.Shutdown(); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestControllerRun(t *testing.T) {
	cfg := directConfig()
	c, m, _ := newTestController(t, cfg)

	imu := make(chan *sensors.IMUData)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- c.Run(ctx, imu) }()

	for i := 0; i < 50; i++ {
		imu <- tiltSample(cfg, 0.01*math.Sin(float64(i)/5))
	}
	deadline := time.After(2 * time.Second)
	for c.Snapshot().SlowTicks < 2 {
		select {
		case <-deadline:
			t.Fatal("slow loop did not tick")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if s := c.Snapshot(); !s.Armed || s.FastTicks != 50 {
		t.Errorf("unexpected snapshot %+v", s)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if c.State().Armed() || m.get(1) != 0 || m.get(2) != 0 {
		t.Error("motors not stopped on shutdown")
	}
}

func TestControllerRunClosedIMU(t *testing.T) {
	cfg := directConfig()
	c, m, _ := newTestController(t, cfg)
	imu := make(chan *sensors.IMUData, 2)
	imu <- tiltSample(cfg, 0)
	imu <- tiltSample(cfg, 0.05)
	close(imu)
	err := c.Run(context.Background(), imu)
	if !errors.Is(err, ErrSensorUnavailable) {
		t.Errorf("got %v, want ErrSensorUnavailable", err)
	}
	if m.get(1) != 0 || m.get(2) != 0 {
		t.Error("motors not stopped")
	}
}

func TestControllerConcurrentLoops(t *testing.T) {
	cfg := directConfig()
	c, _, enc := newTestController(t, cfg)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			tilt := 0.1 * math.Sin(float64(i)/50)
			if i%500 == 250 {
				tilt = 0.5
			}
			c.FastTick(tiltSample(cfg, tilt))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			enc.set(i, -i)
			if err := c.SlowTick(); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s := c.Snapshot()
			if math.Abs(s.Setpoint) > SetpointLimit || math.Abs(s.Duty) > 1 {
				t.Errorf("snapshot out of range: %+v", s)
				return
			}
		}
	}()
	wg.Wait()
}

func TestTickLoggerOutput(t *testing.T) {
	cfg := directConfig()
	cfg.MountOffset = 0
	c, _, _ := newTestController(t, cfg)
	var buf closeBuffer
	l, err := NewTickLogger(&buf)
	if err != nil {
		t.Fatal(err)
	}
	c.SetTickLogger(l)
	t0 := time.Unix(100, 0)
	for i, tilt := range []float64{0, 0.1} {
		m := tiltSample(cfg, tilt)
		m.T = t0.Add(time.Duration(i) * 5 * time.Millisecond)
		c.FastTick(m)
	}
	if err := c.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if !buf.closed {
		t.Error("tick log not closed on shutdown")
	}
	lines := splitLines(buf.String())
	if len(lines) != 3 || lines[0] != "t,tilt,duty,setpoint,armed" {
		t.Fatalf("unexpected log %q", buf.String())
	}
	if lines[1] != "0.000000,0.000000,0.000000,0.000000,1" {
		t.Errorf("arm tick row %q", lines[1])
	}
	if lines[2][:9] != "0.005000," {
		t.Errorf("second row %q", lines[2])
	}
}

// failWriter accepts the first n bytes and fails every write after that.
type failWriter struct {
	n      int
	closed bool
}

func (w *failWriter) Write(p []byte) (int, error) {
	if len(p) > w.n {
		k := w.n
		w.n = 0
		return k, errors.New("disk full")
	}
	w.n -= len(p)
	return len(p), nil
}

func (w *failWriter) Close() error {
	w.closed = true
	return nil
}

func TestTickLoggerHeaderFailure(t *testing.T) {
	if _, err := NewTickLogger(&failWriter{}); err == nil {
		t.Error("header write to a full disk succeeded")
	}
}

func TestTickLoggerClosedOnWriteError(t *testing.T) {
	cfg := directConfig()
	c, _, _ := newTestController(t, cfg)
	w := &failWriter{n: len("t,tilt,duty,setpoint,armed\n")}
	l, err := NewTickLogger(w)
	if err != nil {
		t.Fatal(err)
	}
	c.SetTickLogger(l)
	// Enough rows to overflow the write buffer.
	for i := 0; i < 500 && c.logger != nil; i++ {
		if _, err := c.FastTick(tiltSample(cfg, 0.01)); err != nil {
			t.Fatal(err)
		}
	}
	if c.logger != nil {
		t.Fatal("tick log kept after a write error")
	}
	if !w.closed {
		t.Error("tick log not closed after a write error")
	}
	if err := c.Shutdown(); err != nil {
		t.Fatal(err)
	}
}
