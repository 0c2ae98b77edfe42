package balanceweb

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/rs/zerolog/log"

	"github.com/auggienanz/MAE144/balance"
)

// Source provides controller snapshots.  *balance.Controller is one.
type Source interface {
	Snapshot() balance.Snapshot
}

// Publisher sends a telemetry frame somewhere outside the process.
type Publisher interface {
	Publish(frame []byte) error
}

// Frame is one telemetry message.
type Frame struct {
	balance.Snapshot
	WheelSpeed float64 `json:"wheel_speed"` // Smoothed rate of change of displacement, rad/s
}

// Telemetry samples a Source at a fixed period and fans the frames out to a
// Room and any Publishers.  It only ever reads controller state.
type Telemetry struct {
	src        Source
	room       *Room
	publishers []Publisher
	speed      *movingaverage.MovingAverage
	last       *balance.Snapshot
}

// NewTelemetry returns a pump over src.  room may be nil.
func NewTelemetry(src Source, room *Room, publishers ...Publisher) *Telemetry {
	return &Telemetry{
		src:        src,
		room:       room,
		publishers: publishers,
		speed:      movingaverage.New(5),
	}
}

// Frame takes a snapshot and returns it with the smoothed wheel speed.
func (t *Telemetry) Frame() Frame {
	s := t.src.Snapshot()
	f := Frame{Snapshot: s}
	switch {
	case !s.Armed:
		t.speed = movingaverage.New(5)
	case t.last != nil && t.last.Armed:
		if dt := s.T.Sub(t.last.T).Seconds(); dt > 0 {
			t.speed.Add((s.Displacement - t.last.Displacement) / dt)
		}
		if t.speed.Count() > 0 {
			f.WheelSpeed = t.speed.Avg()
		}
	}
	t.last = &s
	return f
}

// Send builds a frame and delivers it everywhere.
func (t *Telemetry) Send() error {
	msg, err := json.Marshal(t.Frame())
	if err != nil {
		return err
	}
	if t.room != nil {
		t.room.Broadcast(msg)
	}
	var errs []error
	for _, p := range t.publishers {
		errs = append(errs, p.Publish(msg))
	}
	return errors.Join(errs...)
}

// Run sends a frame every period until ctx is done.
func (t *Telemetry) Run(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.Send(); err != nil {
				log.Warn().Err(err).Msg("BalanceWeb: telemetry publish failed")
			}
		}
	}
}
