package cape

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kidoman/embd"
	"github.com/rs/zerolog/log"

	"github.com/auggienanz/MAE144/sensors"
)

// EncoderPins names the A and B channels of one quadrature encoder.
type EncoderPins struct {
	A string `yaml:"a"`
	B string `yaml:"b"`
}

// quadStep[prev<<2|cur] is the count change for a transition between 2-bit
// AB states.  Invalid double steps count as zero.
var quadStep = [16]int64{0, 1, -1, 0, -1, 0, 0, 1, 1, 0, 0, -1, 0, -1, 1, 0}

// Encoder counts the edges of a quadrature encoder watched on two GPIO pins.
type Encoder struct {
	a, b   embd.DigitalPin
	mu     sync.Mutex // Serializes edge handlers
	state  int
	count  atomic.Int64
	errors atomic.Uint64
}

// NewEncoder watches both edges of a and b.
func NewEncoder(a, b embd.DigitalPin) (*Encoder, error) {
	e := &Encoder{a: a, b: b}
	for _, p := range []embd.DigitalPin{a, b} {
		if err := p.SetDirection(embd.In); err != nil {
			return nil, fmt.Errorf("encoder pin %d: %w", p.N(), err)
		}
	}
	s, err := e.read()
	if err != nil {
		return nil, err
	}
	e.state = s
	for _, p := range []embd.DigitalPin{a, b} {
		if err := p.Watch(embd.EdgeBoth, e.edge); err != nil {
			e.Close()
			return nil, fmt.Errorf("encoder pin %d: %w", p.N(), err)
		}
	}
	return e, nil
}

func (e *Encoder) read() (int, error) {
	a, err := e.a.Read()
	if err != nil {
		return 0, err
	}
	b, err := e.b.Read()
	if err != nil {
		return 0, err
	}
	return a<<1 | b, nil
}

func (e *Encoder) edge(embd.DigitalPin) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.read()
	if err != nil {
		e.errors.Add(1)
		return
	}
	e.count.Add(quadStep[e.state<<2|s])
	e.state = s
}

func (e *Encoder) Count() int {
	return int(e.count.Load())
}

func (e *Encoder) Reset() {
	e.count.Store(0)
}

func (e *Encoder) Close() error {
	return errors.Join(e.a.StopWatching(), e.b.StopWatching(), e.a.Close(), e.b.Close())
}

// Encoders implements sensors.Encoders for a left and a right wheel.
type Encoders [2]*Encoder

// OpenEncoders opens the left and right encoders.
func OpenEncoders(left, right EncoderPins) (*Encoders, error) {
	var es Encoders
	for i, p := range [...]EncoderPins{left, right} {
		e, err := openEncoder(p)
		if err != nil {
			es.Close()
			return nil, fmt.Errorf("%s encoder: %w", sensors.Side(i), err)
		}
		es[i] = e
	}
	log.Info().Msg("Encoders ready")
	return &es, nil
}

func openEncoder(p EncoderPins) (*Encoder, error) {
	a, err := embd.NewDigitalPin(p.A)
	if err != nil {
		return nil, err
	}
	b, err := embd.NewDigitalPin(p.B)
	if err != nil {
		a.Close()
		return nil, err
	}
	e, err := NewEncoder(a, b)
	if err != nil {
		a.Close()
		b.Close()
	}
	return e, err
}

func (es *Encoders) get(side sensors.Side) (*Encoder, error) {
	if side != sensors.Left && side != sensors.Right || es[side] == nil {
		return nil, fmt.Errorf("no %s encoder", side)
	}
	return es[side], nil
}

func (es *Encoders) ReadEncoder(side sensors.Side) (int, error) {
	e, err := es.get(side)
	if err != nil {
		return 0, err
	}
	return e.Count(), nil
}

func (es *Encoders) ResetEncoder(side sensors.Side) error {
	e, err := es.get(side)
	if err != nil {
		return err
	}
	e.Reset()
	return nil
}

func (es *Encoders) Close() error {
	var errs []error
	for _, e := range es {
		if e != nil {
			errs = append(errs, e.Close())
		}
	}
	return errors.Join(errs...)
}
