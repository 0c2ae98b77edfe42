package balance

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

var tickHeader = []string{"t", "tilt", "duty", "setpoint", "armed"}

// TickLogger writes one CSV row per fast loop tick.  It is a diagnostic side
// channel and is only ever written from the fast loop.
type TickLogger struct {
	c io.Closer
	w *bufio.Writer
}

// NewTickLogger writes the CSV header to w and returns a logger around it.
func NewTickLogger(w io.WriteCloser) (*TickLogger, error) {
	l := &TickLogger{c: w, w: bufio.NewWriter(w)}
	if _, err := fmt.Fprint(l.w, strings.Join(tickHeader, ","), "\n"); err != nil {
		return nil, err
	}
	if err := l.w.Flush(); err != nil {
		return nil, err
	}
	return l, nil
}

// CreateTickLogger creates filename and logs ticks to it.
func CreateTickLogger(filename string) (*TickLogger, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	l, err := NewTickLogger(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *TickLogger) Log(t, tilt, duty, setpoint float64, armed bool) error {
	a := 0
	if armed {
		a = 1
	}
	_, err := fmt.Fprintf(l.w, "%f,%f,%f,%f,%d\n", t, tilt, duty, setpoint, a)
	return err
}

func (l *TickLogger) Close() error {
	if err := l.w.Flush(); err != nil {
		l.c.Close()
		return err
	}
	return l.c.Close()
}
