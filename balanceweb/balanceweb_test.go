package balanceweb

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/auggienanz/MAE144/balance"
)

type fakeSource struct {
	mu sync.Mutex
	s  balance.Snapshot
}

func (f *fakeSource) Snapshot() balance.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s
}

func (f *fakeSource) set(s balance.Snapshot) {
	f.mu.Lock()
	f.s = s
	f.mu.Unlock()
}

type recorder struct {
	frames [][]byte
	err    error
}

func (r *recorder) Publish(frame []byte) error {
	r.frames = append(r.frames, frame)
	return r.err
}

func TestStateEndpoint(t *testing.T) {
	src := &fakeSource{s: balance.Snapshot{Armed: true, Tilt: 0.1, FastTicks: 42}}
	srv := httptest.NewServer(NewRouter(src, NewRoom()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type %q", ct)
	}
	var s balance.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if !s.Armed || s.Tilt != 0.1 || s.FastTicks != 42 {
		t.Errorf("state %+v", s)
	}

	resp, err = http.Post(srv.URL+"/api/state", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST returned %d", resp.StatusCode)
	}
}

func TestWebsocketTelemetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	room := NewRoom()
	go room.Run(ctx)

	src := &fakeSource{s: balance.Snapshot{Armed: true, Tilt: -0.05, Setpoint: 0.01}}
	srv := httptest.NewServer(NewRouter(src, room))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for room.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never joined")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec := &recorder{}
	tel := NewTelemetry(src, room, rec)
	if err := tel.Send(); err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		t.Fatal(err)
	}
	if !f.Armed || f.Tilt != -0.05 || f.Setpoint != 0.01 {
		t.Errorf("frame %+v", f)
	}
	if len(rec.frames) != 1 || string(rec.frames[0]) != string(msg) {
		t.Errorf("publisher got %q", rec.frames)
	}

	cancel()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("connection still open after the room stopped")
	}
	if room.Broadcast([]byte("x")) {
		t.Error("stopped room accepted a message")
	}
}

func TestTelemetryWheelSpeed(t *testing.T) {
	t0 := time.Unix(1000, 0)
	src := &fakeSource{}
	tel := NewTelemetry(src, nil)

	src.set(balance.Snapshot{T: t0, Armed: true})
	if f := tel.Frame(); f.WheelSpeed != 0 {
		t.Errorf("first frame speed %v", f.WheelSpeed)
	}
	for i := 1; i <= 3; i++ {
		src.set(balance.Snapshot{T: t0.Add(time.Duration(i) * 50 * time.Millisecond), Armed: true, Displacement: 0.1 * float64(i)})
		if f := tel.Frame(); math.Abs(f.WheelSpeed-2) > 1e-9 {
			t.Errorf("frame %d speed %v, want 2", i, f.WheelSpeed)
		}
	}
	src.set(balance.Snapshot{T: t0.Add(time.Second)})
	if f := tel.Frame(); f.WheelSpeed != 0 {
		t.Errorf("disarmed speed %v", f.WheelSpeed)
	}
}

func TestTelemetryPublishError(t *testing.T) {
	rec := &recorder{err: errors.New("broker down")}
	tel := NewTelemetry(&fakeSource{}, nil, rec)
	if err := tel.Send(); !errors.Is(err, rec.err) {
		t.Errorf("got %v", err)
	}
}

func TestTelemetryRun(t *testing.T) {
	rec := &recorder{}
	tel := NewTelemetry(&fakeSource{}, nil, rec)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := tel.Run(ctx, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if len(rec.frames) < 3 {
		t.Errorf("only %d frames sent", len(rec.frames))
	}
}

func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler()) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

type fakeToken struct {
	mqtt.Token
	err     error
	timeout bool
}

func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMQTT struct {
	mqtt.Client
	topic   string
	qos     byte
	payload []byte
	token   *fakeToken
}

func (c *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topic, c.qos, c.payload = topic, qos, payload.([]byte)
	return c.token
}

func TestMQTTPublisher(t *testing.T) {
	c := &fakeMQTT{token: &fakeToken{}}
	p := newMQTTPublisher(c, "robot/telemetry", 1)
	if err := p.Publish([]byte(`{"armed":true}`)); err != nil {
		t.Fatal(err)
	}
	if c.topic != "robot/telemetry" || c.qos != 1 || string(c.payload) != `{"armed":true}` {
		t.Errorf("published %q to %s qos %d", c.payload, c.topic, c.qos)
	}
	c.token = &fakeToken{timeout: true}
	if err := p.Publish(nil); err == nil {
		t.Error("timeout not reported")
	}
	c.token = &fakeToken{err: errors.New("not connected")}
	if err := p.Publish(nil); err == nil {
		t.Error("error not reported")
	}
}

func TestNewMQTTPublisherValidates(t *testing.T) {
	for _, cfg := range []MQTTConfig{{Topic: "x"}, {Broker: "tcp://localhost:1883"}, {Broker: "tcp://b:1883", Topic: "x", QoS: 3}} {
		if _, err := NewMQTTPublisher(cfg); err == nil {
			t.Errorf("accepted %+v", cfg)
		}
	}
}
