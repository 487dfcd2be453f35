package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/circuitworld/model"
)

type gaugeRecorder struct {
	mu   sync.Mutex
	last int
}

func (g *gaugeRecorder) SetObservers(n int) {
	g.mu.Lock()
	g.last = n
	g.mu.Unlock()
}

func (g *gaugeRecorder) value() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) model.TickFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f model.TickFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcastsFrames(t *testing.T) {
	gauge := &gaugeRecorder{}
	hub := NewHub(WithObserverGauge(gauge))
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	waitFor(t, func() bool { return hub.Subscribers() == 2 })
	if gauge.value() != 2 {
		t.Fatalf("gauge = %d, want 2", gauge.value())
	}

	frame := model.TickFrame{
		Tick:    3,
		Powered: 1,
		Maps: []model.MapState{{
			Name:     "lab",
			Elements: []model.ElementState{{ID: 9, Kind: "Boot", Powered: true}},
		}},
	}
	hub.Publish(context.Background(), frame)

	for _, c := range []*websocket.Conn{a, b} {
		got := readFrame(t, c)
		if got.Tick != 3 || len(got.Maps) != 1 || !got.Maps[0].Elements[0].Powered {
			t.Fatalf("unexpected frame %+v", got)
		}
	}
}

func TestLateObserverGetsLatestFrame(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	hub.Publish(context.Background(), model.TickFrame{Tick: 1})
	hub.Publish(context.Background(), model.TickFrame{Tick: 2})

	conn := dial(t, srv)
	if got := readFrame(t, conn); got.Tick != 2 {
		t.Fatalf("first frame tick = %d, want 2", got.Tick)
	}
}

func TestObserverDisconnectUnsubscribes(t *testing.T) {
	gauge := &gaugeRecorder{}
	hub := NewHub(WithObserverGauge(gauge))
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	waitFor(t, func() bool { return hub.Subscribers() == 1 })
	_ = conn.Close()
	waitFor(t, func() bool { return hub.Subscribers() == 0 })
	if gauge.value() != 0 {
		t.Fatalf("gauge = %d after disconnect", gauge.value())
	}
}

func TestCloseDisconnectsObservers(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	waitFor(t, func() bool { return hub.Subscribers() == 1 })
	hub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("read after Close err = %v, want going away", err)
	}
	// Publishing after Close is a no-op.
	hub.Publish(context.Background(), model.TickFrame{Tick: 5})
}

func TestPublishDoesNotBlockOnSlowObserver(t *testing.T) {
	hub := NewHub()
	_, frames, ok := hub.subscribe()
	if !ok {
		t.Fatalf("subscribe failed")
	}
	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer*4; i++ {
			hub.Publish(context.Background(), model.TickFrame{Tick: int64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a full observer buffer")
	}
	if len(frames) != sendBuffer {
		t.Fatalf("buffered frames = %d, want %d", len(frames), sendBuffer)
	}
}

func TestSnapshotHandler(t *testing.T) {
	h := SnapshotHandler(func() model.TickFrame { return model.TickFrame{Tick: 42, Powered: 2} })

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/snapshot", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var f model.TickFrame
	if err := json.Unmarshal(rr.Body.Bytes(), &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Tick != 42 || f.Powered != 2 {
		t.Fatalf("frame = %+v", f)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/snapshot", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d", rr.Code)
	}
}
