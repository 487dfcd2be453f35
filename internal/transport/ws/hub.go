// Package ws streams settled tick frames to websocket observers.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/circuitworld/internal/logging"
	"github.com/signalsfoundry/circuitworld/model"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// sendBuffer frames may queue per observer before new frames are
	// dropped for it.
	sendBuffer = 16
)

// ObserverGauge is told how many observers are connected.
type ObserverGauge interface {
	SetObservers(n int)
}

type Option func(*Hub)

func WithLogger(l logging.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

func WithObserverGauge(g ObserverGauge) Option {
	return func(h *Hub) { h.gauge = g }
}

// Hub fans tick frames out to every connected observer. Publish never
// blocks on a slow observer; frames that do not fit its buffer are dropped.
type Hub struct {
	log   logging.Logger
	gauge ObserverGauge

	upgrader websocket.Upgrader

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan []byte
	latest []byte
	closed bool
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		log:  logging.Noop(),
		subs: make(map[uint64]chan []byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish encodes frame once and queues it for every observer. Its
// signature matches core.TickHook.
func (h *Hub) Publish(ctx context.Context, frame model.TickFrame) {
	b, err := json.Marshal(frame)
	if err != nil {
		h.log.Error(ctx, "encode tick frame", logging.Int64("tick", frame.Tick), logging.Err(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.latest = b
	for id, ch := range h.subs {
		select {
		case ch <- b:
		default:
			h.log.Debug(ctx, "observer lagging; frame dropped",
				logging.Uint64("observer", id), logging.Int64("tick", frame.Tick))
		}
	}
}

// Subscribers returns the number of connected observers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every observer and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
	h.reportLocked()
}

func (h *Hub) subscribe() (uint64, <-chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, nil, false
	}
	h.nextID++
	ch := make(chan []byte, sendBuffer)
	if h.latest != nil {
		ch <- h.latest
	}
	h.subs[h.nextID] = ch
	h.reportLocked()
	return h.nextID, ch, true
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
		h.reportLocked()
	}
}

func (h *Hub) reportLocked() {
	if h.gauge != nil {
		h.gauge.SetObservers(len(h.subs))
	}
}

// Handler upgrades to a websocket and streams frames until either side
// closes. New observers first receive the most recent frame, if any.
func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id, frames, ok := h.subscribe()
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		}
		defer h.unsubscribe(id)

		ctx := logging.ContextWithLogger(r.Context(), h.log.With(logging.Uint64("observer", id)))
		h.log.Info(ctx, "observer connected", logging.Uint64("observer", id), logging.String("remote", r.RemoteAddr))

		// Observers only read; the reader loop exists to process control
		// frames and notice disconnects.
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(pongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-readDone:
				h.log.Info(ctx, "observer disconnected", logging.Uint64("observer", id))
				return
			case b, ok := <-frames:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if !ok {
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					h.log.Warn(ctx, "observer write failed", logging.Err(err))
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

// SnapshotHandler serves the frame returned by snap as JSON.
func SnapshotHandler(snap func() model.TickFrame) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(snap())
	}
}
