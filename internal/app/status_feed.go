package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dokzlo13/alsd/internal/eventbus"
	"github.com/dokzlo13/alsd/internal/status"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 30 * time.Second
	wsPingPeriod = 20 * time.Second
	wsSendBuf    = 32
)

// wsEnvelope is the frame format of the status feed.
type wsEnvelope struct {
	Type string      `json:"type"`
	Ts   time.Time   `json:"ts"`
	Data interface{} `json:"data,omitempty"`
}

type wsFrame struct {
	at     time.Time
	status bool
	data   []byte
}

type wsClient struct {
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
}

// StatusFeed fans daemon events out to WebSocket clients. A new client
// receives a status_init frame with the current snapshot, then every
// status and observable event published on the bus.
type StatusFeed struct {
	status *status.Store
	logger zerolog.Logger

	broadcast  chan wsFrame
	register   chan *wsClient
	unregister chan *wsClient

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool

	upgrader websocket.Upgrader
}

// NewStatusFeed creates a feed. Call Run to start it.
func NewStatusFeed(st *status.Store, logger zerolog.Logger) *StatusFeed {
	return &StatusFeed{
		status:     st,
		logger:     logger,
		broadcast:  make(chan wsFrame, 128),
		register:   make(chan *wsClient, 16),
		unregister: make(chan *wsClient, 16),
		clients:    make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Subscribe forwards bus events to the feed.
func (f *StatusFeed) Subscribe(bus *eventbus.Bus) {
	bus.SubscribeAll(func(e eventbus.Event) {
		f.Broadcast(e)
	})
}

// Broadcast encodes and enqueues an event. It never blocks.
func (f *StatusFeed) Broadcast(e eventbus.Event) {
	data, err := json.Marshal(wsEnvelope{Type: string(e.Type), Ts: e.Time, Data: e.Data})
	if err != nil {
		f.logger.Warn().Err(err).Str("event_type", string(e.Type)).Msg("Failed to encode feed frame")
		return
	}
	select {
	case f.broadcast <- wsFrame{at: e.Time, status: e.Type == eventbus.EventTypeStatus, data: data}:
	default:
		f.logger.Warn().Str("event_type", string(e.Type)).Msg("Status feed queue full, dropping frame")
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// disconnects all clients.
func (f *StatusFeed) Run(ctx context.Context) {
	// Bus workers may deliver status events out of order; only the newest
	// snapshot is forwarded.
	var lastStatus time.Time

	for {
		select {
		case <-ctx.Done():
			f.closeAll()
			return

		case c := <-f.register:
			f.mu.Lock()
			if f.closed {
				f.mu.Unlock()
				c.conn.Close()
				continue
			}
			f.clients[c] = struct{}{}
			n := len(f.clients)
			f.mu.Unlock()
			f.logger.Debug().Str("remote_addr", c.remoteAddr).Int("clients", n).Msg("Feed client connected")

		case c := <-f.unregister:
			f.remove(c, "disconnect")

		case frame := <-f.broadcast:
			if frame.status {
				if frame.at.Before(lastStatus) {
					continue
				}
				lastStatus = frame.at
			}

			var slow []*wsClient
			f.mu.Lock()
			for c := range f.clients {
				select {
				case c.send <- frame.data:
				default:
					slow = append(slow, c)
				}
			}
			f.mu.Unlock()

			for _, c := range slow {
				f.remove(c, "slow_client")
			}
		}
	}
}

// ClientCount returns the number of connected feed clients.
func (f *StatusFeed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *StatusFeed) remove(c *wsClient, reason string) {
	f.mu.Lock()
	_, ok := f.clients[c]
	if ok {
		delete(f.clients, c)
		close(c.send)
	}
	n := len(f.clients)
	f.mu.Unlock()

	if ok {
		c.conn.Close()
		f.logger.Debug().Str("remote_addr", c.remoteAddr).Str("reason", reason).Int("clients", n).Msg("Feed client removed")
	}
}

func (f *StatusFeed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for c := range f.clients {
		c.conn.Close()
		close(c.send)
		delete(f.clients, c)
	}
}

// ServeHTTP upgrades the request and streams frames to the client.
func (f *StatusFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &wsClient{
		conn:       conn,
		send:       make(chan []byte, wsSendBuf),
		remoteAddr: r.RemoteAddr,
	}

	first, err := json.Marshal(wsEnvelope{Type: "status_init", Ts: time.Now(), Data: f.status.Get()})
	if err == nil {
		c.send <- first
	}

	select {
	case f.register <- c:
	default:
		f.logger.Warn().Str("remote_addr", c.remoteAddr).Msg("Status feed busy, rejecting client")
		conn.Close()
		return
	}
	go f.writePump(c)
	f.readPump(c)
}

func (f *StatusFeed) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					f.logger.Debug().Err(err).Str("remote_addr", c.remoteAddr).Msg("Feed write failed")
				}
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client input and detects disconnects.
func (f *StatusFeed) readPump(c *wsClient) {
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			select {
			case f.unregister <- c:
			default:
			}
			return
		}
	}
}
