package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/myolink/internal/groutine"
)

// HubOptions configures the WebSocket hub.
type HubOptions struct {
	Path         string        `default:"/stream"`
	SendBuffer   int           `default:"256"`
	WriteTimeout time.Duration `default:"1s"`
	PingInterval time.Duration `default:"30s"`
	Logger       *logrus.Logger
}

// Hub serves rows to WebSocket clients. Each client has its own send buffer;
// a client that falls behind loses rows rather than slowing the others.
type Hub struct {
	opts     HubOptions
	logger   *logrus.Logger
	upgrader websocket.Upgrader
	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool

	dropped atomic.Uint64
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *hubClient) stop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ListenHub starts serving on addr, e.g. ":8080" or "127.0.0.1:0".
func ListenHub(addr string, opts HubOptions) (*Hub, error) {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket listen on %s: %w", addr, err)
	}

	h := &Hub{
		opts:     opts,
		logger:   opts.Logger,
		listener: l,
		clients:  make(map[*hubClient]struct{}),
		upgrader: websocket.Upgrader{
			// local tool; browsers on any origin may subscribe
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(opts.Path, h.serveWS)
	h.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	groutine.Go(context.Background(), "ws-serve", func(context.Context) {
		if err := h.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.WithField("error", err).Error("WebSocket server stopped")
		}
	})
	h.logger.WithField("url", h.URL()).Info("WebSocket sink listening")
	return h, nil
}

// Addr returns the bound address.
func (h *Hub) Addr() string {
	return h.listener.Addr().String()
}

// URL returns the ws:// URL clients connect to.
func (h *Hub) URL() string {
	return "ws://" + h.Addr() + h.opts.Path
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many messages were discarded for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithField("error", err).Debug("WebSocket upgrade failed")
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, h.opts.SendBuffer), done: make(chan struct{})}
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	defer h.remove(c)

	log := h.logger.WithField("remote", r.RemoteAddr)
	log.Debug("WebSocket client connected")

	// reads only detect the close
	groutine.Go(r.Context(), "ws-read", func(context.Context) {
		defer c.stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithField("error", err).Debug("WebSocket read failed")
				}
				return
			}
		}
	})

	ping := time.NewTicker(h.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WithField("error", err).Debug("WebSocket write failed")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) add(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop()
}

// Write broadcasts rec as an Event to every client.
func (h *Hub) Write(rec []string) error {
	ev, err := EventFromRecord(rec)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Close stops the server and disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	err := h.server.Close()
	// Serve may not have registered the listener yet
	_ = h.listener.Close()
	for _, c := range clients {
		c.stop()
	}
	return err
}
