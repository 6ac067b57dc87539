package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/conveyorhq/conveyor/pkg/log"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong after sending a ping
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait so the peer has time to reply
	pingPeriod = (pongWait * 9) / 10

	// connSendBuffer is the per-connection outbound frame buffer. A
	// connection that falls this far behind is dropped to protect other
	// subscribers on the same channels.
	connSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checks belong to a fronting proxy; broker peers are backend
	// processes, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the standalone broker process: a websocket hub fanning messages
// out between connected clients, with a bbolt-backed key/value store.
type Server struct {
	bus    *Memory
	kv     *KVStore
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[*serverConn]struct{}

	httpServer *http.Server
}

// NewServer creates a broker server persisting its key/value data in dataDir
func NewServer(dataDir string) (*Server, error) {
	kv, err := NewKVStore(dataDir)
	if err != nil {
		return nil, err
	}

	return &Server{
		bus:    NewMemory(),
		kv:     kv,
		logger: log.WithComponent("broker"),
		conns:  make(map[*serverConn]struct{}),
	}, nil
}

// Handler returns the HTTP handler exposing the broker endpoint and liveness
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/broker", s.handleUpgrade)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return r
}

// Start begins serving on addr and blocks until the server stops
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 0, // websocket connections are long-lived
	}

	s.logger.Info().Str("addr", addr).Msg("broker listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down: no new connections, existing ones closed,
// key/value store flushed
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.close()
	}
	s.conns = make(map[*serverConn]struct{})
	s.mu.Unlock()

	_ = s.bus.Close()
	return s.kv.Close()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := &serverConn{
		server: s,
		ws:     ws,
		send:   make(chan frame, connSendBuffer),
		subs:   make(map[string]*Subscription),
		done:   make(chan struct{}),
		logger: s.logger.With().Str("remote", r.RemoteAddr).Logger(),
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	conn.logger.Debug().Msg("broker client connected")

	go conn.writePump()
	go conn.readPump()
}

func (s *Server) removeConn(conn *serverConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// serverConn is one connected broker client. readPump processes inbound
// frames; writePump serialises outbound frames and keepalive pings.
type serverConn struct {
	server *Server
	ws     *websocket.Conn
	send   chan frame
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription

	closeOnce sync.Once
	done      chan struct{}
}

func (c *serverConn) readPump() {
	defer c.close()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("broker connection read error")
			}
			return
		}
		c.handle(f)
	}
}

func (c *serverConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *serverConn) handle(f frame) {
	ctx := context.Background()

	switch f.Op {
	case opPublish:
		if err := c.server.bus.Publish(ctx, f.Channel, f.Payload); err != nil {
			c.logger.Error().Err(err).Str("channel", f.Channel).Msg("publish failed")
		}

	case opSubscribe:
		c.subscribe(f.Channel)

	case opUnsubscribe:
		c.unsubscribe(f.Channel)

	case opSet:
		err := c.server.kv.Set(f.Key, f.Payload)
		c.reply(frame{Op: opResult, ID: f.ID, OK: err == nil, Error: errString(err)})

	case opGet:
		value, found, err := c.server.kv.Get(f.Key)
		c.reply(frame{Op: opResult, ID: f.ID, OK: err == nil, Found: found, Payload: value, Error: errString(err)})

	case opSetNX:
		stored, err := c.server.kv.SetNX(f.Key, f.Payload)
		c.reply(frame{Op: opResult, ID: f.ID, OK: stored && err == nil, Error: errString(err)})

	default:
		c.logger.Warn().Str("op", f.Op).Msg("unknown broker op")
	}
}

func (c *serverConn) subscribe(channel string) {
	c.mu.Lock()
	if _, exists := c.subs[channel]; exists {
		c.mu.Unlock()
		return
	}

	sub, err := c.server.bus.Subscribe(context.Background(), channel)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error().Err(err).Str("channel", channel).Msg("subscribe failed")
		return
	}
	c.subs[channel] = sub
	c.mu.Unlock()

	// Forward bus messages onto this connection until the subscription or
	// the connection ends.
	go func() {
		for msg := range sub.C() {
			select {
			case c.send <- frame{Op: opMessage, Channel: msg.Channel, Payload: msg.Payload}:
			case <-c.done:
				sub.Cancel()
				return
			default:
				// Connection cannot keep up; drop it entirely so its lag
				// does not turn into unbounded memory.
				c.logger.Warn().Str("channel", channel).Msg("dropping slow broker connection")
				c.close()
				return
			}
		}
	}()
}

func (c *serverConn) unsubscribe(channel string) {
	c.mu.Lock()
	sub, exists := c.subs[channel]
	if exists {
		delete(c.subs, channel)
	}
	c.mu.Unlock()

	if exists {
		sub.Cancel()
	}
}

func (c *serverConn) reply(f frame) {
	select {
	case c.send <- f:
	case <-c.done:
	}
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]*Subscription)
		c.mu.Unlock()

		for _, sub := range subs {
			sub.Cancel()
		}

		c.ws.Close()
		c.server.removeConn(c)
		c.logger.Debug().Msg("broker client disconnected")
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
