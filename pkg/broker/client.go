package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/conveyorhq/conveyor/pkg/log"
)

// Client is a Broker implementation over a single long-lived websocket
// connection to a broker server. One Client per process: it is safe for
// concurrent use, multiplexing all subscriptions and key/value requests over
// the one connection.
//
// If the connection dies every open subscription ends (its channel closes)
// and every pending request fails with a TransportError. The caller decides
// whether to dial again; there is no automatic reconnect and no replay.
type Client struct {
	ws     *websocket.Conn
	logger zerolog.Logger

	// writeMu serialises writes; gorilla/websocket allows one writer at a time
	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[string]map[*Subscription]struct{}
	pending  map[uint64]chan frame
	closed   bool

	nextID atomic.Uint64
	done   chan struct{}

	closeOnce sync.Once
}

// Dial connects to a broker server at url (e.g. ws://localhost:7420/broker)
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	c := &Client{
		ws:       ws,
		logger:   log.WithComponent("broker-client"),
		channels: make(map[string]map[*Subscription]struct{}),
		pending:  make(map[uint64]chan frame),
		done:     make(chan struct{}),
	}

	ws.SetPingHandler(func(string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, nil, time.Now().Add(writeWait))
	})

	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.fail(err)
			return
		}

		switch f.Op {
		case opMessage:
			c.dispatch(f)
		case opResult:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		default:
			c.logger.Warn().Str("op", f.Op).Msg("unexpected frame from broker")
		}
	}
}

// dispatch fans one delivery out to every local subscription of the channel
func (c *Client) dispatch(f frame) {
	msg := Message{Channel: f.Channel, Payload: f.Payload}

	c.mu.Lock()
	var slow []*Subscription
	for sub := range c.channels[f.Channel] {
		select {
		case sub.ch <- msg:
		default:
			slow = append(slow, sub)
		}
	}
	c.mu.Unlock()

	for _, sub := range slow {
		c.logger.Warn().Str("channel", f.Channel).Msg("dropping slow subscription")
		sub.Cancel()
	}
}

// fail tears down all client state after a connection error
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	channels := c.channels
	pending := c.pending
	c.channels = make(map[string]map[*Subscription]struct{})
	c.pending = make(map[uint64]chan frame)
	c.mu.Unlock()

	close(c.done)
	c.ws.Close()

	for _, subs := range channels {
		for sub := range subs {
			close(sub.ch)
		}
	}
	for _, ch := range pending {
		close(ch)
	}

	if err != ErrClosed {
		c.logger.Warn().Err(err).Msg("broker connection lost")
	}
}

func (c *Client) writeFrame(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(f); err != nil {
		return &TransportError{Op: f.Op, Err: err}
	}
	return nil
}

// request performs one correlated key/value round trip
func (c *Client) request(ctx context.Context, f frame) (frame, error) {
	id := c.nextID.Add(1)
	f.ID = id

	reply := make(chan frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return frame{}, &TransportError{Op: f.Op, Err: ErrClosed}
	}
	c.pending[id] = reply
	c.mu.Unlock()

	if err := c.writeFrame(f); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return frame{}, err
	}

	select {
	case r, ok := <-reply:
		if !ok {
			return frame{}, &TransportError{Op: f.Op, Err: ErrClosed}
		}
		if r.Error != "" {
			return frame{}, &TransportError{Op: f.Op, Err: fmt.Errorf("%s", r.Error)}
		}
		return r, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return frame{}, &TransportError{Op: f.Op, Err: ctx.Err()}
	case <-c.done:
		return frame{}, &TransportError{Op: f.Op, Err: ErrClosed}
	}
}

// Publish sends payload on channel
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: opPublish, Err: err}
	}
	return c.writeFrame(frame{Op: opPublish, Channel: channel, Payload: payload})
}

// Subscribe opens a local subscription on channel. The first subscription
// for a channel registers it with the server; later ones share the stream.
func (c *Client) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: opSubscribe, Err: err}
	}

	var sub *Subscription
	var once sync.Once
	sub = newSubscription(subscriberBuffer, func() {
		once.Do(func() { c.unsubscribe(channel, sub) })
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &TransportError{Op: opSubscribe, Err: ErrClosed}
	}
	first := len(c.channels[channel]) == 0
	if c.channels[channel] == nil {
		c.channels[channel] = make(map[*Subscription]struct{})
	}
	c.channels[channel][sub] = struct{}{}
	c.mu.Unlock()

	if first {
		if err := c.writeFrame(frame{Op: opSubscribe, Channel: channel}); err != nil {
			c.mu.Lock()
			delete(c.channels[channel], sub)
			if len(c.channels[channel]) == 0 {
				delete(c.channels, channel)
			}
			c.mu.Unlock()
			return nil, err
		}
	}
	return sub, nil
}

func (c *Client) unsubscribe(channel string, sub *Subscription) {
	c.mu.Lock()
	if c.closed {
		// fail already closed the channel
		c.mu.Unlock()
		return
	}
	if _, ok := c.channels[channel][sub]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.channels[channel], sub)
	last := len(c.channels[channel]) == 0
	if last {
		delete(c.channels, channel)
	}
	c.mu.Unlock()

	close(sub.ch)

	if last {
		// Best effort; the server also cleans up on disconnect.
		_ = c.writeFrame(frame{Op: opUnsubscribe, Channel: channel})
	}
}

// Set stores value under key on the broker
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.request(ctx, frame{Op: opSet, Key: key, Payload: value})
	return err
}

// Get returns the value stored under key and whether it exists
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	r, err := c.request(ctx, frame{Op: opGet, Key: key})
	if err != nil {
		return nil, false, err
	}
	return r.Payload, r.Found, nil
}

// SetNX stores value under key only if absent; reports whether it won
func (c *Client) SetNX(ctx context.Context, key string, value []byte) (bool, error) {
	r, err := c.request(ctx, frame{Op: opSetNX, Key: key, Payload: value})
	if err != nil {
		return false, err
	}
	return r.OK, nil
}

// Close tears down the connection, ending all subscriptions
func (c *Client) Close() error {
	c.closeOnce.Do(func() { c.fail(ErrClosed) })
	return nil
}
