package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/room4-2/voicetasks/messages"
)

const writeTimeout = 10 * time.Second

// ErrConnClosed is returned when waiting on a connection that has ended
var ErrConnClosed = errors.New("realtime connection closed")

// ClientEvent is one message received from the client
type ClientEvent struct {
	Type string
	Raw  []byte
}

// Decode unmarshals the raw message into v
func (e ClientEvent) Decode(v any) error {
	return messages.Unmarshal(e.Raw, v)
}

// Conn is the server side of one realtime session
type Conn struct {
	ID         string
	Deployment string
	APIVersion string

	ws      *websocket.Conn
	log     pslog.Logger
	writeMu sync.Mutex

	received chan ClientEvent
	closed   chan struct{}

	mu      sync.Mutex
	history []ClientEvent
}

func newConn(id string, ws *websocket.Conn, log pslog.Logger) *Conn {
	return &Conn{
		ID:       id,
		ws:       ws,
		log:      log.With("conn", id[:8]),
		received: make(chan ClientEvent, 1024),
		closed:   make(chan struct{}),
	}
}

func (c *Conn) serve(responder Responder) {
	defer close(c.closed)
	defer c.ws.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read ended", "err", err)
			}
			return
		}
		typ, err := messages.PeekType(data)
		if err != nil || typ == "" {
			c.log.Warn("invalid client event", "err", err)
			c.Send(newError("invalid_request_error", "invalid_event", "could not parse event"))
			continue
		}
		ev := ClientEvent{Type: typ, Raw: data}

		c.mu.Lock()
		c.history = append(c.history, ev)
		c.mu.Unlock()

		if responder != nil {
			responder.Handle(c, ev)
		}
		select {
		case c.received <- ev:
		default:
			c.log.Warn("received queue full, dropping", "type", typ)
		}
	}
}

// Next waits for the next client event
func (c *Conn) Next(ctx context.Context) (ClientEvent, error) {
	select {
	case ev := <-c.received:
		return ev, nil
	default:
	}
	select {
	case ev := <-c.received:
		return ev, nil
	case <-c.closed:
		return ClientEvent{}, ErrConnClosed
	case <-ctx.Done():
		return ClientEvent{}, ctx.Err()
	}
}

// Expect skips events until one of type typ arrives
func (c *Conn) Expect(ctx context.Context, typ string) (ClientEvent, error) {
	for {
		ev, err := c.Next(ctx)
		if err != nil {
			return ev, err
		}
		if ev.Type == typ {
			return ev, nil
		}
	}
}

// History returns every event received so far, in arrival order
func (c *Conn) History() []ClientEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ClientEvent, len(c.history))
	copy(out, c.history)
	return out
}

// Done is closed when the connection has ended
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Send writes one server event
func (c *Conn) Send(v any) error {
	data, err := messages.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// SendRaw writes a message verbatim, malformed or not
func (c *Conn) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close ends the session with a normal closure
func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return err
}

// Drop closes the socket without a close frame
func (c *Conn) Drop() error {
	return c.ws.Close()
}
