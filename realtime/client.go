package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/room4-2/voicetasks/audio"
	"github.com/room4-2/voicetasks/messages"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	readLimit       = 4 * 1024 * 1024

	DefaultVoice = "alloy"
)

// State is the connection lifecycle. It only moves forward.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	// ErrClosed is returned when connecting a client that has already closed.
	// Build a new Client to reconnect.
	ErrClosed           = errors.New("realtime client is closed")
	ErrAlreadyConnected = errors.New("realtime client already connected")
	ErrNotOpen          = errors.New("realtime connection is not open")
)

// ConnectionError reports a failed dial or an unexpected drop
type ConnectionError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("realtime connection to %s failed (HTTP %d): %v", e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("realtime connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CloseEvent is published once when the connection ends. Err is nil for a
// local Disconnect or a normal closure by the service.
type CloseEvent struct {
	Err error
}

// Events groups one topic per inbound event variant
type Events struct {
	Audio           Topic[audio.Frame]
	UserTranscript  Topic[messages.UserTranscript]
	TranscriptDelta Topic[messages.TranscriptDelta]
	ResponseDone    Topic[messages.ResponseDone]
	FunctionCall    Topic[messages.FunctionCall]
	Interrupted     Topic[messages.SpeechStarted]
	Error           Topic[messages.ServerError]
	Close           Topic[CloseEvent]
}

// Options tune a Client. The zero value is usable.
type Options struct {
	Voice string
	// Greet asks the assistant to speak first after the session is configured
	Greet bool
	Tools []messages.Tool
	// Instructions builds the system instruction from the context snippet.
	// Defaults to DefaultInstructions.
	Instructions func(snippet string) string
	Dialer       *websocket.Dialer
	Log          pslog.Logger
}

// Client speaks the realtime session protocol over one websocket
type Client struct {
	opts   Options
	log    pslog.Logger
	events Events

	mu       sync.RWMutex
	state    State
	conn     *websocket.Conn
	endpoint string
	closeErr error

	// Use channels for non-blocking writes
	writeChan chan any
	closeChan chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	// only touched by the read pump
	decoder audio.StreamDecoder
}

// NewClient creates an idle client
func NewClient(opts Options) *Client {
	if opts.Voice == "" {
		opts.Voice = DefaultVoice
	}
	if opts.Instructions == nil {
		opts.Instructions = DefaultInstructions
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	log := opts.Log
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Client{
		opts:      opts,
		log:       log,
		writeChan: make(chan any, writeBufferSize),
		closeChan: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Events returns the subscription topics
func (c *Client) Events() *Events {
	return &c.events
}

// State returns the current lifecycle state
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Done is closed after the read pump exits and the Close event was published
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Connect dials the service and configures the session. It returns once the
// connection is open and session.update is queued as the first message.
func (c *Client) Connect(ctx context.Context, cfg SessionConfig, snippet string) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateConnecting, StateOpen:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.log = c.log.With("deployment", cfg.Deployment)

	url, err := SessionURL(cfg)
	if err != nil {
		c.failConnect()
		return &ConnectionError{Endpoint: cfg.Endpoint, Err: err}
	}

	header := http.Header{}
	header.Set("api-key", cfg.APIKey)

	c.log.Debug("dialing realtime service", "endpoint", cfg.Endpoint)
	conn, resp, err := c.opts.Dialer.DialContext(ctx, url, header)
	if err != nil {
		c.failConnect()
		cerr := &ConnectionError{Endpoint: cfg.Endpoint, Err: err}
		if resp != nil {
			cerr.Status = resp.StatusCode
			resp.Body.Close()
		}
		return cerr
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	if c.state == StateClosed {
		// Disconnect won the race with the dial
		c.mu.Unlock()
		conn.Close()
		close(c.done)
		return ErrClosed
	}
	c.conn = conn
	c.endpoint = cfg.Endpoint
	// session.update is queued before the state flips so no audio can precede it
	c.queueMessage(messages.NewSessionUpdate(c.opts.Instructions(snippet), c.opts.Voice, c.opts.Tools))
	if c.opts.Greet {
		c.queueMessage(messages.NewResponseCreate())
	}
	c.state = StateOpen
	c.mu.Unlock()

	go c.writePump()
	go c.readPump()

	c.log.Info("connected to realtime service", "endpoint", cfg.Endpoint)
	return nil
}

func (c *Client) failConnect() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closeChan) })
	close(c.done)
}

func (c *Client) isOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateOpen
}

// SendAudio streams one captured frame. It is a no-op unless the connection
// is open and never blocks.
func (c *Client) SendAudio(frame audio.Frame) {
	if !c.isOpen() {
		return
	}
	c.queueMessage(messages.NewInputAudioAppend(messages.EncodePCM(frame)))
}

// CommitAudio ends the user's utterance and requests a response
func (c *Client) CommitAudio() error {
	if !c.isOpen() {
		return ErrNotOpen
	}
	c.queueMessage(messages.NewInputAudioCommit())
	c.queueMessage(messages.NewResponseCreate())
	return nil
}

// SendToolResult answers one function call and lets the model continue
func (c *Client) SendToolResult(callID, output string) error {
	if !c.isOpen() {
		return ErrNotOpen
	}
	c.queueMessage(messages.NewFunctionCallOutput(callID, output))
	c.queueMessage(messages.NewResponseCreate())
	return nil
}

// Disconnect closes the connection. It is safe to call more than once and on
// a client that never connected. Wait on Done for the Close event.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.state = StateClosed
		c.mu.Unlock()
		c.closeOnce.Do(func() { close(c.closeChan) })
		close(c.done)
		return
	}
	c.mu.Unlock()
	c.shutdown(nil)
}

// shutdown moves to closed and stops the write pump, which closes the socket.
// Only the first cause is kept.
func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.closeErr = cause
		c.mu.Unlock()
		close(c.closeChan)
	})
}

// queueMessage adds a message to the write queue (non-blocking)
func (c *Client) queueMessage(msg any) {
	select {
	case <-c.closeChan:
		return
	default:
	}
	select {
	case c.writeChan <- msg:
	default:
		c.log.Warn("write queue full, dropping message", "type", fmt.Sprintf("%T", msg))
	}
}

// writePump handles all outgoing messages in a single goroutine
func (c *Client) writePump() {
	conn := c.conn
	defer func() {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		conn.Close()
	}()

	for {
		select {
		case <-c.closeChan:
			return
		case msg := <-c.writeChan:
			data, err := messages.Marshal(msg)
			if err != nil {
				c.log.Error("encode client event failed", "err", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("websocket write failed", "err", err)
				c.shutdown(&ConnectionError{Endpoint: c.endpoint, Err: err})
				return
			}
		}
	}
}

// readPump decodes inbound messages strictly in arrival order and publishes
// them. It publishes Close exactly once on exit.
func (c *Client) readPump() {
	defer close(c.done)
	conn := c.conn

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.shutdown(nil)
			} else {
				c.shutdown(&ConnectionError{Endpoint: c.endpoint, Err: err})
			}
			break
		}
		c.dispatch(data)
	}

	c.mu.RLock()
	cause := c.closeErr
	c.mu.RUnlock()
	if cause != nil {
		c.log.Warn("realtime connection lost", "err", cause)
	} else {
		c.log.Info("realtime connection closed")
	}
	c.events.Close.Publish(CloseEvent{Err: cause})
}

func (c *Client) dispatch(data []byte) {
	ev, err := messages.Decode(data)
	if err != nil {
		if errors.Is(err, messages.ErrUnhandledType) {
			c.log.Debug("ignoring server event", "err", err)
		} else {
			c.log.Warn("dropping malformed server event", "err", err)
		}
		return
	}

	switch e := ev.(type) {
	case nil:
	case messages.AudioDelta:
		if frame := c.decoder.Feed(e.Audio); len(frame) > 0 {
			c.events.Audio.Publish(frame)
		}
	case messages.TranscriptDelta:
		c.events.TranscriptDelta.Publish(e)
	case messages.UserTranscript:
		c.events.UserTranscript.Publish(e)
	case messages.FunctionCall:
		c.log.Debug("function call received", "call_id", e.CallID, "name", e.Name)
		c.events.FunctionCall.Publish(e)
	case messages.ResponseDone:
		c.decoder.Reset()
		c.events.ResponseDone.Publish(e)
	case messages.SpeechStarted:
		c.decoder.Reset()
		c.events.Interrupted.Publish(e)
	case messages.ServerError:
		c.log.Warn("realtime service error", "code", e.Code, "message", e.Message)
		c.events.Error.Publish(e)
	}
}
