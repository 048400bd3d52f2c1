// Package presence is the client side of the relay server socket: room
// presence commands, topology reports and the star-mode relay used for
// signaling before the mesh is up.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-mesh/internal/events"
	"github.com/mossy-p/webrtc-mesh/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256

	DefaultRequestTimeout = 10 * time.Second
)

// Events published on the client's bus.
const (
	EventRoomChange = "roomChange"     // models.RoomChange
	EventTopology   = "topologyUpdate" // models.TopologyUpdate
	EventClose      = "close"          // error, nil after Close
)

var (
	ErrClosed     = errors.New("presence connection closed")
	ErrBufferFull = errors.New("presence send buffer full")
)

// RequestError is returned when the server answers a request with success=false.
type RequestError struct {
	Type    models.MessageType
	Cmd     string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s/%s rejected: %s", e.Type, e.Cmd, e.Message)
}

type Options struct {
	URL            string
	Token          string
	Bus            *events.Bus
	Logger         *logrus.Logger
	RequestTimeout time.Duration
}

// Client manages the WebSocket connection to the relay server.
type Client struct {
	opts Options
	bus  *events.Bus
	log  *logrus.Entry

	conn     *websocket.Conn
	outgoing chan []byte
	stop     chan struct{}
	done     chan struct{}
	hello    chan struct{}

	stopOnce   sync.Once
	finishOnce sync.Once
	helloOnce  sync.Once

	mu       sync.Mutex
	clientID string
	pending  map[string]chan models.Envelope
	onRelay  func(models.Envelope)
	closeErr error
}

func New(opts Options) *Client {
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Client{
		opts:     opts,
		bus:      opts.Bus,
		log:      opts.Logger.WithField("component", "presence"),
		outgoing: make(chan []byte, sendBuffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		hello:    make(chan struct{}),
		pending:  make(map[string]chan models.Envelope),
	}
}

func (c *Client) Bus() *events.Bus { return c.bus }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// ClientID is the id the server assigned in its hello, empty before Connect.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// OnRelay sets the receiver of peer-to-peer envelopes relayed by the server.
func (c *Client) OnRelay(fn func(models.Envelope)) {
	c.mu.Lock()
	c.onRelay = fn
	c.mu.Unlock()
}

// Connect dials the server and waits for its hello.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if c.opts.Token != "" {
		q := u.Query()
		q.Set("token", c.opts.Token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	select {
	case <-c.hello:
		c.log.WithField("client", c.ClientID()).Info("Connected to relay server")
		return nil
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.conn == nil {
		c.finish(nil)
	}
	return nil
}

func (c *Client) finish(err error) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.done)
		c.bus.Publish(EventClose, err)
	})
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	var readErr error
	defer func() {
		c.conn.Close()
		select {
		case <-c.stop:
			readErr = nil
		default:
		}
		c.finish(readErr)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.WithError(err).Warn("Dropping malformed message")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env models.Envelope) {
	if env.IsResponse() && env.ID != "" {
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if ok {
			ch <- env
			return
		}
	}

	switch {
	case env.Type == models.TypePresence && env.Cmd == models.CmdHello:
		var hello models.Hello
		if err := env.Decode(&hello); err != nil {
			c.log.WithError(err).Warn("Bad hello")
			return
		}
		c.mu.Lock()
		c.clientID = hello.ClientID
		c.mu.Unlock()
		c.helloOnce.Do(func() { close(c.hello) })

	case env.Type == models.TypeRoomChange:
		var change models.RoomChange
		if err := env.Decode(&change); err != nil {
			c.log.WithError(err).Warn("Bad room change")
			return
		}
		c.bus.Publish(EventRoomChange, change)

	case env.Type == models.TypeTopology && env.Cmd == models.CmdUpdate:
		var update models.TopologyUpdate
		if err := env.Decode(&update); err != nil {
			c.log.WithError(err).Warn("Bad topology update")
			return
		}
		c.bus.Publish(EventTopology, update)

	case env.Type == models.TypePong:
		// keepalive answer

	default:
		c.mu.Lock()
		fn := c.onRelay
		c.mu.Unlock()
		if fn == nil {
			c.log.WithField("type", env.Type).Debug("No relay receiver, message dropped")
			return
		}
		fn(env)
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-c.done:
			return
		}
	}
}

// Send queues env for the relay server without blocking. It implements the
// mesh relay.
func (c *Client) Send(env models.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", env.Type, err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- raw:
		return nil
	default:
		return ErrBufferFull
	}
}

// request sends a command and decodes the successful response into out.
func (c *Client) request(ctx context.Context, typ models.MessageType, cmd string, data, out any) error {
	env, err := models.NewEnvelope(typ, cmd, data)
	if err != nil {
		return err
	}
	env.ID = uuid.NewString()
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	resp := make(chan models.Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = resp
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	select {
	case c.outgoing <- raw:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%s/%s: %w", typ, cmd, ctx.Err())
	}

	select {
	case r := <-resp:
		if !r.Succeeded() {
			return &RequestError{Type: typ, Cmd: cmd, Message: r.Error}
		}
		if out != nil && len(r.Data) > 0 {
			if err := json.Unmarshal(r.Data, out); err != nil {
				return fmt.Errorf("decode %s/%s response: %w", typ, cmd, err)
			}
		}
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%s/%s: %w", typ, cmd, ctx.Err())
	}
}
