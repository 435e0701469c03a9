// Package wsclient is the gorilla/websocket implementation of reconciler.Channel.
package wsclient

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/kbchat/pkg/reconciler"
)

const (
	DirectionInbound  = "in"
	DirectionOutbound = "out"

	defaultEventBuffer  = 256
	defaultWriteTimeout = 10 * time.Second
)

var ErrClosed = errors.New("wsclient: connection closed")

// TapFunc observes every text frame crossing the connection. Outbound frames
// are tapped before they are written, so a tap never sees a reply ahead of
// the frame that caused it. A frame whose write fails has still been tapped.
type TapFunc func(direction string, data []byte)

// Conn is a client websocket connection delivering its lifecycle as ordered
// reconciler events: EventOpen, EventMessage..., optionally EventError, EventClose.
type Conn struct {
	url          string
	dialer       *websocket.Dialer
	header       http.Header
	pingInterval time.Duration
	writeTimeout time.Duration
	eventBuffer  int
	tap          TapFunc

	conn    *websocket.Conn
	events  chan reconciler.Event
	abandon chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	mu        sync.Mutex
	closing   bool
}

var _ reconciler.Channel = (*Conn)(nil)

type Option func(*Conn)

func WithPingInterval(d time.Duration) Option {
	return func(c *Conn) { c.pingInterval = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTimeout = d }
}

func WithHeader(h http.Header) Option {
	return func(c *Conn) { c.header = h }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Conn) { c.dialer = d }
}

func WithEventBuffer(n int) Option {
	return func(c *Conn) { c.eventBuffer = n }
}

func WithTap(tap TapFunc) Option {
	return func(c *Conn) { c.tap = tap }
}

// Dial opens the connection and starts the read pump. The returned Conn has
// already queued EventOpen.
func Dial(ctx context.Context, url string, options ...Option) (*Conn, error) {
	c := &Conn{
		url:          url,
		dialer:       websocket.DefaultDialer,
		writeTimeout: defaultWriteTimeout,
		eventBuffer:  defaultEventBuffer,
		abandon:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.eventBuffer <= 0 {
		c.eventBuffer = defaultEventBuffer
	}

	conn, resp, err := c.dialer.DialContext(ctx, url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "wsclient: dial %s", url)
	}
	c.conn = conn
	c.events = make(chan reconciler.Event, c.eventBuffer)
	c.events <- reconciler.Event{Kind: reconciler.EventOpen}

	log.Info().Str("component", "wsclient").Str("url", url).Msg("websocket connected")

	go c.readPump()
	if c.pingInterval > 0 {
		go c.pingLoop()
	}
	return c, nil
}

func (c *Conn) Events() <-chan reconciler.Event {
	return c.events
}

func (c *Conn) Send(ctx context.Context, data []byte) error {
	if c == nil || c.conn == nil {
		return ErrClosed
	}
	if c.isClosing() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var deadline time.Time
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	// A zero deadline clears one left over from an earlier call.
	_ = c.conn.SetWriteDeadline(deadline)

	// Tapped before the write: once the frame is out, the peer's reply may be
	// tapped by the read pump at any moment.
	if c.tap != nil {
		c.tap(DirectionOutbound, data)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "wsclient: write")
	}
	return nil
}

// Close performs the close handshake and tears the connection down. The read
// pump then emits EventClose and closes the event stream.
func (c *Conn) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()

		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
		// Stop blocking on a consumer that already went away; buffered events
		// are still delivered first.
		time.AfterFunc(time.Second, func() { close(c.abandon) })
	})
	return err
}

func (c *Conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Conn) readPump() {
	defer close(c.events)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosing() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Str("component", "wsclient").Str("url", c.url).Msg("websocket closed")
				c.emit(reconciler.Event{Kind: reconciler.EventClose})
				return
			}
			log.Warn().Err(err).Str("component", "wsclient").Str("url", c.url).Msg("websocket read failed")
			c.emit(reconciler.Event{Kind: reconciler.EventError, Err: err})
			c.emit(reconciler.Event{Kind: reconciler.EventClose, Err: err})
			c.mu.Lock()
			c.closing = true
			c.mu.Unlock()
			_ = c.conn.Close()
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if c.tap != nil {
			c.tap(DirectionInbound, data)
		}
		if !c.emit(reconciler.Event{Kind: reconciler.EventMessage, Data: data}) {
			return
		}
	}
}

// emit prefers delivering the event; it only gives up once the connection was
// closed locally and the consumer stopped reading.
func (c *Conn) emit(ev reconciler.Event) bool {
	select {
	case c.events <- ev:
		return true
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.abandon:
		return false
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.abandon:
			return
		case <-ticker.C:
			if c.isClosing() {
				return
			}
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Str("component", "wsclient").Msg("ping failed")
				return
			}
		}
	}
}
