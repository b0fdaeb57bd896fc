package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Intercom/internal/domain"
)

// DefaultClientReadTimeout is refreshed by every server ping. It suits a
// relay running with DefaultPingPeriod.
const DefaultClientReadTimeout = 2 * DefaultPingPeriod

type dialOptions struct {
	readTimeout time.Duration
}

type DialOption func(*dialOptions)

// WithReadTimeout declares the relay dead after d without a frame or ping.
// It must exceed the relay's ping period; non-positive values are ignored.
func WithReadTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) {
		if d > 0 {
			o.readTimeout = d
		}
	}
}

// Client is an endpoint's connection to the relay.
type Client struct {
	conn   *websocket.Conn
	self   domain.Identity
	logger zerolog.Logger

	msgs    chan domain.SignalMessage
	done    chan struct{}
	closing chan struct{}

	wmu       sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the relay at rawURL and identifies as self. A non-empty
// token is passed as ?token=.
func Dial(ctx context.Context, rawURL string, self domain.Identity, token string, opts ...DialOption) (*Client, error) {
	o := dialOptions{readTimeout: DefaultClientReadTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Client{
		conn:    ws,
		self:    self,
		logger:  log.With().Str("module", "relay-client").Str("identity", string(self)).Logger(),
		msgs:    make(chan domain.SignalMessage, 32),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	if err := c.write(ctx, domain.Hello{ID: self}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("identify: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(o.readTimeout))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(o.readTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	go c.readLoop()
	c.logger.Info().Str("url", rawURL).Dur("read_timeout", o.readTimeout).Msg("connected to relay")
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.msgs)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
			default:
				c.logger.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}
		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug().Err(err).Msg("unparseable relay frame skipped")
			continue
		}
		select {
		case c.msgs <- msg:
		case <-c.closing:
			return
		}
	}
}

func (c *Client) Messages() <-chan domain.SignalMessage { return c.msgs }

func (c *Client) Done() <-chan struct{} { return c.done }

// Send stamps msg with the local identity and writes it.
func (c *Client) Send(ctx context.Context, msg domain.SignalMessage) error {
	msg.From = c.self
	return c.write(ctx, msg)
}

func (c *Client) write(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}
