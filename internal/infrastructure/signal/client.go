package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"stagewire/internal/core/domain"
	"stagewire/internal/core/ports"
	"stagewire/pkg/config"
	apperrors "stagewire/pkg/errors"
	"stagewire/pkg/retry"
	"stagewire/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrUnauthorized is returned by Connect when the server rejects the token.
// It is never retried.
var ErrUnauthorized = errors.New("signaling server rejected the stage token")

type ClientConfig struct {
	URL            string
	Token          string
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxMessageSize int64
	Dial           retry.Config
}

// NewClientConfig derives the client settings from the application config.
func NewClientConfig(cfg *config.Config) ClientConfig {
	return ClientConfig{
		URL:            cfg.Signal.URL,
		Token:          cfg.Client.Token,
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: cfg.Signal.RequestTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSizeBytes,
		Dial:           cfg.Retry,
	}
}

// RequestObserver is told about every finished request.
type RequestObserver func(method domain.Method, elapsed time.Duration, err error)

// Client is the WebSocket side of ports.SignalingChannel. A Client is
// single-use: once the connection drops it stays closed and every call fails
// with domain.ErrNotConnected.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan Envelope
	handlers map[domain.SignalEvent]func(json.RawMessage)
	queue    []Envelope
	observer RequestObserver
	closed   bool
	err      error

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ ports.SignalingChannel = (*Client)(nil)

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger,
		pending:  make(map[string]chan Envelope),
		handlers: make(map[domain.SignalEvent]func(json.RawMessage)),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// SetRequestObserver must be called before Connect.
func (c *Client) SetRequestObserver(fn RequestObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

// Connect dials the server, retrying per the dial policy.
func (c *Client) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	policy := c.cfg.Dial
	policy.NonRetryableErrors = append(append([]error(nil), policy.NonRetryableErrors...), ErrUnauthorized)

	attempt := 0
	conn, err := retry.RetryWithResult(ctx, policy, func() (*websocket.Conn, error) {
		attempt++
		conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
			}
			c.logger.Infow("signaling dial failed", "url", c.cfg.URL, "attempt", attempt, "error", err)
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}

	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return domain.ErrNotConnected
	}
	c.conn = conn
	c.mu.Unlock()

	if c.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	go c.readLoop(conn)
	go c.pingLoop(conn)
	go c.dispatchLoop()

	c.logger.Infow("signaling connected", "url", c.cfg.URL)
	return nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended; nil after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.closed = true
	c.mu.Unlock()

	if conn != nil && !closed {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	c.shutdown(nil)
	return nil
}

func (c *Client) Request(ctx context.Context, method domain.Method, payload interface{}, response interface{}) (err error) {
	start := time.Now()
	ctx, span := tracing.TraceSignalRequest(ctx, string(method))
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
		if obs := c.requestObserver(); obs != nil {
			obs(method, time.Since(start), err)
		}
	}()

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	env, err := newEnvelope(KindRequest, uuid.NewString(), string(method), payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	reply := make(chan Envelope, 1)
	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return domain.ErrNotConnected
	}
	c.pending[env.ID] = reply
	c.mu.Unlock()

	if err := c.write(env); err != nil {
		c.forget(env.ID)
		return fmt.Errorf("send %s request: %w", method, err)
	}

	select {
	case resp := <-reply:
		if resp.Error != nil {
			return resp.Error
		}
		if response != nil && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, response); err != nil {
				return fmt.Errorf("decode %s response: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(env.ID)
		return fmt.Errorf("%s request: %w", method, ctx.Err())
	case <-c.done:
		return fmt.Errorf("%s request: %w", method, domain.ErrNotConnected)
	}
}

func (c *Client) Emit(ctx context.Context, event domain.SignalEvent, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	connected := c.conn != nil && !c.closed
	c.mu.Unlock()
	if !connected {
		return domain.ErrNotConnected
	}

	env, err := newEnvelope(KindEvent, "", string(event), payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	if err := c.write(env); err != nil {
		return fmt.Errorf("send %s event: %w", event, err)
	}
	return nil
}

func (c *Client) On(event domain.SignalEvent, handler func(payload json.RawMessage)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[event]; exists {
		return fmt.Errorf("%s: %w", event, domain.ErrHandlerRegistered)
	}
	c.handlers[event] = handler
	return nil
}

func (c *Client) requestObserver() RequestObserver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observer
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) write(env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(env)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closed
			c.mu.Unlock()
			if !closing {
				c.logger.Warnw("signaling connection lost", "error", err)
				c.shutdown(err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warnw("dropping malformed signaling frame", "error", err, "size", len(data))
			continue
		}

		switch env.Kind {
		case KindResponse:
			c.resolve(env)
		case KindEvent:
			c.enqueue(env)
		case KindRequest:
			reply := Envelope{Kind: KindResponse, ID: env.ID, Type: env.Type, Error: apperrors.NewUnsupportedError("request " + env.Type)}
			if err := c.write(reply); err != nil {
				c.logger.Debugw("failed to reject server request", "type", env.Type, "error", err)
			}
		default:
			c.logger.Warnw("dropping signaling frame of unknown kind", "kind", env.Kind, "type", env.Type)
		}
	}
}

// resolve hands a response to its waiting request. A response that arrives
// after the request gave up has no pending entry and is dropped.
func (c *Client) resolve(env Envelope) {
	c.mu.Lock()
	reply, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debugw("dropping response without pending request", "id", env.ID, "type", env.Type)
		return
	}
	reply <- env
}

func (c *Client) enqueue(env Envelope) {
	c.mu.Lock()
	c.queue = append(c.queue, env)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) dequeue() (Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return Envelope{}, false
	}
	env := c.queue[0]
	c.queue[0] = Envelope{}
	c.queue = c.queue[1:]
	return env, true
}

// dispatchLoop runs event handlers one at a time in arrival order. It is
// separate from the reader so a handler may block on a Request.
func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
		for {
			env, ok := c.dequeue()
			if !ok {
				break
			}
			c.dispatch(env)
		}
	}
}

func (c *Client) dispatch(env Envelope) {
	if env.Error != nil {
		c.logger.Warnw("signaling server rejected a message",
			"type", env.Type,
			"code", env.Error.Code,
			"message", env.Error.Message,
		)
		return
	}

	c.mu.Lock()
	handler := c.handlers[domain.SignalEvent(env.Type)]
	c.mu.Unlock()

	if handler == nil {
		c.logger.Debugw("no handler for signaling event", "event", env.Type)
		return
	}
	handler(env.Payload)
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Infow("error sending ping", "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		c.pending = make(map[string]chan Envelope)
		c.queue = nil
		conn := c.conn
		c.mu.Unlock()

		close(c.done)
		if conn != nil {
			conn.Close()
		}
	})
}
