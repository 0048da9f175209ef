// Package transport is the client side of the signaling WebSocket. One
// Client is shared by everything in a session that needs to exchange
// events with the relay.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"chathub/internal/core/domain"
	"chathub/internal/core/ports"
	"chathub/pkg/codec"
	"chathub/pkg/config"
	"chathub/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Config struct {
	URL                  string
	Token                string
	HandshakeTimeout     time.Duration
	MaxReconnectAttempts int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	WriteTimeout         time.Duration
	SendBufferSize       int
	// MaxHandlersPerType is a soft limit; exceeding it only logs a warning.
	MaxHandlersPerType int
}

func ConfigFrom(cfg *config.Config) Config {
	t := cfg.Transport
	return Config{
		URL:                  t.URL,
		Token:                t.Token,
		HandshakeTimeout:     t.HandshakeTimeout,
		MaxReconnectAttempts: t.MaxReconnectAttempts,
		InitialBackoff:       t.InitialBackoff,
		MaxBackoff:           t.MaxBackoff,
		PingInterval:         t.PingInterval,
		PongTimeout:          t.PongTimeout,
		WriteTimeout:         t.WriteTimeout,
		SendBufferSize:       t.SendBufferSize,
		MaxHandlersPerType:   t.MaxHandlersPerType,
	}
}

type StateListener func(domain.ConnectionState)

// Subscription releases a handler or listener registration. Release may be
// called any number of times.
type Subscription struct {
	once    sync.Once
	release func()
}

func (s *Subscription) Release() {
	s.once.Do(s.release)
}

type handlerEntry struct {
	id uint64
	fn ports.Handler
}

// conn is one dialed socket. send is never closed; writers select on done.
type conn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	conn   *conn
	state  domain.ConnectionState
	closed bool

	regMu          sync.RWMutex
	handlers       map[domain.SignalType][]handlerEntry
	stateListeners map[uint64]StateListener
	nextID         uint64

	// notifyMu orders state transitions with their delivery to listeners.
	notifyMu sync.Mutex

	dropped atomic.Int64
}

func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:            cfg,
		dialer:         &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		state:          domain.ConnectionDisconnected,
		handlers:       make(map[domain.SignalType][]handlerEntry),
		stateListeners: make(map[uint64]StateListener),
	}
}

// Connect dials the relay and returns once the socket is open. Later
// unexpected closures are handled by the reconnect loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed, connected := c.closed, c.conn != nil
	c.mu.RUnlock()
	if closed {
		return domain.ErrTransportClosed
	}
	if connected {
		return nil
	}

	c.setState(domain.ConnectionConnecting)
	ws, err := c.dial(ctx)
	if err != nil {
		c.setState(domain.ConnectionDisconnected)
		return err
	}
	return c.attach(ws)
}

// Send encodes and enqueues an envelope. It never blocks: when the socket
// is not open or its buffer is full the message is dropped and counted.
func (c *Client) Send(msgType domain.SignalType, payload any) bool {
	data, err := codec.EncodeEnvelope(string(msgType), payload)
	if err != nil {
		c.dropped.Add(1)
		c.logger.Errorw("Failed to encode envelope", "type", msgType, "error", err)
		return false
	}

	c.mu.RLock()
	cn := c.conn
	c.mu.RUnlock()
	if cn == nil {
		c.dropped.Add(1)
		c.logger.Warnw("Send while not connected, message dropped", "type", msgType)
		return false
	}

	select {
	case <-cn.done:
		c.dropped.Add(1)
		c.logger.Warnw("Send on closing connection, message dropped", "type", msgType)
		return false
	default:
	}

	select {
	case cn.send <- data:
		return true
	default:
		c.dropped.Add(1)
		c.logger.Warnw("Send buffer full, message dropped", "type", msgType)
		return false
	}
}

// On registers handler for msgType. Handlers run on the read goroutine in
// registration order.
func (c *Client) On(msgType domain.SignalType, handler ports.Handler) ports.Subscription {
	c.regMu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[msgType] = append(c.handlers[msgType], handlerEntry{id: id, fn: handler})
	count := len(c.handlers[msgType])
	c.regMu.Unlock()

	if c.cfg.MaxHandlersPerType > 0 && count > c.cfg.MaxHandlersPerType {
		c.logger.Warnw("Handler count above limit, possible leak", "type", msgType, "count", count, "limit", c.cfg.MaxHandlersPerType)
	}

	return &Subscription{release: func() {
		c.regMu.Lock()
		defer c.regMu.Unlock()
		entries := c.handlers[msgType]
		for i, e := range entries {
			if e.id == id {
				c.handlers[msgType] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(c.handlers[msgType]) == 0 {
			delete(c.handlers, msgType)
		}
	}}
}

func (c *Client) HandlerCount(msgType domain.SignalType) int {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	return len(c.handlers[msgType])
}

// OnStateChange calls listener with the current state right away and then
// on every transition. Listeners run one at a time, in transition order, and
// must not call Close.
func (c *Client) OnStateChange(listener StateListener) *Subscription {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.regMu.Lock()
	c.nextID++
	id := c.nextID
	c.stateListeners[id] = listener
	c.regMu.Unlock()

	listener(c.State())

	return &Subscription{release: func() {
		c.regMu.Lock()
		delete(c.stateListeners, id)
		c.regMu.Unlock()
	}}
}

func (c *Client) State() domain.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Dropped is the number of messages discarded by Send.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// Close sends a normal closure and stops reconnecting. The client cannot be
// reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()

	var err error
	if cn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed")
		err = cn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
		cn.close()
	}
	c.setState(domain.ConnectionClosed)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("send close frame: %w", err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return ws, nil
}

func (c *Client) attach(ws *websocket.Conn) error {
	cn := &conn{
		ws:   ws,
		send: make(chan []byte, c.cfg.SendBufferSize),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return domain.ErrTransportClosed
	}
	c.conn = cn
	c.mu.Unlock()

	c.setState(domain.ConnectionConnected)
	c.logger.Infow("Signaling connected", "url", c.cfg.URL)

	go c.writePump(cn)
	go c.readPump(cn)
	return nil
}

func (c *Client) readPump(cn *conn) {
	ws := cn.ws
	ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	var readErr error
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		c.dispatch(data)
	}

	cn.close()
	c.handleDisconnect(cn, readErr)
}

func (c *Client) writePump(cn *conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-cn.send:
			cn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := cn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warnw("Write failed", "error", err)
				cn.close()
				return
			}
		case <-ticker.C:
			cn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := cn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warnw("Ping failed", "error", err)
				cn.close()
				return
			}
		case <-cn.done:
			return
		}
	}
}

func (c *Client) dispatch(data []byte) {
	msgType, payload, err := codec.DecodeEnvelope(data)
	if err != nil {
		c.logger.Warnw("Dropping malformed frame", "error", err)
		return
	}

	t := domain.SignalType(msgType)
	c.regMu.RLock()
	entries := append([]handlerEntry(nil), c.handlers[t]...)
	c.regMu.RUnlock()

	if len(entries) == 0 {
		c.logger.Debugw("No handler for message type", "type", t)
		return
	}
	for _, e := range entries {
		c.invoke(t, e.fn, payload)
	}
}

func (c *Client) invoke(t domain.SignalType, fn ports.Handler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("Handler panicked", "type", t, "panic", r)
		}
	}()
	if err := fn(payload); err != nil {
		c.logger.Warnw("Handler failed", "type", t, "error", err)
	}
}

func (c *Client) handleDisconnect(cn *conn, err error) {
	c.mu.Lock()
	if c.conn != cn {
		// Close already detached this connection.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Infow("Signaling closed by server", "error", err)
		c.setState(domain.ConnectionDisconnected)
		return
	}

	c.logger.Warnw("Signaling connection lost", "error", err)
	go c.reconnect()
}

// reconnect retries with exponential backoff until a dial succeeds or
// MaxReconnectAttempts is exhausted, which leaves the client failed.
func (c *Client) reconnect() {
	c.setState(domain.ConnectionReconnecting)
	backoff := retry.Config{
		InitialDelay: c.cfg.InitialBackoff,
		MaxDelay:     c.cfg.MaxBackoff,
		Multiplier:   2,
		Jitter:       true,
	}

	for attempt := 0; attempt < c.cfg.MaxReconnectAttempts; attempt++ {
		delay := retry.Backoff(backoff, attempt)
		c.logger.Infow("Reconnecting", "attempt", attempt+1, "max_attempts", c.cfg.MaxReconnectAttempts, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ws, err := c.dial(c.ctx)
		if err != nil {
			c.logger.Warnw("Reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		// attach only fails when Close won the race.
		_ = c.attach(ws)
		return
	}

	c.logger.Errorw("Giving up on signaling connection", "attempts", c.cfg.MaxReconnectAttempts)
	c.setState(domain.ConnectionFailed)
}

func (c *Client) setState(state domain.ConnectionState) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state == state || (c.closed && state != domain.ConnectionClosed) {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = state
	c.mu.Unlock()

	c.logger.Debugw("Signaling state changed", "from", prev, "to", state)

	c.regMu.RLock()
	listeners := make([]StateListener, 0, len(c.stateListeners))
	for _, l := range c.stateListeners {
		listeners = append(listeners, l)
	}
	c.regMu.RUnlock()

	for _, l := range listeners {
		l(state)
	}
}
