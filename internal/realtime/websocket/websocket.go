// Package websocket implements realtime.Channel over a WebSocket connection.
// When reconnect is enabled, an abnormal close is retried internally with
// exponential backoff before it is reported as a transport close.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/seantiz/lobbylink/internal/realtime"
)

// MaxMessageSize is the largest inbound frame accepted (1 MiB).
const MaxMessageSize = 1 << 20

// Defaults applied when the config leaves a field zero.
const (
	DefaultPingInterval     = 20 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReconnectMax     = 30 * time.Second
	writeWait               = 5 * time.Second
)

// Envelope types exchanged with the server.
const (
	TypePush            = "push"
	TypeDisconnectNotif = "disconnectNotif"
	TypeMessage         = "message"
)

// Envelope is the JSON frame carried in every text message.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Config configures a Channel.
type Config struct {
	URL    string
	Header http.Header
	// Reconnect enables internal retry after an abnormal close.
	Reconnect bool
	// ReconnectMax bounds the total time spent retrying.
	ReconnectMax time.Duration
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

// Channel is a realtime.Channel backed by gorilla/websocket.
type Channel struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	handler realtime.Handler
	conn    *websocket.Conn
	cancel  context.CancelFunc
	closed  bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// Compile-time interface satisfaction check.
var _ realtime.Channel = (*Channel)(nil)

// New creates an unconnected channel.
func New(cfg Config, logger *slog.Logger) *Channel {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		}
	}
	return &Channel{cfg: cfg, logger: logger}
}

// SetHandler implements realtime.Channel.
func (c *Channel) SetHandler(h realtime.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connect implements realtime.Channel.
func (c *Channel) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.closed = false
	c.mu.Unlock()

	c.wg.Go(func() { c.run(ctx) })
}

// Send implements realtime.Channel.
func (c *Channel) Send(ctx context.Context, msg realtime.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("send: not connected")
	}

	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{Type: TypeMessage, ID: uuid.NewString(), Kind: msg.Kind, Payload: payload}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close implements realtime.Channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return conn.Close()
}

// Wait blocks until the connection goroutine has exited.
func (c *Channel) Wait() {
	c.wg.Wait()
}

func (c *Channel) run(ctx context.Context) {
	conn, err := c.dial(ctx)
	if err != nil {
		c.emit(realtime.Event{Kind: realtime.KindConnectFailure, Code: dialErrorCode(err), Message: err.Error()})
		return
	}
	if !c.setConn(conn) {
		conn.Close()
		return
	}
	c.emit(realtime.Event{Kind: realtime.KindConnectSuccess})

	for {
		closeEv := c.serve(conn)
		if c.isClosed() || ctx.Err() != nil {
			return
		}
		if !c.cfg.Reconnect || closeEv.WasClean {
			c.emit(closeEv)
			return
		}

		c.logger.Info("realtime connection lost, reconnecting",
			"status", closeEv.StatusCode,
			"reason", closeEv.Reason,
		)
		c.emit(realtime.Event{Kind: realtime.KindReconnecting})

		conn, err = c.redial(ctx)
		if err != nil {
			c.logger.Warn("realtime reconnect failed", "error", err)
			c.emit(closeEv)
			return
		}
		if !c.setConn(conn) {
			conn.Close()
			return
		}
		c.emit(realtime.Event{Kind: realtime.KindReconnectSuccess})
	}
}

// dialError carries the HTTP status of a failed handshake.
type dialError struct {
	status int
	err    error
}

func (e *dialError) Error() string { return e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

func dialErrorCode(err error) int {
	var de *dialError
	if errors.As(err, &de) {
		return de.status
	}
	return 0
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, &dialError{status: status, err: fmt.Errorf("dial %s: %w", c.cfg.URL, err)}
	}
	return conn, nil
}

// redial retries dial with exponential backoff. Handshake rejections are not
// retried.
func (c *Channel) redial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.cfg.ReconnectMax

	var conn *websocket.Conn
	op := func() error {
		cn, err := c.dial(ctx)
		if err != nil {
			if code := dialErrorCode(err); code >= 400 && code < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = cn
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Channel) setConn(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// serve reads from conn until it fails and returns the matching
// transport-close event.
func (c *Channel) serve(conn *websocket.Conn) realtime.Event {
	pongWait := 2 * c.cfg.PingInterval
	conn.SetReadLimit(MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.keepalive(conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return closeEvent(err)
		}
		c.dispatch(data)
	}
}

func (c *Channel) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func closeEvent(err error) realtime.Event {
	ev := realtime.Event{Kind: realtime.KindTransportClose, StatusCode: realtime.CloseAbnormal, Reason: err.Error()}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		ev.StatusCode = ce.Code
		ev.Reason = ce.Text
		ev.WasClean = ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return ev
}

func (c *Channel) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("dropping malformed realtime frame", "error", err)
		return
	}
	switch env.Type {
	case TypeDisconnectNotif:
		c.emit(realtime.Event{Kind: realtime.KindDisconnectNotif, Message: env.Message})
	case TypePush:
		c.emit(realtime.Event{Kind: realtime.KindPush, PushKind: env.Kind, Payload: env.Payload})
	default:
		c.logger.Debug("ignoring realtime frame", "type", env.Type)
	}
}

func (c *Channel) emit(ev realtime.Event) {
	c.mu.Lock()
	h := c.handler
	closed := c.closed
	c.mu.Unlock()
	if h == nil || closed {
		return
	}
	h(ev)
}
