package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
	"github.com/lza051119/chat8/pkg/broadcast"
	apperrors "github.com/lza051119/chat8/pkg/errors"
	"github.com/lza051119/chat8/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ChannelConfig struct {
	URL          string
	UserID       domain.PeerID
	Token        string
	Status       string
	Capabilities map[string]bool

	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	MaxMessageBytes  int64

	Backoff retry.Backoff
}

// WebSocketChannel is the client end of the signaling connection. It
// reconnects with exponential backoff and announces presence each time the
// connection opens.
type WebSocketChannel struct {
	cfg     ChannelConfig
	dialer  *websocket.Dialer
	metrics ports.Metrics
	logger  *zap.SugaredLogger
	now     func() time.Time

	events *broadcast.Broadcaster[domain.Event]
	states *broadcast.Broadcaster[ports.StateChange]

	sendMu sync.Mutex // gorilla allows one concurrent writer

	mu           sync.Mutex
	state        ports.ChannelState
	conn         *websocket.Conn
	status       string
	reconnecting bool
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWebSocketChannel(cfg ChannelConfig, metrics ports.Metrics, logger *zap.SugaredLogger) *WebSocketChannel {
	if cfg.Status == "" {
		cfg.Status = "online"
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = retry.ReconnectBackoff()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketChannel{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		metrics: metrics,
		logger:  logger.With("component", "signaling"),
		now:     time.Now,
		events:  broadcast.New[domain.Event](64),
		states:  broadcast.New[ports.StateChange](16),
		state:   ports.ChannelClosed,
		status:  cfg.Status,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Endpoint builds {url}/{userID}?token={token}.
func (c *WebSocketChannel) Endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse signaling url: %w", err)
	}
	u = u.JoinPath(string(c.cfg.UserID))
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *WebSocketChannel) Subscribe() (<-chan domain.Event, func()) {
	return c.events.Subscribe()
}

func (c *WebSocketChannel) SubscribeState() (<-chan ports.StateChange, func()) {
	return c.states.Subscribe()
}

func (c *WebSocketChannel) State() ports.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetStatus changes the status announced on the next transition into OPEN.
func (c *WebSocketChannel) SetStatus(status string) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

// Connect dials the server. On failure the channel keeps retrying in the
// background and the first error is returned.
func (c *WebSocketChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	if c.state == ports.ChannelOpen || c.state == ports.ChannelConnecting || c.reconnecting {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.transition(ports.ChannelConnecting, 0, false, nil)

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Warnw("signaling connect failed", "error", err)
		c.transition(ports.ChannelReconnecting, 0, false, err)
		c.startReconnect()
		return apperrors.NewTransportError(fmt.Errorf("%w: %v", domain.ErrTransport, err), "signaling connect failed")
	}
	c.open(conn)
	return nil
}

func (c *WebSocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := c.Endpoint()
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

func (c *WebSocketChannel) open(conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	status := c.status
	c.mu.Unlock()

	if c.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageBytes)
	}
	c.extendRead(conn)
	conn.SetPongHandler(func(string) error {
		c.extendRead(conn)
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		c.extendRead(conn)
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
	})

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.transition(ports.ChannelOpen, 0, false, nil)
	c.logger.Infow("signaling connected", "user_id", c.cfg.UserID)

	announce := &domain.PresenceEvent{
		Status:       status,
		Online:       true,
		Timestamp:    c.now(),
		Capabilities: c.cfg.Capabilities,
	}
	if err := c.Send(c.ctx, announce); err != nil {
		c.logger.Warnw("presence announce failed", "error", err)
	}
}

func (c *WebSocketChannel) extendRead(conn *websocket.Conn) {
	if c.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
}

func (c *WebSocketChannel) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(conn, err)
			return
		}
		c.extendRead(conn)
		c.handleFrame(data)
	}
}

func (c *WebSocketChannel) handleFrame(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warnw("dropping undecodable frame", "error", err)
		c.metrics.RecordFrameDropped("malformed")
		return
	}
	if env.Type == TypeError {
		c.logger.Warnw("signaling server reported an error", "message", env.Message)
		return
	}

	ev, err := Decode(&env)
	if err != nil {
		c.logger.Warnw("dropping malformed frame", "type", env.Type, "error", err)
		c.metrics.RecordFrameDropped("malformed")
		return
	}
	c.events.Publish(ev)
}

func (c *WebSocketChannel) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	if c.cfg.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn == conn
			c.mu.Unlock()
			if !current {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debugw("ping failed", "error", err)
				return
			}
		}
	}
}

// dropped handles the loss of conn. Stale connections are ignored.
func (c *WebSocketChannel) dropped(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	conn.Close()

	c.logger.Warnw("signaling connection lost", "error", err)
	c.transition(ports.ChannelReconnecting, 0, false, err)
	c.startReconnect()
}

func (c *WebSocketChannel) startReconnect() {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.wg.Add(1)
	c.mu.Unlock()

	go c.reconnectLoop()
}

func (c *WebSocketChannel) reconnectLoop() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	var lastErr error
	for failures := 0; !c.cfg.Backoff.Exhausted(failures); failures++ {
		timer := time.NewTimer(c.cfg.Backoff.Delay(failures))
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.metrics.RecordReconnectAttempt()
		conn, err := c.dial(c.ctx)
		if err == nil {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			c.open(conn)
			return
		}
		lastErr = err
		c.logger.Infow("signaling reconnect failed", "attempt", failures+1, "error", err)
	}

	c.logger.Errorw("signaling reconnect attempts exhausted", "attempts", c.cfg.Backoff.MaxAttempts, "error", lastErr)
	c.transition(ports.ChannelClosed, c.cfg.Backoff.MaxAttempts, true, lastErr)
}

func (c *WebSocketChannel) transition(next ports.ChannelState, attempt int, failed bool, err error) {
	c.mu.Lock()
	prev := c.state
	if prev == next && !failed {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()

	c.metrics.RecordChannelState(string(next))
	c.states.Publish(ports.StateChange{
		Previous: prev,
		State:    next,
		Attempt:  attempt,
		Failed:   failed,
		Err:      err,
	})
}

// Send writes one event. It fails unless the channel is OPEN.
func (c *WebSocketChannel) Send(ctx context.Context, ev domain.Event) error {
	frame, err := EncodeFrame(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	open := c.state == ports.ChannelOpen
	c.mu.Unlock()
	if conn == nil || !open {
		return apperrors.NewTransportError(fmt.Errorf("%w: %w", domain.ErrTransport, domain.ErrChannelClosed), "signaling channel not open")
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return apperrors.NewTransportError(fmt.Errorf("%w: %v", domain.ErrTransport, err), "signaling write failed")
	}
	return nil
}

// Close stops reconnection, closes the connection and completes both
// subscription streams. It is idempotent.
func (c *WebSocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	prev := c.state
	c.state = ports.ChannelClosed
	c.mu.Unlock()

	c.cancel()
	var closeErr error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout))
		closeErr = conn.Close()
	}
	c.wg.Wait()

	if prev != ports.ChannelClosed {
		c.metrics.RecordChannelState(string(ports.ChannelClosed))
		c.states.Publish(ports.StateChange{Previous: prev, State: ports.ChannelClosed})
	}
	c.events.Close()
	c.states.Close()

	if closeErr != nil && !errors.Is(closeErr, websocket.ErrCloseSent) {
		return closeErr
	}
	return nil
}
