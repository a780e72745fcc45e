package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
	"github.com/lza051119/chat8/pkg/tracing"
	"github.com/lza051119/chat8/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Forwarder hands a frame to another relay instance when the target user is
// not connected here. Implemented by distributed.EventBus.
type Forwarder interface {
	Forward(ctx context.Context, to domain.PeerID, frame []byte) error
}

// SessionTracker records which instance holds a user's connection.
// Implemented by distributed.SessionRegistry.
type SessionTracker interface {
	Bind(ctx context.Context, peer domain.PeerID) error
	Release(ctx context.Context, peer domain.PeerID) error
}

type HubConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond float64 // zero disables the per-connection limiter
	Burst             int
	AllowedOrigins    []string
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:    30 * time.Second,
		PongTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 1 << 20,
	}
}

type hubConn struct {
	peer    domain.PeerID
	ws      *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
}

func (c *hubConn) write(frame []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *hubConn) ping(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

var _ ports.WebSocketHandler = (*Hub)(nil)

// Hub is the server side of the signaling protocol. It authenticates users,
// keeps one connection per user and routes frames between them.
type Hub struct {
	auth      ports.AuthService
	relay     ports.RelayService
	forwarder Forwarder
	sessions  SessionTracker
	metrics   ports.Metrics
	cfg       HubConfig
	upgrader  websocket.Upgrader

	connections map[domain.PeerID]*hubConn
	mu          sync.RWMutex

	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewHub(auth ports.AuthService, relay ports.RelayService, metrics ports.Metrics, cfg HubConfig, logger *zap.SugaredLogger) *Hub {
	h := &Hub{
		auth:        auth,
		relay:       relay,
		metrics:     metrics,
		cfg:         cfg,
		connections: make(map[domain.PeerID]*hubConn),
		now:         time.Now,
		logger:      logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

// SetForwarder enables cross-instance delivery. sessions may be nil when
// the forwarder does not need to know where users live.
func (h *Hub) SetForwarder(f Forwarder, sessions SessionTracker) {
	h.forwarder = f
	h.sessions = sessions
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket serves GET /ws/:user_id?token=.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	peerID := domain.PeerID(c.Param("user_id"))
	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, err := h.auth.ValidateToken(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if claims.UserID != peerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not match user"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "peer_id", peerID, "error", err)
		return
	}
	h.serve(peerID, ws)
}

func (h *Hub) serve(peerID domain.PeerID, ws *websocket.Conn) {
	defer ws.Close()

	conn := &hubConn{peer: peerID, ws: ws}
	if h.cfg.MessagesPerSecond > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.Burst)
	}

	h.mu.Lock()
	existing, isReconnect := h.connections[peerID]
	h.connections[peerID] = conn
	count := len(h.connections)
	h.mu.Unlock()

	if isReconnect && existing != nil {
		existing.ws.Close()
		h.logger.Infow("closing old connection for reconnecting user", "peer_id", peerID)
	}
	h.metrics.RecordHubConnections(count)
	h.logger.Infow("user connected", "peer_id", peerID, "reconnect", isReconnect)

	ctx := context.Background()
	if h.sessions != nil {
		if err := h.sessions.Bind(ctx, peerID); err != nil {
			h.logger.Warnw("failed to register session", "peer_id", peerID, "error", err)
		}
	}
	backlog, err := h.relay.Connected(ctx, peerID)
	if err != nil {
		h.logger.Warnw("failed to load undelivered messages", "peer_id", peerID, "error", err)
	}
	for _, msg := range backlog {
		if err := conn.write(messageFrame(msg), h.cfg.WriteTimeout); err != nil {
			h.logger.Warnw("failed to push backlog", "peer_id", peerID, "error", err)
			break
		}
	}
	h.broadcastPresence(peerID, true, "online")

	if h.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageBytes)
	}
	ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(h.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan []byte, 16)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
			select {
			case messageChan <- data:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case data := <-messageChan:
			if conn.limiter != nil && !conn.limiter.Allow() {
				h.metrics.RecordFrameDropped("rate_limited")
				h.sendError(conn, "rate limit exceeded")
				continue
			}
			if err := h.handleFrame(ctx, conn, data); err != nil {
				h.logger.Infow("error handling frame", "peer_id", peerID, "error", err)
				h.sendError(conn, err.Error())
			}

		case <-pingTicker.C:
			if err := conn.ping(h.cfg.WriteTimeout); err != nil {
				h.logger.Infow("error sending ping", "peer_id", peerID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Infow("error reading frame", "peer_id", peerID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	h.mu.Lock()
	current := h.connections[peerID] == conn
	if current {
		delete(h.connections, peerID)
	}
	count = len(h.connections)
	h.mu.Unlock()

	// A replaced connection leaves presence to its successor.
	if !current {
		return
	}
	h.metrics.RecordHubConnections(count)
	if h.sessions != nil {
		if err := h.sessions.Release(ctx, peerID); err != nil {
			h.logger.Debugw("failed to release session", "peer_id", peerID, "error", err)
		}
	}
	if err := h.relay.Disconnected(ctx, peerID); err != nil {
		h.logger.Warnw("failed to mark user offline", "peer_id", peerID, "error", err)
	}
	h.broadcastPresence(peerID, false, "offline")
	h.logger.Infow("user disconnected", "peer_id", peerID)
}

func (h *Hub) handleFrame(ctx context.Context, conn *hubConn, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.metrics.RecordFrameDropped("malformed")
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env.FromID = PeerRef(conn.peer)

	ev, err := Decode(&env)
	if err != nil {
		h.metrics.RecordFrameDropped("malformed")
		return err
	}

	ctx, span := tracing.TraceSignal(ctx, env.Type, string(conn.peer))
	defer span.End()

	switch ev := ev.(type) {
	case *domain.OfferEvent, *domain.AnswerEvent, *domain.ICECandidateEvent,
		*domain.CallOfferEvent, *domain.CallAnswerEvent, *domain.CallICECandidateEvent,
		*domain.CallRejectedEvent, *domain.CallEndedEvent:
		return h.forward(ctx, &env)

	case *domain.PresenceEvent:
		if ev.Status != "" {
			if err := h.relay.SetPresence(ctx, conn.peer, ev.Status); err != nil {
				return err
			}
		}
		h.broadcastPresence(conn.peer, ev.Online, ev.Status)
		return nil

	case *domain.RelayMessageEvent:
		if ev.To == "" {
			return errors.New("private_message requires to_id")
		}
		_, err := h.relay.SendMessage(ctx, conn.peer, ports.RelaySendRequest{
			To:           ev.To,
			Content:      ev.Content,
			Encrypted:    ev.Encrypted,
			Method:       domain.MethodRelay,
			DestroyAfter: int(ev.BurnAfter / time.Second),
			MessageType:  ev.MessageType,
		})
		return err

	case *domain.HeartbeatEvent:
		if ev.Response {
			return nil
		}
		if err := h.relay.Heartbeat(ctx, conn.peer); err != nil {
			h.logger.Warnw("failed to record heartbeat", "peer_id", conn.peer, "error", err)
		}
		frame, err := json.Marshal(Envelope{Type: TypeHeartbeatResponse, Timestamp: NewWireTime(h.now())})
		if err != nil {
			return err
		}
		return conn.write(frame, h.cfg.WriteTimeout)
	}
	return nil
}

func (h *Hub) forward(ctx context.Context, env *Envelope) error {
	to := domain.PeerID(env.ToID)
	if to == "" {
		h.metrics.RecordFrameDropped("no_target")
		return fmt.Errorf("%s requires to_id", env.Type)
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}

	if h.DeliverLocal(to, frame) {
		h.metrics.RecordFrameRelayed(env.Type)
		h.logger.Debugw("routed frame", "type", env.Type, "from", env.FromID, "to", to)
		return nil
	}
	if h.forwarder != nil {
		if err := h.forwarder.Forward(ctx, to, frame); err != nil {
			return fmt.Errorf("forward to %s: %w", to, err)
		}
		h.metrics.RecordFrameRelayed(env.Type)
		return nil
	}
	h.metrics.RecordFrameDropped("peer_offline")
	return fmt.Errorf("user %s is not connected", to)
}

// DeliverLocal writes frame to peer if it is connected to this instance.
func (h *Hub) DeliverLocal(peer domain.PeerID, frame []byte) bool {
	h.mu.RLock()
	conn, ok := h.connections[peer]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if err := conn.write(frame, h.cfg.WriteTimeout); err != nil {
		h.logger.Infow("write failed", "peer_id", peer, "error", err)
		return false
	}
	return true
}

// Push implements ports.MessagePusher.
func (h *Hub) Push(peer domain.PeerID, msg *domain.MessageRecord) bool {
	return h.DeliverLocal(peer, messageFrame(msg))
}

func messageFrame(msg *domain.MessageRecord) []byte {
	frame, _ := json.Marshal(Envelope{Type: TypeMessage, Data: RelayMessageData(msg)})
	return frame
}

func (h *Hub) broadcastPresence(peer domain.PeerID, online bool, status string) {
	now := h.now()
	env, err := Encode(&domain.PresenceEvent{
		EventHeader: domain.EventHeader{From: peer},
		Status:      status,
		Online:      online,
		Timestamp:   now,
		LastSeen:    now,
	})
	if err != nil {
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*hubConn, 0, len(h.connections))
	for id, conn := range h.connections {
		if id != peer {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.write(frame, h.cfg.WriteTimeout); err != nil {
			h.logger.Debugw("presence broadcast failed", "peer_id", conn.peer, "error", err)
		}
	}
}

func (h *Hub) sendError(conn *hubConn, message string) {
	frame, _ := json.Marshal(Envelope{Type: TypeError, Message: message})
	_ = conn.write(frame, h.cfg.WriteTimeout)
}

// HealthCheck reports the number of connected users.
func (h *Hub) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   h.now().Unix(),
		"connections": h.ConnectionCount(),
	})
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) GetConnectedPeers() []domain.PeerID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(h.connections))
	for id := range h.connections {
		peers = append(peers, id)
	}
	return peers
}

func (h *Hub) IsPeerConnected(peerID domain.PeerID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connections[peerID]
	return ok
}
