package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
	"github.com/lza051119/chat8/internal/infrastructure/middleware"
	"github.com/lza051119/chat8/internal/infrastructure/relay"
	"github.com/lza051119/chat8/pkg/errors"
	"github.com/lza051119/chat8/pkg/validation"

	"github.com/gin-gonic/gin"
)

const defaultHistoryLimit = 50

// RelayHandler serves the relay REST API that nodes fall back to when no
// direct link is available.
type RelayHandler struct {
	relay         ports.RelayService
	auth          ports.AuthService
	nextHeartbeat time.Duration
}

var _ ports.HTTPHandler = (*RelayHandler)(nil)

// NewRelayHandler tells clients to heartbeat every nextHeartbeat, which
// should be well inside the presence TTL.
func NewRelayHandler(relay ports.RelayService, auth ports.AuthService, nextHeartbeat time.Duration) *RelayHandler {
	return &RelayHandler{
		relay:         relay,
		auth:          auth,
		nextHeartbeat: nextHeartbeat,
	}
}

// SetupRoutes mounts the API under /api/v1. limit runs after authentication
// so it can key on the caller.
func (h *RelayHandler) SetupRoutes(router *gin.Engine, limit gin.HandlerFunc) {
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(h.auth), limit)
	{
		api.POST("/messages", h.SendMessage)
		api.GET("/messages/history/:peer", h.GetHistory)
		api.DELETE("/messages/:id", h.DeleteMessage)

		api.GET("/users/:id/status", h.GetUserStatus)
		api.POST("/users/p2p-capability", h.RegisterCapability)

		api.POST("/presence/status", h.SetPresence)
		api.POST("/presence/heartbeat", h.Heartbeat)
	}
}

func caller(c *gin.Context) (domain.PeerID, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required"))
	}
	return id, ok
}

func (h *RelayHandler) SendMessage(c *gin.Context) {
	from, ok := caller(c)
	if !ok {
		return
	}

	var req ports.RelaySendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if req.To == from {
		c.Error(errors.NewInvalidInputError("cannot send a message to yourself"))
		return
	}

	msg, err := h.relay.SendMessage(c.Request.Context(), from, req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, relay.MessageFromRecord(msg))
}

func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.Error(errors.NewInvalidInputError(name + " must be an integer"))
		return 0, false
	}
	return v, true
}

func (h *RelayHandler) GetHistory(c *gin.Context) {
	owner, ok := caller(c)
	if !ok {
		return
	}
	peer := domain.PeerID(c.Param("peer"))
	if err := validation.ValidatePeerID(string(peer)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	page, ok := queryInt(c, "page", 1)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", defaultHistoryLimit)
	if !ok {
		return
	}
	if page < 1 {
		page = 1
	}
	if limit > validation.MaxHistoryLimit {
		limit = validation.MaxHistoryLimit
	}

	records, err := h.relay.History(c.Request.Context(), owner, peer, page, limit)
	if err != nil {
		c.Error(err)
		return
	}

	resp := relay.HistoryResponse{
		Messages:   make([]relay.Message, 0, len(records)),
		Pagination: relay.Pagination{Page: page, Limit: limit},
	}
	for _, rec := range records {
		resp.Messages = append(resp.Messages, relay.MessageFromRecord(rec))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *RelayHandler) DeleteMessage(c *gin.Context) {
	requester, ok := caller(c)
	if !ok {
		return
	}
	if err := h.relay.DeleteMessage(c.Request.Context(), requester, c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, relay.Ack{Success: true, Message: "message deleted"})
}

func (h *RelayHandler) GetUserStatus(c *gin.Context) {
	peer := domain.PeerID(c.Param("id"))
	if err := validation.ValidatePeerID(string(peer)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	rec, err := h.relay.UserStatus(c.Request.Context(), peer)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, relay.UserStatusFromRecord(rec))
}

func (h *RelayHandler) RegisterCapability(c *gin.Context) {
	peer, ok := caller(c)
	if !ok {
		return
	}
	var req relay.CapabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	if err := h.relay.RegisterCapability(c.Request.Context(), peer, req.SupportsP2P); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, relay.Ack{Success: true})
}

func (h *RelayHandler) SetPresence(c *gin.Context) {
	peer, ok := caller(c)
	if !ok {
		return
	}
	var req relay.StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	if err := h.relay.SetPresence(c.Request.Context(), peer, req.Status); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, relay.Ack{Success: true})
}

func (h *RelayHandler) Heartbeat(c *gin.Context) {
	peer, ok := caller(c)
	if !ok {
		return
	}
	if err := h.relay.Heartbeat(c.Request.Context(), peer); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, relay.Ack{
		Success: true,
		Data:    gin.H{"nextHeartbeat": h.nextHeartbeat.Milliseconds()},
	})
}
