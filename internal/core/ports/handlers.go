package ports

import (
	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	SendMessage(c *gin.Context)
	GetHistory(c *gin.Context)
	DeleteMessage(c *gin.Context)
	GetUserStatus(c *gin.Context)
	RegisterCapability(c *gin.Context)
	SetPresence(c *gin.Context)
	Heartbeat(c *gin.Context)
}

type WebSocketHandler interface {
	HandleWebSocket(c *gin.Context)
}
