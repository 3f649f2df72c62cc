package chat

import (
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/ageniuscoder/palchat/backend/internal/auth"
)

// RegisterWS mounts GET /ws/chat/:conversation_id.
// Auth works via:
// 1) Query:  ?token=<JWT>
// 2) Header: Authorization: Bearer <JWT>
//
// The connection is upgraded before the handshake is judged so failures
// can be reported with close codes 4001 and 4003.
func RegisterWS(rg *gin.RouterGroup, hub *Hub) {
	rg.GET("/ws/chat/:conversation_id", hub.serveWS)
}

func (h *Hub) serveWS(c *gin.Context) {
	convID := c.Param("conversation_id")
	token := auth.BearerToken(c, true)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("upgrade failed", "err", err)
		return
	}
	cl := newClient(h, conn)

	// The pump slots are taken before admit so Close cannot finish waiting
	// while a connection is still being set up.
	if !h.acquirePumps() {
		h.metrics.rejections.WithLabelValues("shutdown").Inc()
		reject(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}
	started := false
	defer func() {
		if !started {
			h.wg.Add(-2)
		}
	}()

	ctx, cancel := h.storeCtx()
	defer cancel()

	id, err := h.verifier.Verify(ctx, token)
	if err != nil {
		h.metrics.rejections.WithLabelValues("auth").Inc()
		cl.log.Info("handshake rejected", "reason", "auth", "err", err)
		reject(conn, CloseAuthFailed, "authentication failed")
		return
	}
	cl.setState(stateAuthenticated)

	if err := h.registry.Admit(ctx, cl, id, convID); err != nil {
		code, reason, text := websocket.CloseInternalServerErr, "error", "internal error"
		switch {
		case errors.Is(err, errors.Unauthorized):
			code, reason, text = CloseAuthFailed, "auth", "authentication failed"
		case errors.Is(err, errors.Forbidden):
			code, reason, text = CloseAccessDenied, "forbidden", "access denied"
		case errors.Is(err, ErrClosed):
			code, reason, text = websocket.CloseGoingAway, "shutdown", "server shutting down"
		}
		h.metrics.rejections.WithLabelValues(reason).Inc()
		cl.log.Info("handshake rejected", "reason", reason, "user_id", id.UserID, "conversation_id", convID, "err", err)
		reject(conn, code, text)
		return
	}

	h.join(ctx, cl)
	cl.log.Debug("connection subscribed", "user_id", cl.userID, "conversation_id", convID)

	started = true
	go cl.writePump()
	go cl.readPump()
}
