package messages

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ageniuscoder/palchat/backend/internal/auth"
	"github.com/ageniuscoder/palchat/backend/internal/chat"
	"github.com/ageniuscoder/palchat/backend/internal/httpx"
	"github.com/ageniuscoder/palchat/backend/internal/store"
)

// Lister reads message history.
type Lister interface {
	ListMessages(ctx context.Context, convID string, viewerID int64, limit, offset int) ([]store.Message, error)
}

type Service struct {
	Store Lister
	Hub   *chat.Hub
}

type sendReq struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	chat.SendMessagePayload
}

type editReq struct {
	Content string `json:"content" binding:"required,max=10000"`
}

type reactReq struct {
	Reaction store.ReactionKind `json:"reaction" binding:"required,oneof=like love laugh wow sad angry"`
}

type pageReq struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=200"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

type readReq struct {
	MessageIDs []string `json:"message_ids"`
}

func Register(rg *gin.RouterGroup, st Lister, hub *chat.Hub) {
	s := Service{
		Store: st,
		Hub:   hub,
	}
	rg.GET("/conversations/:id/messages", s.list)
	rg.POST("/messages", s.send)
	rg.POST("/messages/read", s.markRead)
	rg.PATCH("/messages/:id", s.edit)
	rg.DELETE("/messages/:id", s.remove)
	rg.POST("/messages/:id/restore", s.restore)
	rg.POST("/messages/:id/react", s.react)
}

func origin(c *gin.Context) chat.Origin {
	return chat.Origin{UserID: auth.MustUserID(c)}
}

func (s Service) list(c *gin.Context) {
	uid := auth.MustUserID(c)
	var q pageReq
	if err := c.ShouldBindQuery(&q); err != nil {
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}

	list, err := s.Store.ListMessages(c.Request.Context(), c.Param("id"), uid, q.Limit, q.Offset)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, gin.H{"messages": list})
}

func (s Service) send(c *gin.Context) {
	var req sendReq
	if !httpx.BindJSON(c, &req) {
		return
	}

	msg, err := s.Hub.SendMessage(c.Request.Context(), origin(c), req.ConversationID, req.SendMessagePayload)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s Service) edit(c *gin.Context) {
	var req editReq
	if !httpx.BindJSON(c, &req) {
		return
	}
	msg, err := s.Hub.EditMessage(c.Request.Context(), origin(c), c.Param("id"), req.Content)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, msg)
}

func (s Service) remove(c *gin.Context) {
	created, err := s.Hub.DeleteMessage(c.Request.Context(), origin(c), c.Param("id"))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, gin.H{"deleted": true, "already_deleted": !created})
}

func (s Service) restore(c *gin.Context) {
	msg, err := s.Hub.RestoreMessage(c.Request.Context(), origin(c), c.Param("id"))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, msg)
}

func (s Service) react(c *gin.Context) {
	var req reactReq
	if !httpx.BindJSON(c, &req) {
		return
	}
	res, err := s.Hub.React(c.Request.Context(), origin(c), c.Param("id"), req.Reaction)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, gin.H{"message_id": res.MessageID, "reaction": res.Kind, "action": res.Action})
}

func (s Service) markRead(c *gin.Context) {
	var req readReq
	if !httpx.BindJSON(c, &req) {
		return
	}

	if len(req.MessageIDs) == 0 {
		httpx.OK(c, gin.H{"message": "no messages to mark as read"})
		return
	}

	o := origin(c)
	for _, mid := range req.MessageIDs {
		if _, err := s.Hub.MarkRead(c.Request.Context(), o, mid); err != nil {
			httpx.Error(c, err)
			return
		}
	}
	httpx.OK(c, gin.H{"message": "marked as read"})
}
