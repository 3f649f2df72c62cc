package conversations

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ageniuscoder/palchat/backend/internal/auth"
	"github.com/ageniuscoder/palchat/backend/internal/chat"
	"github.com/ageniuscoder/palchat/backend/internal/httpx"
	"github.com/ageniuscoder/palchat/backend/internal/store"
)

// Store is the conversation store as used by these handlers.
type Store interface {
	ListConversations(ctx context.Context, userID int64) ([]store.Summary, error)
	ConversationSummary(ctx context.Context, convID string, userID int64) (store.Summary, error)
	CreateConversation(ctx context.Context, creatorID int64, name string, isGroup bool, memberIDs []int64) (store.Conversation, error)
	GetOrCreatePrivate(ctx context.Context, userID, otherID int64) (store.Conversation, bool, error)
	RestoreConversation(ctx context.Context, convID string, userID int64) error
}

// TypingSource lists who is typing in a conversation.
type TypingSource interface {
	TypingUsers(ctx context.Context, convID string, exclude int64) ([]store.User, error)
}

type Service struct {
	Store  Store
	Typing TypingSource
	Hub    *chat.Hub
}

type privateReq struct {
	OtherUserId int64 `json:"other_user_id" binding:"required,min=1"`
}

type groupReq struct {
	Name      string  `json:"name" binding:"required,max=100"`
	MemberIDs []int64 `json:"member_ids" binding:"required,min=1"`
}

type typingReq struct {
	IsTyping *bool `json:"is_typing" binding:"required"`
}

func Register(rg *gin.RouterGroup, st Store, typing TypingSource, hub *chat.Hub) {
	s := Service{
		Store:  st,
		Typing: typing,
		Hub:    hub,
	}
	rg.GET("/conversations", s.listMine)
	rg.POST("/conversations/private", s.createOrGetPrivate)
	rg.POST("/conversations/group", s.createGroup)
	rg.GET("/conversations/with-user/:user_id", s.withUser)
	rg.GET("/conversations/:id", s.get)
	rg.DELETE("/conversations/:id", s.remove)
	rg.POST("/conversations/:id/restore", s.restore)
	rg.POST("/conversations/:id/mark-read", s.markRead)
	rg.POST("/conversations/:id/typing", s.typing)
}

func (s Service) withTyping(ctx context.Context, sum *store.Summary, uid int64) error {
	users, err := s.Typing.TypingUsers(ctx, sum.ID, uid)
	if err != nil {
		return err
	}
	sum.TypingUsers = users
	return nil
}

func (s Service) listMine(c *gin.Context) {
	uid := auth.MustUserID(c)
	ctx := c.Request.Context()

	list, err := s.Store.ListConversations(ctx, uid)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	for i := range list {
		if err := s.withTyping(ctx, &list[i], uid); err != nil {
			httpx.Error(c, err)
			return
		}
	}
	httpx.OK(c, gin.H{"conversations": list})
}

func (s Service) get(c *gin.Context) {
	uid := auth.MustUserID(c)
	ctx := c.Request.Context()

	sum, err := s.Store.ConversationSummary(ctx, c.Param("id"), uid)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	if err := s.withTyping(ctx, &sum, uid); err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, sum)
}

func (s Service) privateConversation(c *gin.Context, uid, other int64) {
	cv, created, err := s.Store.GetOrCreatePrivate(c.Request.Context(), uid, other)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, gin.H{"conversation": cv, "created": created})
}

func (s Service) createOrGetPrivate(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req privateReq
	if !httpx.BindJSON(c, &req) {
		return
	}
	s.privateConversation(c, uid, req.OtherUserId)
}

func (s Service) withUser(c *gin.Context) {
	uid := auth.MustUserID(c)
	other, ok := httpx.ParamInt64(c, "user_id")
	if !ok {
		return
	}
	s.privateConversation(c, uid, other)
}

func (s Service) createGroup(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req groupReq
	if !httpx.BindJSON(c, &req) {
		return
	}

	cv, err := s.Store.CreateConversation(c.Request.Context(), uid, req.Name, true, req.MemberIDs)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": cv})
}

func (s Service) remove(c *gin.Context) {
	uid := auth.MustUserID(c)
	created, err := s.Hub.DeleteConversation(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, gin.H{"deleted": true, "already_deleted": !created})
}

func (s Service) restore(c *gin.Context) {
	uid := auth.MustUserID(c)
	if err := s.Store.RestoreConversation(c.Request.Context(), c.Param("id"), uid); err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, gin.H{"restored": true})
}

func (s Service) markRead(c *gin.Context) {
	uid := auth.MustUserID(c)
	rr, err := s.Hub.MarkConversationRead(c.Request.Context(), chat.Origin{UserID: uid}, c.Param("id"))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	if rr == nil {
		httpx.OK(c, gin.H{"message": "no messages to mark as read"})
		return
	}
	httpx.OK(c, gin.H{"message_id": rr.MessageID, "read_at": rr.ReadAt})
}

func (s Service) typing(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req typingReq
	if !httpx.BindJSON(c, &req) {
		return
	}
	if err := s.Hub.SetTyping(c.Request.Context(), chat.Origin{UserID: uid}, c.Param("id"), *req.IsTyping); err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, gin.H{"is_typing": *req.IsTyping})
}
