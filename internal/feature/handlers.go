package feature

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/errors"

	"github.com/ageniuscoder/palchat/backend/internal/auth"
	"github.com/ageniuscoder/palchat/backend/internal/chat"
	"github.com/ageniuscoder/palchat/backend/internal/httpx"
	"github.com/ageniuscoder/palchat/backend/internal/store"
)

type Users interface {
	User(ctx context.Context, id int64) (store.User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]store.User, error)
	CheckAccess(ctx context.Context, convID string, userID int64) error
}

type PresenceSource interface {
	Presence(ctx context.Context, userID int64) (store.PresenceRecord, error)
}

type Service struct {
	Users    Users
	Presence PresenceSource
	Hub      *chat.Hub
}

type statusReq struct {
	Status store.Status `json:"status" binding:"required,oneof=online away busy offline"`
}

func Register(rg *gin.RouterGroup, users Users, presence PresenceSource, hub *chat.Hub) {
	s := Service{
		Users:    users,
		Presence: presence,
		Hub:      hub,
	}
	rg.POST("/status", s.setStatus)
	rg.GET("/users/:id/last-seen", s.getLastSeen)
	rg.GET("/users/search", s.searchUsers)
}

func (s Service) setStatus(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req statusReq
	if !httpx.BindJSON(c, &req) {
		return
	}
	at, err := s.Hub.SetStatus(c.Request.Context(), uid, req.Status)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, gin.H{"status": req.Status, "last_seen": at.Format(time.RFC3339)})
}

func (s Service) searchUsers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	users, err := s.Users.SearchUsers(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, gin.H{"success": true, "users": users})
}

func (s Service) getLastSeen(c *gin.Context) {
	uid := auth.MustUserID(c)
	userID, ok := httpx.ParamInt64(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	u, err := s.Users.User(ctx, userID)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	rec, err := s.Presence.Presence(ctx, userID)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	resp := gin.H{"success": true, "user_id": u.ID, "status": rec.Status, "last_seen": nil, "typing_in": nil}
	if rec.LastSeen != nil {
		resp["last_seen"] = rec.LastSeen.UTC().Format(time.RFC3339)
	}
	// Where someone types is only visible to members of that conversation.
	if rec.TypingIn != "" {
		err := s.Users.CheckAccess(ctx, rec.TypingIn, uid)
		switch {
		case err == nil:
			resp["typing_in"] = rec.TypingIn
		case !errors.Is(err, errors.Forbidden) && !errors.Is(err, errors.NotFound):
			httpx.Error(c, err)
			return
		}
	}
	httpx.OK(c, resp)
}
