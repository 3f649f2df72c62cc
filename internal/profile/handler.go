package profile

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ageniuscoder/palchat/backend/internal/auth"
	"github.com/ageniuscoder/palchat/backend/internal/httpx"
	"github.com/ageniuscoder/palchat/backend/internal/store"
)

type Users interface {
	User(ctx context.Context, id int64) (store.User, error)
}

type Service struct {
	Users Users
}

func Register(rg *gin.RouterGroup, users Users) {
	s := Service{
		Users: users,
	}
	rg.GET("/me", s.getMe)
}

func (s Service) getMe(c *gin.Context) {
	uid := auth.MustUserID(c)

	if uid == 0 {
		httpx.Err(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	u, err := s.Users.User(c.Request.Context(), uid)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, u)
}
