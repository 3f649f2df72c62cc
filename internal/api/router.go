// Package api assembles the HTTP surface: the REST mirror under /api, the
// websocket route, health and metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ageniuscoder/palchat/backend/internal/auth"
	"github.com/ageniuscoder/palchat/backend/internal/chat"
	"github.com/ageniuscoder/palchat/backend/internal/conversations"
	"github.com/ageniuscoder/palchat/backend/internal/feature"
	"github.com/ageniuscoder/palchat/backend/internal/httpx"
	"github.com/ageniuscoder/palchat/backend/internal/messages"
	"github.com/ageniuscoder/palchat/backend/internal/presence"
	"github.com/ageniuscoder/palchat/backend/internal/profile"
	"github.com/ageniuscoder/palchat/backend/internal/store"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Store    *store.Store
	Presence *presence.Tracker
	Hub      *chat.Hub
	Verifier auth.Verifier
	DB       Pinger
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	Log      *slog.Logger
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Log))

	r.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := d.DB.Ping(ctx); err != nil {
			httpx.Err(c, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		httpx.OK(c, gin.H{"status": "ok", "connections": d.Hub.Registry().Len()})
	})
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	chat.RegisterWS(r.Group(""), d.Hub)

	rg := r.Group("/api")
	rg.Use(auth.JWTMiddleware(d.Verifier))
	conversations.Register(rg, d.Store, d.Presence, d.Hub)
	messages.Register(rg, d.Store, d.Hub)
	feature.Register(rg, d.Store, d.Presence, d.Hub)
	profile.Register(rg, d.Store)
	return r
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if uid := auth.MustUserID(c); uid != 0 {
			attrs = append(attrs, "user_id", uid)
		}
		if len(c.Errors) > 0 {
			log.Error("request failed", append(attrs, "err", c.Errors.String())...)
			return
		}
		log.Debug("request", attrs...)
	}
}
