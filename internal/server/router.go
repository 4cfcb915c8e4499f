package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/auth"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/config"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/feed"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/metrics"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/mw"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/service"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps 是构建 HTTP 接口所需的全部依赖。
type Deps struct {
	Feed        feed.Feed
	Hub         *ws.Hub
	Users       *service.UserService
	Chats       *service.ChatService
	Messages    *service.MessageService
	Typing      *service.TypingService
	Analytics   *service.AnalyticsService
	Analyzer    Analyzer
	RateLimiter *mw.RL
}

// SetupRouter 统一初始化 Gin 中间件、/api/v1 下的 REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.RequestLog())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.AllowedOrigins))
	if d.RateLimiter != nil {
		r.Use(d.RateLimiter.Middleware())
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(d.Chats, d.Messages, d.Typing, d.Analytics, d.Analyzer)

	api := r.Group("/api/v1")
	api.Use(auth.AuthMiddleware(cfg.Auth.JWTSecret, d.Users))

	api.GET("/users", h.ListUsers)

	chats := api.Group("/chats")
	chats.GET("", h.ListChats)
	chats.POST("/direct", h.CreateDirectChat)
	chats.POST("/group", h.CreateGroupChat)
	chats.POST("/:id/participants", h.AddParticipant)
	chats.DELETE("/:id/participants/me", h.LeaveChat)
	chats.POST("/:id/read", h.MarkRead)
	chats.GET("/:id/messages", h.ListMessages)
	chats.POST("/:id/messages", h.SendMessage)
	chats.GET("/:id/typing", h.ListTyping)
	chats.POST("/:id/typing", h.SetTyping)

	messages := api.Group("/messages")
	messages.DELETE("/:id", h.DeleteMessage)
	messages.GET("/:id/analysis", h.GetAnalysis)
	messages.POST("/:id/analysis", h.Reanalyze)

	api.GET("/admin/stats", auth.RequireRole(auth.RoleAdmin), h.Stats)

	wsDeps := ws.Deps{
		Hub:      d.Hub,
		Users:    d.Users,
		Chats:    d.Chats,
		Messages: d.Messages,
		Typing:   d.Typing,
		Secret:   cfg.Auth.JWTSecret,
	}
	r.GET("/ws", ws.Serve(wsDeps))
	r.GET("/ws/directory", ws.ServeDirectory(wsDeps, d.Feed))
	return r
}
