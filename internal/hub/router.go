package hub

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/courtcast/relay/internal/config"
	"github.com/courtcast/relay/internal/domain"
)

// ClientTokenMiddleware tags each browser with a stable token, used only for
// log correlation across reconnects.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, h *Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RelaySessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	api := r.Group("/api")

	// Operational visibility only; match CRUD lives elsewhere.
	api.GET("/matches", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"matches": h.Matches()})
	})

	api.GET("/matches/:id", func(c *gin.Context) {
		info, ok := h.Match(domain.MatchID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	api.GET("/ws/signal", func(c *gin.Context) {
		ctl := &Controller{Hub: h, Cfg: cfg}
		ctl.HandleSignal(ctx, c)
	})

	return r
}
