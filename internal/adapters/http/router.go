package http

import (
	"context"

	"github.com/avask/parley/internal/adapters/directory"
	"github.com/avask/parley/internal/adapters/signal"
	"github.com/avask/parley/internal/app"
	"github.com/avask/parley/internal/config"
	"github.com/avask/parley/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware issues the anonymous identity cookie and makes
// sure the directory knows the user behind it.
func ClientTokenMiddleware(dir *directory.Memory) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		short := token
		if len(short) > 8 {
			short = short[:8]
		}
		dir.EnsureUser(domain.UserID(token), "guest-"+short)
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *signal.Controller, reg *app.Registry, dir *directory.Memory) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ParleySessions", store))
	r.Use(ClientTokenMiddleware(dir))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	api.GET("/channels", func(c *gin.Context) {
		type channelView struct {
			ID           string `json:"id"`
			ServerID     string `json:"server_id"`
			Name         string `json:"name"`
			Participants int    `json:"participants"`
		}
		chans := dir.Channels(c.Request.Context())
		out := make([]channelView, 0, len(chans))
		for _, ch := range chans {
			out = append(out, channelView{
				ID:           string(ch.ID),
				ServerID:     string(ch.ServerID),
				Name:         ch.Name,
				Participants: reg.ParticipantCount(ch.ID),
			})
		}
		c.JSON(200, gin.H{"channels": out})
	})

	api.GET("/users/:id", func(c *gin.Context) {
		u, ok := dir.User(domain.UserID(c.Param("id")))
		if !ok {
			c.JSON(404, gin.H{"error": "unknown user"})
			return
		}
		c.JSON(200, u)
	})

	return r
}
