package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Intercom/internal/adapters/signal"
	"github.com/dkeye/Intercom/internal/config"
	"github.com/dkeye/Intercom/internal/gateway"
)

func newEngine(mode string) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	return r
}

// SetupRelayRouter serves the signaling websocket on /ws/signal and on /
// for clients that dial the bare host.
func SetupRelayRouter(ctx context.Context, cfg *config.Config, ctl *signal.SignalWSController) *gin.Engine {
	r := newEngine(cfg.Mode)

	ws := func(c *gin.Context) {
		if !websocketRequest(c.Request) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "websocket upgrade required"})
			return
		}
		ctl.HandleSignal(ctx, c)
	}
	r.GET("/", ws)
	r.GET("/ws/signal", ws)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "peers": ctl.Hub.Members()})
	})

	log.Info().Str("module", "adapters.http").Int("port", cfg.Relay.Port).Msg("relay router setup")
	return r
}

func websocketRequest(r *http.Request) bool {
	return r.Header.Get("Upgrade") != ""
}

// SetupGatewayRouter mounts the token and artifact endpoints.
func SetupGatewayRouter(cfg *config.Config, srv *gateway.Server) *gin.Engine {
	r := newEngine(cfg.Mode)

	secret := cfg.Gateway.CookieSecret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn().Str("module", "adapters.http").Msg("no cookie secret configured, sessions will not survive a restart")
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", MaxAge: int(cfg.Gateway.TokenTTL.Seconds()), HttpOnly: true})
	r.Use(sessions.Sessions(gateway.SessionName, store))

	r.GET("/token", srv.IssueToken)
	r.GET("/getToken", srv.IssueToken)
	r.GET("/whoami", srv.Whoami)
	r.GET("/latest", srv.Latest)
	r.GET("/history", srv.History)
	r.GET("/artifacts/:name", srv.Artifact)
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	authed := r.Group("/", gateway.JWTAuth(cfg.Gateway.JWTSecret))
	authed.POST("/upload", srv.Upload)

	log.Info().Str("module", "adapters.http").Int("port", cfg.Gateway.Port).Msg("gateway router setup")
	return r
}
