package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Config configures the control API router.
type Config struct {
	// AuthToken, when set, is required as a bearer token on /v1 routes.
	AuthToken    string
	AllowOrigins []string
	// SyncHook, when set, is mounted at POST /v1/hooks/sync.
	SyncHook http.Handler
}

func NewRouter(cfg Config, h *Handler) *gin.Engine {
	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	if cfg.SyncHook != nil {
		// Signed with HMAC, so it sits outside bearer auth.
		v1.POST("/hooks/sync", gin.WrapH(cfg.SyncHook))
	}

	offline := v1.Group("/offline")
	offline.Use(Auth(cfg.AuthToken))
	{
		offline.GET("/status", h.Status)
		offline.GET("/sessions", h.ListSessions)
		offline.POST("/sessions", h.SaveSession)
		offline.DELETE("/sessions/:id", h.DeleteSession)
		offline.GET("/recordings", h.ListRecordings)
		offline.POST("/recordings", h.SaveRecording)
		offline.DELETE("/recordings/:id", h.DeleteRecording)
		offline.POST("/sync", h.Sync)
	}
	return r
}
