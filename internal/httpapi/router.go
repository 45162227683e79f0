// Package httpapi serves the question answering pipeline over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"groundedqa/internal/domain"
	"groundedqa/internal/metrics"
	"groundedqa/internal/service"
)

// Service is the part of the pipeline the API exposes.
type Service interface {
	Ask(ctx context.Context, question, sessionID string, opts ...service.AskOption) (*domain.Answer, error)
	History(ctx context.Context, sessionID string, n int) []domain.ConversationTurn
	ResetSession(ctx context.Context, sessionID string) error
	Stats(ctx context.Context) (service.Stats, error)
}

type RouterConfig struct {
	Service Service
	Metrics *metrics.Metrics
	// AskTimeout bounds a single question. Zero leaves it to the client.
	AskTimeout time.Duration
	Log        zerolog.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(cfg.Log))

	h := &Handler{svc: cfg.Service, askTimeout: cfg.AskTimeout, log: cfg.Log}
	router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/ask", h.Ask)
		v1.GET("/sessions/:id/history", h.History)
		v1.DELETE("/sessions/:id", h.ResetSession)
		v1.GET("/stats", h.Stats)
	}
	return router
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}
