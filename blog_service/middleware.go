package main

import (
	"strings"
	"time"

	"github.com/alimx07/Blogging_Backend/blog_service/auth"
	"github.com/alimx07/Blogging_Backend/blog_service/metric"
	"github.com/alimx07/Blogging_Backend/blog_service/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalKey = "principal"

func loggingMiddleware(log *zap.Logger, metrics *metric.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		took := time.Since(start)
		metrics.RequestServed(c.Request.Method, route, c.Writer.Status(), took)
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", took),
			zap.String("client", c.ClientIP()))
	}
}

// authMiddleware requires a bearer token and stores the caller on the context.
func authMiddleware(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(c, nil, models.ErrUnauthenticated)
			c.Abort()
			return
		}
		principal, err := authService.ParseToken(token)
		if err != nil {
			writeError(c, nil, err)
			c.Abort()
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func principalFrom(c *gin.Context) (auth.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return auth.Principal{}, false
	}
	p, ok := v.(auth.Principal)
	return p, ok
}
