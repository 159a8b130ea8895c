package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alimx07/Blogging_Backend/blog_service/auth"
	"github.com/alimx07/Blogging_Backend/blog_service/fanout"
	"github.com/alimx07/Blogging_Backend/blog_service/metric"
	"github.com/alimx07/Blogging_Backend/blog_service/models"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	config     models.ServerConfig
	engine     *gin.Engine
	httpServer *http.Server
	handler    *Handler
	bridge     *fanout.Bridge
	limiter    *RateLimiter
	log        *zap.Logger

	db    pinger
	cache pinger

	// cancelled on shutdown so open websockets return
	baseCtx    context.Context
	cancelBase context.CancelFunc
	sockets    sync.WaitGroup
}

type ServerDeps struct {
	Handler  *Handler
	Auth     *auth.Service
	Bridge   *fanout.Bridge
	Limiter  *RateLimiter
	Metrics  *metric.Metrics
	Gatherer prometheus.Gatherer
	DB       pinger
	Cache    pinger
}

func NewServer(config models.ServerConfig, deps ServerDeps, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		engine:     gin.New(),
		handler:    deps.Handler,
		bridge:     deps.Bridge,
		limiter:    deps.Limiter,
		log:        log,
		db:         deps.DB,
		cache:      deps.Cache,
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	s.engine.Use(gin.Recovery(), loggingMiddleware(log, deps.Metrics))
	s.addRoutes(deps)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(config.Host, config.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer.RegisterOnShutdown(cancel)
	return s
}

func (s *Server) rateLimit(rule string) gin.HandlerFunc {
	if s.limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return s.limiter.Middleware(rule)
}

func (s *Server) addRoutes(deps ServerDeps) {
	h := s.handler
	authRequired := authMiddleware(deps.Auth)

	authGroup := s.engine.Group("/auth")
	authGroup.POST("/register", s.rateLimit("auth"), h.Register)
	authGroup.POST("/login", s.rateLimit("auth"), h.Login)
	authGroup.POST("/refresh", authRequired, h.Refresh)
	authGroup.GET("/me", authRequired, h.Me)

	posts := s.engine.Group("/posts")
	posts.GET("", s.rateLimit("read"), h.ListPosts)
	posts.GET("/:id", s.rateLimit("read"), h.GetPost)
	posts.GET("/slug/:slug", s.rateLimit("read"), h.GetPostBySlug)
	posts.POST("", authRequired, s.rateLimit("write"), h.CreatePost)
	posts.PUT("/:id", authRequired, s.rateLimit("write"), h.UpdatePost)
	posts.DELETE("/:id", authRequired, s.rateLimit("write"), h.DeletePost)
	posts.PUT("/:id/reactions/:type", authRequired, s.rateLimit("write"), h.AddReaction)
	posts.DELETE("/:id/reactions/:type", authRequired, s.rateLimit("write"), h.RemoveReaction)

	s.engine.GET("/categories", s.rateLimit("read"), h.ListCategories)
	s.engine.POST("/categories", authRequired, h.CreateCategory)

	comments := s.engine.Group("/comments")
	comments.GET("/:post_id", s.rateLimit("read"), h.ListComments)
	comments.POST("/:post_id", authRequired, s.rateLimit("write"), h.CreateComment)
	comments.PUT("/:comment_id", authRequired, s.rateLimit("write"), h.UpdateComment)
	comments.DELETE("/:comment_id", authRequired, s.rateLimit("write"), h.DeleteComment)

	s.engine.GET("/ws/comments/:post_id", s.CommentsSocket)

	s.engine.GET("/health", s.health)
	if deps.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, p := range map[string]pinger{"database": s.db, "cache": s.cache} {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

// Start blocks until the server stops. A graceful shutdown is not an error.
func (s *Server) Start() error {
	s.log.Info("blog service listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and then for
// open websockets, which Shutdown itself does not track.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.closeSockets(ctx)
	return err
}

func (s *Server) closeSockets(ctx context.Context) {
	s.cancelBase()
	done := make(chan struct{})
	go func() {
		s.sockets.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("websockets still open after shutdown timeout")
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}
