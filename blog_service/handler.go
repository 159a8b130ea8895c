package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/alimx07/Blogging_Backend/blog_service/auth"
	"github.com/alimx07/Blogging_Backend/blog_service/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	blog *blogService
	auth *auth.Service
	log  *zap.Logger
}

func NewHandler(blog *blogService, authService *auth.Service, log *zap.Logger) *Handler {
	return &Handler{blog: blog, auth: authService, log: log}
}

// writeError maps the error taxonomy onto status codes. Unknown errors are
// logged and reported without detail.
func writeError(c *gin.Context, log *zap.Logger, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"detail": verr.Error()})
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrConflict):
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
	case errors.Is(err, models.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"detail": "not allowed to modify this resource"})
	case errors.Is(err, models.ErrUnauthenticated):
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "could not validate credentials"})
	default:
		if log != nil {
			log.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal server error"})
	}
}

func idParam(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, models.Invalid(name, "must be a positive integer")
	}
	return id, nil
}

func bindJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		return models.Invalid("body", err.Error())
	}
	return nil
}

// mustPrincipal is only used behind authMiddleware.
func mustPrincipal(c *gin.Context) auth.Principal {
	p, _ := principalFrom(c)
	return p
}

// Auth

func (h *Handler) Register(c *gin.Context) {
	var in models.RegisterInput
	if err := bindJSON(c, &in); err != nil {
		writeError(c, h.log, err)
		return
	}
	user, err := h.auth.Register(c.Request.Context(), in)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *Handler) Login(c *gin.Context) {
	var in models.LoginInput
	if err := bindJSON(c, &in); err != nil {
		writeError(c, h.log, err)
		return
	}
	token, err := h.auth.Login(c.Request.Context(), in)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

func (h *Handler) Refresh(c *gin.Context) {
	token, err := h.auth.Refresh(mustPrincipal(c))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

func (h *Handler) Me(c *gin.Context) {
	user, err := h.blog.Profile(c.Request.Context(), mustPrincipal(c).UserID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// Posts

func (h *Handler) CreatePost(c *gin.Context) {
	var in models.PostInput
	if err := bindJSON(c, &in); err != nil {
		writeError(c, h.log, err)
		return
	}
	post, err := h.blog.CreatePost(c.Request.Context(), mustPrincipal(c), in)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, post)
}

func (h *Handler) ListPosts(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		writeError(c, h.log, models.Invalid("page", "must be an integer"))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil {
		writeError(c, h.log, models.Invalid("limit", "must be an integer"))
		return
	}
	posts, err := h.blog.ListPosts(c.Request.Context(), models.ListPostsQuery{
		Page:   page,
		Limit:  limit,
		Status: models.PostStatus(c.Query("status")),
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if posts == nil {
		posts = []models.PostView{}
	}
	c.JSON(http.StatusOK, posts)
}

// views are only counted when the client asks for it
func incrementView(c *gin.Context) (bool, error) {
	v, err := strconv.ParseBool(c.DefaultQuery("increment_view", "false"))
	if err != nil {
		return false, models.Invalid("increment_view", "must be a boolean")
	}
	return v, nil
}

func (h *Handler) GetPost(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	inc, err := incrementView(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	post, err := h.blog.GetPost(c.Request.Context(), id, inc)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, post)
}

func (h *Handler) GetPostBySlug(c *gin.Context) {
	inc, err := incrementView(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	post, err := h.blog.GetPostBySlug(c.Request.Context(), c.Param("slug"), inc)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, post)
}

func (h *Handler) UpdatePost(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	var in models.PostInput
	if err := bindJSON(c, &in); err != nil {
		writeError(c, h.log, err)
		return
	}
	post, err := h.blog.UpdatePost(c.Request.Context(), mustPrincipal(c), id, in)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, post)
}

func (h *Handler) DeletePost(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if err := h.blog.DeletePost(c.Request.Context(), mustPrincipal(c), id); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) react(c *gin.Context, on bool) {
	id, err := idParam(c, "id")
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	kind := models.ReactionType(c.Param("type"))
	if err := h.blog.React(c.Request.Context(), mustPrincipal(c), id, kind, on); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) AddReaction(c *gin.Context)    { h.react(c, true) }
func (h *Handler) RemoveReaction(c *gin.Context) { h.react(c, false) }

// Categories

func (h *Handler) ListCategories(c *gin.Context) {
	categories, err := h.blog.ListCategories(c.Request.Context())
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if categories == nil {
		categories = []models.Category{}
	}
	c.JSON(http.StatusOK, categories)
}

func (h *Handler) CreateCategory(c *gin.Context) {
	var in struct {
		Name string `json:"name"`
	}
	if err := bindJSON(c, &in); err != nil {
		writeError(c, h.log, err)
		return
	}
	category, err := h.blog.CreateCategory(c.Request.Context(), mustPrincipal(c), in.Name)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, category)
}

// Comments

func (h *Handler) CreateComment(c *gin.Context) {
	postID, err := idParam(c, "post_id")
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	var in models.CommentInput
	if err := bindJSON(c, &in); err != nil {
		writeError(c, h.log, err)
		return
	}
	comment, err := h.blog.CreateComment(c.Request.Context(), mustPrincipal(c), postID, in)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

func (h *Handler) ListComments(c *gin.Context) {
	postID, err := idParam(c, "post_id")
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	comments, err := h.blog.ListComments(c.Request.Context(), postID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, comments)
}

func (h *Handler) UpdateComment(c *gin.Context) {
	id, err := idParam(c, "comment_id")
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	var in models.CommentInput
	if err := bindJSON(c, &in); err != nil {
		writeError(c, h.log, err)
		return
	}
	// replies cannot be moved
	in.ParentCommentID = nil
	comment, err := h.blog.UpdateComment(c.Request.Context(), mustPrincipal(c), id, in)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

func (h *Handler) DeleteComment(c *gin.Context) {
	id, err := idParam(c, "comment_id")
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if err := h.blog.DeleteComment(c.Request.Context(), mustPrincipal(c), id); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
