package models

import (
	"regexp"
	"strings"
	"time"
)

const (
	MaxTitleLength   = 200
	MaxCommentLength = 5000
	MaxPageLimit     = 100
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

type RegisterInput struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (in *RegisterInput) Validate() error {
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.Username = strings.TrimSpace(in.Username)
	if len(in.Username) < 3 {
		return Invalid("username", "must be at least 3 characters")
	}
	if len(in.Username) > 50 {
		return Invalid("username", "must be at most 50 characters")
	}
	if !emailRegex.MatchString(in.Email) {
		return Invalid("email", "invalid email format")
	}
	if len(in.Password) < 8 {
		return Invalid("password", "must be at least 8 characters")
	}
	return nil
}

type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (in *LoginInput) Validate() error {
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	if in.Email == "" || in.Password == "" {
		return Invalid("credentials", "email and password are required")
	}
	return nil
}

type PostInput struct {
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Status      PostStatus `json:"status"`
	CategoryIDs []int64    `json:"category_ids"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

func (in *PostInput) Validate() error {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return Invalid("title", "must not be empty")
	}
	if len(in.Title) > MaxTitleLength {
		return Invalid("title", "too long")
	}
	if strings.TrimSpace(in.Content) == "" {
		return Invalid("content", "must not be empty")
	}
	if in.Status == "" {
		in.Status = StatusDraft
	}
	if !in.Status.Valid() {
		return Invalid("status", "must be one of draft, published, archived")
	}
	for _, id := range in.CategoryIDs {
		if id <= 0 {
			return Invalid("category_ids", "ids must be positive")
		}
	}
	return nil
}

type CommentInput struct {
	Content         string `json:"content"`
	ParentCommentID *int64 `json:"parent_comment_id"`
}

func (in *CommentInput) Validate() error {
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return Invalid("content", "must not be empty")
	}
	if len(in.Content) > MaxCommentLength {
		return Invalid("content", "too long")
	}
	if in.ParentCommentID != nil && *in.ParentCommentID <= 0 {
		return Invalid("parent_comment_id", "must be positive")
	}
	return nil
}

type ListPostsQuery struct {
	Page   int
	Limit  int
	Status PostStatus
}

func (q *ListPostsQuery) Validate() error {
	if q.Page < 1 {
		return Invalid("page", "must be >= 1")
	}
	if q.Limit < 1 || q.Limit > MaxPageLimit {
		return Invalid("limit", "must be between 1 and 100")
	}
	if q.Status != "" && !q.Status.Valid() {
		return Invalid("status", "must be one of draft, published, archived")
	}
	return nil
}

func (q ListPostsQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}
