package postRepo

import (
	"context"

	"github.com/alimx07/Blogging_Backend/blog_service/models"
)

// PersistenceDB is the durable store. Every method may fail with a wrapped
// driver error; missing rows are reported as models.ErrNotFound.
type PersistenceDB interface {
	GetPost(ctx context.Context, id int64) (models.PostView, error)
	GetPostBySlug(ctx context.Context, slug string) (models.PostView, error)
	CreatePost(ctx context.Context, post models.Post, categoryIDs []int64) (models.PostView, error)
	UpdatePost(ctx context.Context, id int64, in models.PostInput) (models.PostView, error)
	DeletePost(ctx context.Context, id int64) error
	ListPosts(ctx context.Context, q models.ListPostsQuery) ([]models.PostView, error)
	IncrementPostViews(ctx context.Context, id int64, delta int64) error

	ListCategories(ctx context.Context) ([]models.Category, error)
	CreateCategory(ctx context.Context, name string) (models.Category, error)

	CreateComment(ctx context.Context, comment models.Comment) (models.CommentView, error)
	GetComment(ctx context.Context, id int64) (models.Comment, error)
	UpdateComment(ctx context.Context, id int64, content string) (models.CommentView, error)
	DeleteComment(ctx context.Context, id int64) error
	ListComments(ctx context.Context, postID int64) ([]models.CommentView, error)

	SetReaction(ctx context.Context, reaction models.Reaction) error
	DeleteReaction(ctx context.Context, reaction models.Reaction) error

	CreateUser(ctx context.Context, user models.User) error
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	GetUserProfile(ctx context.Context, userID string) (models.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)

	Ping(ctx context.Context) error
	Close()
}
