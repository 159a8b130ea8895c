package main

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/alimx07/Blogging_Backend/blog_service/aggregator"
	"github.com/alimx07/Blogging_Backend/blog_service/auth"
	"github.com/alimx07/Blogging_Backend/blog_service/fanout"
	"github.com/alimx07/Blogging_Backend/blog_service/invalidation"
	"github.com/alimx07/Blogging_Backend/blog_service/models"
	"github.com/alimx07/Blogging_Backend/blog_service/postRepo"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const maxSlugBase = 80

// blogService runs every mutation as durable write, then cache invalidation,
// then realtime publish.
type blogService struct {
	presistanceDB postRepo.PersistenceDB
	policy        *invalidation.Policy
	views         *aggregator.Aggregator
	bridge        *fanout.Bridge
	log           *zap.Logger
}

func newBlogService(db postRepo.PersistenceDB, policy *invalidation.Policy, views *aggregator.Aggregator,
	bridge *fanout.Bridge, log *zap.Logger) *blogService {
	return &blogService{
		presistanceDB: db,
		policy:        policy,
		views:         views,
		bridge:        bridge,
		log:           log,
	}
}

// slugify keeps letters and digits and joins the words with dashes.
func slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	base := strings.TrimRight(b.String(), "-")
	if len(base) > maxSlugBase {
		base = strings.TrimRight(strings.ToValidUTF8(base[:maxSlugBase], ""), "-")
	}
	if base == "" {
		base = "post"
	}
	id := strings.ToLower(ulid.Make().String())
	return base + "-" + id[len(id)-8:]
}

func canModify(p auth.Principal, ownerID string) bool {
	return p.IsAdmin() || p.UserID == ownerID
}

func (bs *blogService) CreatePost(ctx context.Context, p auth.Principal, in models.PostInput) (models.PostView, error) {
	if err := in.Validate(); err != nil {
		return models.PostView{}, err
	}
	post, err := bs.presistanceDB.CreatePost(ctx, models.Post{
		AuthorID:    p.UserID,
		Title:       in.Title,
		Slug:        slugify(in.Title),
		Content:     in.Content,
		Status:      in.Status,
		ScheduledAt: in.ScheduledAt,
	}, in.CategoryIDs)
	if err != nil {
		return models.PostView{}, err
	}
	bs.policy.Apply(ctx, invalidation.Mutation{Kind: invalidation.PostCreated, PostID: post.ID, Slug: post.Slug})
	bs.log.Info("post created", zap.Int64("post_id", post.ID), zap.String("author_id", p.UserID))
	return post, nil
}

func (bs *blogService) GetPost(ctx context.Context, id int64, incrementView bool) (models.PostView, error) {
	post, err := invalidation.ReadThrough(ctx, bs.policy, invalidation.PostByIDKey(id),
		func(ctx context.Context) (models.PostView, error) {
			return bs.presistanceDB.GetPost(ctx, id)
		})
	if err != nil {
		return models.PostView{}, err
	}
	if incrementView {
		bs.views.RecordViewAndMaybeFlush(ctx, post.ID)
	}
	return post, nil
}

func (bs *blogService) GetPostBySlug(ctx context.Context, slug string, incrementView bool) (models.PostView, error) {
	post, err := invalidation.ReadThrough(ctx, bs.policy, invalidation.PostBySlugKey(slug),
		func(ctx context.Context) (models.PostView, error) {
			return bs.presistanceDB.GetPostBySlug(ctx, slug)
		})
	if err != nil {
		return models.PostView{}, err
	}
	if incrementView {
		bs.views.RecordViewAndMaybeFlush(ctx, post.ID)
	}
	return post, nil
}

func (bs *blogService) ListPosts(ctx context.Context, q models.ListPostsQuery) ([]models.PostView, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return bs.presistanceDB.ListPosts(ctx, q)
}

func (bs *blogService) UpdatePost(ctx context.Context, p auth.Principal, id int64, in models.PostInput) (models.PostView, error) {
	if err := in.Validate(); err != nil {
		return models.PostView{}, err
	}
	existing, err := bs.presistanceDB.GetPost(ctx, id)
	if err != nil {
		return models.PostView{}, err
	}
	if !canModify(p, existing.AuthorID) {
		return models.PostView{}, models.ErrForbidden
	}
	post, err := bs.presistanceDB.UpdatePost(ctx, id, in)
	if err != nil {
		return models.PostView{}, err
	}
	bs.policy.Apply(ctx, invalidation.Mutation{Kind: invalidation.PostUpdated, PostID: id, Slug: existing.Slug})
	return post, nil
}

func (bs *blogService) DeletePost(ctx context.Context, p auth.Principal, id int64) error {
	existing, err := bs.presistanceDB.GetPost(ctx, id)
	if err != nil {
		return err
	}
	if !canModify(p, existing.AuthorID) {
		return models.ErrForbidden
	}
	if err := bs.presistanceDB.DeletePost(ctx, id); err != nil {
		return err
	}
	bs.policy.Apply(ctx, invalidation.Mutation{Kind: invalidation.PostDeleted, PostID: id, Slug: existing.Slug})
	bs.log.Info("post deleted", zap.Int64("post_id", id), zap.String("by", p.UserID))
	return nil
}

func (bs *blogService) React(ctx context.Context, p auth.Principal, postID int64, kind models.ReactionType, on bool) error {
	if !kind.Valid() {
		return models.Invalid("type", "must be like or bookmark")
	}
	post, err := bs.presistanceDB.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	reaction := models.Reaction{UserID: p.UserID, PostID: postID, Type: kind}
	if on {
		err = bs.presistanceDB.SetReaction(ctx, reaction)
	} else {
		err = bs.presistanceDB.DeleteReaction(ctx, reaction)
	}
	if err != nil {
		return err
	}
	bs.policy.Apply(ctx, invalidation.Mutation{Kind: invalidation.PostReacted, PostID: postID, Slug: post.Slug})
	return nil
}

func (bs *blogService) ListCategories(ctx context.Context) ([]models.Category, error) {
	return bs.presistanceDB.ListCategories(ctx)
}

func (bs *blogService) CreateCategory(ctx context.Context, p auth.Principal, name string) (models.Category, error) {
	if !p.IsAdmin() {
		return models.Category{}, models.ErrForbidden
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 50 {
		return models.Category{}, models.Invalid("name", "must be 1 to 50 characters")
	}
	return bs.presistanceDB.CreateCategory(ctx, name)
}

func (bs *blogService) CreateComment(ctx context.Context, p auth.Principal, postID int64, in models.CommentInput) (models.CommentView, error) {
	if err := in.Validate(); err != nil {
		return models.CommentView{}, err
	}
	if _, err := bs.presistanceDB.GetPost(ctx, postID); err != nil {
		return models.CommentView{}, err
	}
	if in.ParentCommentID != nil {
		parent, err := bs.presistanceDB.GetComment(ctx, *in.ParentCommentID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return models.CommentView{}, err
		}
		if err != nil || parent.PostID != postID {
			return models.CommentView{}, models.Invalid("parent_comment_id", "no such comment on this post")
		}
	}
	comment, err := bs.presistanceDB.CreateComment(ctx, models.Comment{
		PostID:          postID,
		UserID:          p.UserID,
		ParentCommentID: in.ParentCommentID,
		Content:         in.Content,
	})
	if err != nil {
		return models.CommentView{}, err
	}
	bs.policy.Apply(ctx, invalidation.Mutation{Kind: invalidation.CommentCreated, PostID: postID})
	bs.bridge.PublishCommentUpsert(ctx, postID, comment)
	return comment, nil
}

func (bs *blogService) ListComments(ctx context.Context, postID int64) ([]models.CommentView, error) {
	return invalidation.ReadThrough(ctx, bs.policy, invalidation.CommentsByPostKey(postID),
		func(ctx context.Context) ([]models.CommentView, error) {
			comments, err := bs.presistanceDB.ListComments(ctx, postID)
			if comments == nil && err == nil {
				comments = []models.CommentView{}
			}
			return comments, err
		})
}

func (bs *blogService) UpdateComment(ctx context.Context, p auth.Principal, commentID int64, in models.CommentInput) (models.CommentView, error) {
	if err := in.Validate(); err != nil {
		return models.CommentView{}, err
	}
	existing, err := bs.presistanceDB.GetComment(ctx, commentID)
	if err != nil {
		return models.CommentView{}, err
	}
	if existing.UserID != p.UserID {
		return models.CommentView{}, models.ErrForbidden
	}
	comment, err := bs.presistanceDB.UpdateComment(ctx, commentID, in.Content)
	if err != nil {
		return models.CommentView{}, err
	}
	bs.policy.Apply(ctx, invalidation.Mutation{Kind: invalidation.CommentUpdated, PostID: existing.PostID})
	bs.bridge.PublishCommentUpsert(ctx, existing.PostID, comment)
	return comment, nil
}

func (bs *blogService) DeleteComment(ctx context.Context, p auth.Principal, commentID int64) error {
	existing, err := bs.presistanceDB.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if existing.UserID != p.UserID {
		return models.ErrForbidden
	}
	if err := bs.presistanceDB.DeleteComment(ctx, commentID); err != nil {
		return err
	}
	bs.policy.Apply(ctx, invalidation.Mutation{Kind: invalidation.CommentDeleted, PostID: existing.PostID})
	bs.bridge.PublishCommentDelete(ctx, existing.PostID, commentID)
	return nil
}

func (bs *blogService) Profile(ctx context.Context, userID string) (models.User, error) {
	user, err := bs.presistanceDB.GetUserProfile(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return models.User{}, models.ErrUnauthenticated
	}
	return user, err
}
