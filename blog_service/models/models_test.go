package models

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func comment(id int64, parent *int64, at time.Time) CommentView {
	return CommentView{Comment: Comment{ID: id, PostID: 1, ParentCommentID: parent, CreatedAt: at}}
}

func ptr(v int64) *int64 { return &v }

func TestBuildCommentTree(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	flat := []CommentView{
		comment(1, nil, base),
		comment(2, nil, base.Add(time.Minute)),
		comment(3, ptr(1), base.Add(3*time.Minute)),
		comment(4, ptr(1), base.Add(2*time.Minute)),
		comment(5, ptr(4), base.Add(4*time.Minute)),
		comment(6, ptr(99), base), // orphan
	}

	tree := BuildCommentTree(flat)

	require.Len(t, tree, 2)
	assert.Equal(t, int64(2), tree[0].ID, "newest root first")
	assert.Empty(t, tree[0].Replies)
	assert.Equal(t, int64(1), tree[1].ID)

	replies := tree[1].Replies
	require.Len(t, replies, 2)
	assert.Equal(t, int64(4), replies[0].ID, "oldest reply first")
	assert.Equal(t, int64(3), replies[1].ID)
	require.Len(t, replies[0].Replies, 1)
	assert.Equal(t, int64(5), replies[0].Replies[0].ID)
}

func TestBuildCommentTreeTiesByID(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tree := BuildCommentTree([]CommentView{
		comment(1, nil, at),
		comment(3, ptr(1), at),
		comment(2, ptr(1), at),
	})
	require.Len(t, tree, 1)
	require.Len(t, tree[0].Replies, 2)
	assert.Equal(t, int64(2), tree[0].Replies[0].ID)
	assert.Equal(t, int64(3), tree[0].Replies[1].ID)
}

func TestBuildCommentTreeDepthIsBounded(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	flat := []CommentView{comment(1, nil, at)}
	for id := int64(2); id <= maxReplyDepth+5; id++ {
		flat = append(flat, comment(id, ptr(id-1), at))
	}

	tree := BuildCommentTree(flat)
	require.Len(t, tree, 1)
	depth := 0
	for node := tree[0]; len(node.Replies) > 0; node = node.Replies[0] {
		depth++
	}
	assert.Equal(t, maxReplyDepth, depth)
}

func TestRegisterInputValidate(t *testing.T) {
	tests := []struct {
		name  string
		in    RegisterInput
		field string
	}{
		{"ok", RegisterInput{Email: " Alice@Example.COM ", Username: "alice", Password: "password1"}, ""},
		{"short username", RegisterInput{Email: "a@b.co", Username: "al", Password: "password1"}, "username"},
		{"long username", RegisterInput{Email: "a@b.co", Username: strings.Repeat("a", 51), Password: "password1"}, "username"},
		{"bad email", RegisterInput{Email: "nope", Username: "alice", Password: "password1"}, "email"},
		{"short password", RegisterInput{Email: "a@b.co", Username: "alice", Password: "short"}, "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				assert.Equal(t, "alice@example.com", tt.in.Email)
				return
			}
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestPostInputValidate(t *testing.T) {
	in := PostInput{Title: "  Hello  ", Content: "body"}
	require.NoError(t, in.Validate())
	assert.Equal(t, "Hello", in.Title)
	assert.Equal(t, StatusDraft, in.Status)

	in = PostInput{Title: strings.Repeat("x", MaxTitleLength+1), Content: "body"}
	assert.ErrorIs(t, in.Validate(), ErrValidation)

	in = PostInput{Title: "t", Content: "body", Status: "deleted"}
	assert.ErrorIs(t, in.Validate(), ErrValidation)

	in = PostInput{Title: "t", Content: " "}
	assert.ErrorIs(t, in.Validate(), ErrValidation)
}

func TestCommentInputValidate(t *testing.T) {
	in := CommentInput{Content: strings.Repeat("x", MaxCommentLength+1)}
	assert.ErrorIs(t, in.Validate(), ErrValidation)

	in = CommentInput{Content: "hi", ParentCommentID: ptr(0)}
	assert.ErrorIs(t, in.Validate(), ErrValidation)

	in = CommentInput{Content: " hi "}
	require.NoError(t, in.Validate())
	assert.Equal(t, "hi", in.Content)
}

func TestListPostsQuery(t *testing.T) {
	q := ListPostsQuery{Page: 3, Limit: 20}
	require.NoError(t, q.Validate())
	assert.Equal(t, 40, q.Offset())

	assert.Error(t, (&ListPostsQuery{Page: 0, Limit: 10}).Validate())
	assert.Error(t, (&ListPostsQuery{Page: 1, Limit: 101}).Validate())
	assert.Error(t, (&ListPostsQuery{Page: 1, Limit: 10, Status: "x"}).Validate())
}
