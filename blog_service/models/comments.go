package models

import "sort"

const maxReplyDepth = 64

// BuildCommentTree nests a flat comment list under their parents.
// Top-level comments come newest first, replies oldest first.
// Comments whose parent is not in the list are dropped, and so are replies
// nested deeper than maxReplyDepth.
func BuildCommentTree(flat []CommentView) []CommentView {
	children := make(map[int64][]CommentView)
	var roots []CommentView
	for _, c := range flat {
		if c.ParentCommentID == nil {
			roots = append(roots, c)
			continue
		}
		children[*c.ParentCommentID] = append(children[*c.ParentCommentID], c)
	}

	var attach func(c CommentView, depth int) CommentView
	attach = func(c CommentView, depth int) CommentView {
		replies := children[c.ID]
		sort.SliceStable(replies, func(i, j int) bool {
			return olderFirst(replies[i], replies[j])
		})
		c.Replies = make([]CommentView, 0, len(replies))
		if depth < maxReplyDepth {
			for _, r := range replies {
				c.Replies = append(c.Replies, attach(r, depth+1))
			}
		}
		return c
	}

	sort.SliceStable(roots, func(i, j int) bool {
		return olderFirst(roots[j], roots[i])
	})
	tree := make([]CommentView, 0, len(roots))
	for _, r := range roots {
		tree = append(tree, attach(r, 0))
	}
	return tree
}

func olderFirst(a, b CommentView) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
