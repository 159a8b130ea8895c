package postRepo

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alimx07/Blogging_Backend/blog_service/models"
	"github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Compile-time interface check.
var _ PersistenceDB = (*SQLRepo)(nil)

// SQLRepo implements PersistenceDB on database/sql. Queries are written with
// "?" placeholders and rebound to "$n" for postgres.
type SQLRepo struct {
	dialect   Dialect
	primaryDB *sql.DB // writes and cached reads
	replicaDB *sql.DB // listing reads
	log       *zap.Logger
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func NewSQLRepo(dialect Dialect, primaryDB, replicaDB *sql.DB, log *zap.Logger) *SQLRepo {
	if replicaDB == nil {
		replicaDB = primaryDB
	}
	return &SQLRepo{
		dialect:   dialect,
		primaryDB: primaryDB,
		replicaDB: replicaDB,
		log:       log,
	}
}

// OpenSQLite opens a sqlite database. Use ":memory:" for an in-memory database.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("postRepo: open sqlite: %w", err)
	}
	// single writer, and a single connection keeps ":memory:" alive
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("postRepo: enable foreign keys: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the tables if they do not exist yet.
func (r *SQLRepo) EnsureSchema(ctx context.Context) error {
	data, err := schemaFS.ReadFile("schema/" + string(r.dialect) + ".sql")
	if err != nil {
		return fmt.Errorf("postRepo: no schema for dialect %q: %w", r.dialect, err)
	}
	for _, stmt := range strings.Split(string(data), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := r.primaryDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postRepo: apply schema: %w", err)
		}
	}
	return nil
}

func (r *SQLRepo) q(query string) string {
	if r.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const postColumns = `p.id, p.author_id, COALESCE(u.username, ''), p.title, p.slug, p.content, p.status,
	p.scheduled_at, p.views, p.created_at, p.updated_at,
	(SELECT COUNT(*) FROM reactions r WHERE r.post_id = p.id AND r.type = 'like'),
	(SELECT COUNT(*) FROM reactions r WHERE r.post_id = p.id AND r.type = 'bookmark')
	FROM posts p LEFT JOIN users u ON u.id = p.author_id`

func scanPost(s rowScanner) (models.PostView, error) {
	var (
		p                           models.PostView
		status                      string
		scheduled, created, updated dbTime
	)
	err := s.Scan(&p.ID, &p.AuthorID, &p.AuthorUsername, &p.Title, &p.Slug, &p.Content, &status,
		&scheduled, &p.Views, &created, &updated, &p.LikeCount, &p.BookmarkCount)
	if err != nil {
		return models.PostView{}, err
	}
	p.Status = models.PostStatus(status)
	p.ScheduledAt = scheduled.Ptr()
	p.CreatedAt = created.Time
	p.UpdatedAt = updated.Time
	p.Categories = []models.Category{}
	return p, nil
}

func (r *SQLRepo) getPostView(ctx context.Context, db querier, where string, arg any) (models.PostView, error) {
	row := db.QueryRowContext(ctx, r.q("SELECT "+postColumns+" WHERE "+where), arg)
	post, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PostView{}, models.ErrNotFound
	}
	if err != nil {
		return models.PostView{}, fmt.Errorf("postRepo: get post: %w", err)
	}
	cats, err := r.categoriesFor(ctx, db, []int64{post.ID})
	if err != nil {
		return models.PostView{}, err
	}
	if c, ok := cats[post.ID]; ok {
		post.Categories = c
	}
	return post, nil
}

func (r *SQLRepo) categoriesFor(ctx context.Context, db querier, ids []int64) (map[int64][]models.Category, error) {
	res := make(map[int64][]models.Category)
	if len(ids) == 0 {
		return res, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := db.QueryContext(ctx, r.q(`SELECT pc.post_id, c.id, c.name FROM post_categories pc
		JOIN categories c ON c.id = pc.category_id
		WHERE pc.post_id IN (`+placeholders+`) ORDER BY c.name`), args...)
	if err != nil {
		return nil, fmt.Errorf("postRepo: query categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var postID int64
		var c models.Category
		if err := rows.Scan(&postID, &c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("postRepo: scan category: %w", err)
		}
		res[postID] = append(res[postID], c)
	}
	return res, rows.Err()
}

// Cached reads go to the primary so a read-through right after an
// invalidation never sees a lagging replica.
func (r *SQLRepo) GetPost(ctx context.Context, id int64) (models.PostView, error) {
	return r.getPostView(ctx, r.primaryDB, "p.id = ?", id)
}

func (r *SQLRepo) GetPostBySlug(ctx context.Context, slug string) (models.PostView, error) {
	return r.getPostView(ctx, r.primaryDB, "p.slug = ?", slug)
}

func (r *SQLRepo) CreatePost(ctx context.Context, post models.Post, categoryIDs []int64) (models.PostView, error) {
	tx, err := r.primaryDB.BeginTx(ctx, nil)
	if err != nil {
		return models.PostView{}, fmt.Errorf("postRepo: begin: %w", err)
	}
	defer tx.Rollback()

	now := dbNow()
	var id int64
	err = tx.QueryRowContext(ctx, r.q(`INSERT INTO posts
		(author_id, title, slug, content, status, scheduled_at, views, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?) RETURNING id`),
		post.AuthorID, post.Title, post.Slug, post.Content, string(post.Status),
		nullableTime(post.ScheduledAt), now, now).Scan(&id)
	if isUniqueViolation(err) {
		return models.PostView{}, fmt.Errorf("postRepo: slug %q: %w", post.Slug, models.ErrConflict)
	}
	if err != nil {
		return models.PostView{}, fmt.Errorf("postRepo: create post: %w", err)
	}
	if err := r.setCategories(ctx, tx, id, categoryIDs); err != nil {
		return models.PostView{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.PostView{}, fmt.Errorf("postRepo: commit post: %w", err)
	}
	return r.getPostView(ctx, r.primaryDB, "p.id = ?", id)
}

// unknown category ids are skipped
func (r *SQLRepo) setCategories(ctx context.Context, tx *sql.Tx, postID int64, ids []int64) error {
	for _, cid := range ids {
		_, err := tx.ExecContext(ctx, r.q(`INSERT INTO post_categories (post_id, category_id)
			SELECT ?, id FROM categories WHERE id = ? ON CONFLICT DO NOTHING`), postID, cid)
		if err != nil {
			return fmt.Errorf("postRepo: add category %d to post %d: %w", cid, postID, err)
		}
	}
	return nil
}

func (r *SQLRepo) UpdatePost(ctx context.Context, id int64, in models.PostInput) (models.PostView, error) {
	tx, err := r.primaryDB.BeginTx(ctx, nil)
	if err != nil {
		return models.PostView{}, fmt.Errorf("postRepo: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.q(`UPDATE posts SET title = ?, content = ?, status = ?,
		scheduled_at = ?, updated_at = ? WHERE id = ?`),
		in.Title, in.Content, string(in.Status), nullableTime(in.ScheduledAt), dbNow(), id)
	if err != nil {
		return models.PostView{}, fmt.Errorf("postRepo: update post %d: %w", id, err)
	}
	if err := expectRows(res); err != nil {
		return models.PostView{}, err
	}
	// nil keeps the current categories, an empty list clears them
	if in.CategoryIDs != nil {
		if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM post_categories WHERE post_id = ?`), id); err != nil {
			return models.PostView{}, fmt.Errorf("postRepo: clear categories of post %d: %w", id, err)
		}
		if err := r.setCategories(ctx, tx, id, in.CategoryIDs); err != nil {
			return models.PostView{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return models.PostView{}, fmt.Errorf("postRepo: commit post %d: %w", id, err)
	}
	return r.getPostView(ctx, r.primaryDB, "p.id = ?", id)
}

func (r *SQLRepo) DeletePost(ctx context.Context, id int64) error {
	tx, err := r.primaryDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postRepo: begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM reactions WHERE post_id = ?`,
		`DELETE FROM post_categories WHERE post_id = ?`,
		`DELETE FROM comments WHERE post_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, r.q(stmt), id); err != nil {
			return fmt.Errorf("postRepo: delete post %d dependents: %w", id, err)
		}
	}
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM posts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("postRepo: delete post %d: %w", id, err)
	}
	if err := expectRows(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postRepo: commit delete of post %d: %w", id, err)
	}
	return nil
}

// Listing is not cached and tolerates replica lag.
func (r *SQLRepo) ListPosts(ctx context.Context, lq models.ListPostsQuery) ([]models.PostView, error) {
	query := "SELECT " + postColumns
	args := make([]any, 0, 3)
	if lq.Status != "" {
		query += " WHERE p.status = ?"
		args = append(args, string(lq.Status))
	}
	query += " ORDER BY p.created_at DESC, p.id DESC LIMIT ? OFFSET ?"
	args = append(args, lq.Limit, lq.Offset())

	rows, err := r.replicaDB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("postRepo: list posts: %w", err)
	}
	posts := make([]models.PostView, 0, lq.Limit)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("postRepo: scan post: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("postRepo: iterate posts: %w", err)
	}
	rows.Close()

	ids := make([]int64, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}
	cats, err := r.categoriesFor(ctx, r.replicaDB, ids)
	if err != nil {
		return nil, err
	}
	for i := range posts {
		if c, ok := cats[posts[i].ID]; ok {
			posts[i].Categories = c
		}
	}
	return posts, nil
}

// IncrementPostViews adds delta to the settled view count.
func (r *SQLRepo) IncrementPostViews(ctx context.Context, id int64, delta int64) error {
	res, err := r.primaryDB.ExecContext(ctx, r.q(`UPDATE posts SET views = views + ? WHERE id = ?`), delta, id)
	if err != nil {
		return fmt.Errorf("postRepo: increment views of post %d: %w", id, err)
	}
	return expectRows(res)
}

func (r *SQLRepo) ListCategories(ctx context.Context) ([]models.Category, error) {
	rows, err := r.replicaDB.QueryContext(ctx, `SELECT id, name FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postRepo: list categories: %w", err)
	}
	defer rows.Close()
	cats := []models.Category{}
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("postRepo: scan category: %w", err)
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

func (r *SQLRepo) CreateCategory(ctx context.Context, name string) (models.Category, error) {
	c := models.Category{Name: name}
	err := r.primaryDB.QueryRowContext(ctx, r.q(`INSERT INTO categories (name) VALUES (?) RETURNING id`), name).Scan(&c.ID)
	if isUniqueViolation(err) {
		return models.Category{}, fmt.Errorf("postRepo: category %q: %w", name, models.ErrConflict)
	}
	if err != nil {
		return models.Category{}, fmt.Errorf("postRepo: create category: %w", err)
	}
	return c, nil
}

const commentColumns = `c.id, c.post_id, c.user_id, c.parent_comment_id, c.content, c.created_at, c.updated_at,
	COALESCE(u.username, ''), COALESCE(u.avatar_url, '')
	FROM comments c LEFT JOIN users u ON u.id = c.user_id`

func scanComment(s rowScanner) (models.CommentView, error) {
	var (
		c                models.CommentView
		parent           sql.NullInt64
		created, updated dbTime
	)
	err := s.Scan(&c.ID, &c.PostID, &c.UserID, &parent, &c.Content, &created, &updated, &c.Username, &c.AvatarURL)
	if err != nil {
		return models.CommentView{}, err
	}
	if parent.Valid {
		id := parent.Int64
		c.ParentCommentID = &id
	}
	c.CreatedAt = created.Time
	c.UpdatedAt = updated.Time
	c.Replies = []models.CommentView{}
	return c, nil
}

func (r *SQLRepo) getCommentView(ctx context.Context, id int64) (models.CommentView, error) {
	row := r.primaryDB.QueryRowContext(ctx, r.q("SELECT "+commentColumns+" WHERE c.id = ?"), id)
	c, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CommentView{}, models.ErrNotFound
	}
	if err != nil {
		return models.CommentView{}, fmt.Errorf("postRepo: get comment %d: %w", id, err)
	}
	return c, nil
}

func (r *SQLRepo) CreateComment(ctx context.Context, comment models.Comment) (models.CommentView, error) {
	now := dbNow()
	var parent any
	if comment.ParentCommentID != nil {
		parent = *comment.ParentCommentID
	}
	var id int64
	err := r.primaryDB.QueryRowContext(ctx, r.q(`INSERT INTO comments
		(post_id, user_id, parent_comment_id, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		comment.PostID, comment.UserID, parent, comment.Content, now, now).Scan(&id)
	if err != nil {
		return models.CommentView{}, fmt.Errorf("postRepo: create comment on post %d: %w", comment.PostID, err)
	}
	return r.getCommentView(ctx, id)
}

func (r *SQLRepo) GetComment(ctx context.Context, id int64) (models.Comment, error) {
	c, err := r.getCommentView(ctx, id)
	if err != nil {
		return models.Comment{}, err
	}
	return c.Comment, nil
}

func (r *SQLRepo) UpdateComment(ctx context.Context, id int64, content string) (models.CommentView, error) {
	res, err := r.primaryDB.ExecContext(ctx, r.q(`UPDATE comments SET content = ?, updated_at = ? WHERE id = ?`),
		content, dbNow(), id)
	if err != nil {
		return models.CommentView{}, fmt.Errorf("postRepo: update comment %d: %w", id, err)
	}
	if err := expectRows(res); err != nil {
		return models.CommentView{}, err
	}
	return r.getCommentView(ctx, id)
}

// DeleteComment removes the comment and all of its replies.
func (r *SQLRepo) DeleteComment(ctx context.Context, id int64) error {
	res, err := r.primaryDB.ExecContext(ctx, r.q(`WITH RECURSIVE subtree(id) AS (
			SELECT id FROM comments WHERE id = ?
			UNION ALL
			SELECT c.id FROM comments c JOIN subtree s ON c.parent_comment_id = s.id
		)
		DELETE FROM comments WHERE id IN (SELECT id FROM subtree)`), id)
	if err != nil {
		return fmt.Errorf("postRepo: delete comment %d: %w", id, err)
	}
	return expectRows(res)
}

func (r *SQLRepo) ListComments(ctx context.Context, postID int64) ([]models.CommentView, error) {
	rows, err := r.primaryDB.QueryContext(ctx, r.q("SELECT "+commentColumns+
		" WHERE c.post_id = ? ORDER BY c.created_at, c.id"), postID)
	if err != nil {
		return nil, fmt.Errorf("postRepo: list comments of post %d: %w", postID, err)
	}
	defer rows.Close()
	var flat []models.CommentView
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("postRepo: scan comment: %w", err)
		}
		flat = append(flat, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postRepo: iterate comments: %w", err)
	}
	return models.BuildCommentTree(flat), nil
}

func (r *SQLRepo) SetReaction(ctx context.Context, reaction models.Reaction) error {
	_, err := r.primaryDB.ExecContext(ctx, r.q(`INSERT INTO reactions (user_id, post_id, type, created_at)
		VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`),
		reaction.UserID, reaction.PostID, string(reaction.Type), dbNow())
	if err != nil {
		return fmt.Errorf("postRepo: set %s on post %d: %w", reaction.Type, reaction.PostID, err)
	}
	return nil
}

func (r *SQLRepo) DeleteReaction(ctx context.Context, reaction models.Reaction) error {
	_, err := r.primaryDB.ExecContext(ctx, r.q(`DELETE FROM reactions WHERE user_id = ? AND post_id = ? AND type = ?`),
		reaction.UserID, reaction.PostID, string(reaction.Type))
	if err != nil {
		return fmt.Errorf("postRepo: delete %s on post %d: %w", reaction.Type, reaction.PostID, err)
	}
	return nil
}

func (r *SQLRepo) CreateUser(ctx context.Context, user models.User) error {
	_, err := r.primaryDB.ExecContext(ctx, r.q(`INSERT INTO users
		(id, email, username, password_hash, role, bio, avatar_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		user.ID, user.Email, user.Username, user.PasswordHash, string(user.Role),
		nullableString(user.Bio), nullableString(user.AvatarURL), dbNow())
	if isUniqueViolation(err) {
		return fmt.Errorf("postRepo: user %q: %w", user.Email, models.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("postRepo: create user: %w", err)
	}
	return nil
}

const userColumns = `id, email, username, password_hash, role, COALESCE(bio, ''), COALESCE(avatar_url, ''), created_at FROM users`

func scanUser(s rowScanner) (models.User, error) {
	var (
		u       models.User
		role    string
		created dbTime
	)
	if err := s.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &role, &u.Bio, &u.AvatarURL, &created); err != nil {
		return models.User{}, err
	}
	u.Role = models.Role(role)
	u.CreatedAt = created.Time
	return u, nil
}

func (r *SQLRepo) getUser(ctx context.Context, where string, arg any) (models.User, error) {
	u, err := scanUser(r.primaryDB.QueryRowContext(ctx, r.q("SELECT "+userColumns+" WHERE "+where), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, models.ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("postRepo: get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail returns the user including the password hash.
func (r *SQLRepo) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return r.getUser(ctx, "email = ?", email)
}

func (r *SQLRepo) GetUserProfile(ctx context.Context, userID string) (models.User, error) {
	u, err := r.getUser(ctx, "id = ?", userID)
	u.PasswordHash = ""
	return u, err
}

func (r *SQLRepo) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.primaryDB.QueryRowContext(ctx, r.q(`SELECT EXISTS (SELECT 1 FROM users WHERE username = ?)`), username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postRepo: check username: %w", err)
	}
	return exists, nil
}

func (r *SQLRepo) Ping(ctx context.Context) error {
	return r.primaryDB.PingContext(ctx)
}

func (r *SQLRepo) Close() {
	if err := r.primaryDB.Close(); err != nil {
		r.log.Error("closing primary DB", zap.Error(err))
	} else {
		r.log.Info("primary DB closed")
	}
	if r.replicaDB == r.primaryDB {
		return
	}
	if err := r.replicaDB.Close(); err != nil {
		r.log.Error("closing replica DB", zap.Error(err))
	} else {
		r.log.Info("replica DB closed")
	}
}

func expectRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postRepo: rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// postgres keeps microseconds
func dbNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
