package models

import (
	"time"
)

type Config struct {
	Env          string             `yaml:"env"`
	Server       ServerConfig       `yaml:"server"`
	DB           DBConfig           `yaml:"database"`
	Cache        CacheConfig        `yaml:"cache"`
	Views        ViewsConfig        `yaml:"views"`
	Auth         AuthConfig         `yaml:"auth"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
	Registry     RegistryConfig     `yaml:"registry"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// advertised address for the registry, defaults to hostname:port
	HostName string `yaml:"host_name"`
}

type DBConfig struct {
	// "postgres" or "sqlite"
	Driver string `yaml:"driver"`

	// Primary (write) database
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Name     string `yaml:"name"`
	Password string `yaml:"-"`

	// Replica (read) database, optional
	ReplicaHost     string `yaml:"replica_host"`
	ReplicaPort     string `yaml:"replica_port"`
	ReplicaUser     string `yaml:"replica_user"`
	ReplicaName     string `yaml:"replica_name"`
	ReplicaPassword string `yaml:"-"`

	SQLitePath string `yaml:"sqlite_path"`
}

type CacheConfig struct {
	Addrs    []string      `yaml:"addrs"`
	Password string        `yaml:"-"`
	PoolSize int           `yaml:"pool_size"`
	TTL      time.Duration `yaml:"ttl"`
}

type ViewsConfig struct {
	FlushEvery      int64         `yaml:"flush_every"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	Tick            time.Duration `yaml:"tick"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	// base64 encoded ed25519 keys
	PrivateKey    string        `yaml:"-"`
	PublicKey     string        `yaml:"-"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	TokenLifetime time.Duration `yaml:"token_lifetime"`
}

type RateLimitingConfig struct {
	Enabled bool            `yaml:"enabled"`
	Rules   map[string]Rule `yaml:"rules"`
}

type Rule struct {
	Limit      int `yaml:"limit"`       // bucket size
	RefillRate int `yaml:"refill_rate"` // requests/s
}

type RegistryConfig struct {
	EtcdEndpoints []string      `yaml:"etcd_endpoints"`
	Prefix        string        `yaml:"prefix"`
	LeaseTTL      int64         `yaml:"lease_ttl"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleAuthor Role = "author"
	RoleReader Role = "reader"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleAuthor, RoleReader:
		return true
	}
	return false
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Bio          string    `json:"bio,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type PostStatus string

const (
	StatusDraft     PostStatus = "draft"
	StatusPublished PostStatus = "published"
	StatusArchived  PostStatus = "archived"
)

func (s PostStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPublished, StatusArchived:
		return true
	}
	return false
}

type Post struct {
	ID          int64      `json:"id"`
	AuthorID    string     `json:"author_id"`
	Title       string     `json:"title"`
	Slug        string     `json:"slug"`
	Content     string     `json:"content"`
	Status      PostStatus `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Views       int64      `json:"views"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PostView is the cached and served shape of a post.
type PostView struct {
	Post
	AuthorUsername string     `json:"author_username"`
	Categories     []Category `json:"categories"`
	LikeCount      int64      `json:"like_count"`
	BookmarkCount  int64      `json:"bookmark_count"`
}

type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Comment struct {
	ID              int64     `json:"id"`
	PostID          int64     `json:"post_id"`
	UserID          string    `json:"user_id"`
	ParentCommentID *int64    `json:"parent_comment_id,omitempty"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type CommentView struct {
	Comment
	Username  string        `json:"username"`
	AvatarURL string        `json:"avatar_url,omitempty"`
	Replies   []CommentView `json:"replies"`
}

type ReactionType string

const (
	ReactionLike     ReactionType = "like"
	ReactionBookmark ReactionType = "bookmark"
)

func (t ReactionType) Valid() bool {
	return t == ReactionLike || t == ReactionBookmark
}

type Reaction struct {
	UserID    string       `json:"user_id"`
	PostID    int64        `json:"post_id"`
	Type      ReactionType `json:"type"`
	CreatedAt time.Time    `json:"created_at"`
}
