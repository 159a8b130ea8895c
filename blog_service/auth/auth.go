package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alimx07/Blogging_Backend/blog_service/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultIssuer        = "blog_service"
	DefaultAudience      = "blog_api"
	DefaultTokenLifetime = 30 * time.Minute
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   models.Role
}

func (p Principal) IsAdmin() bool {
	return p.Role == models.RoleAdmin
}

type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

type UserStore interface {
	CreateUser(ctx context.Context, user models.User) error
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
}

type Options struct {
	Issuer        string
	Audience      string
	TokenLifetime time.Duration
	BcryptCost    int
	Now           func() time.Time
}

// Service registers users, verifies passwords and issues EdDSA tokens.
// Without a private key it can only verify tokens.
type Service struct {
	store UserStore
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	opts  Options
	log   *zap.Logger
}

func NewService(store UserStore, priv ed25519.PrivateKey, pub ed25519.PublicKey, opts Options, log *zap.Logger) (*Service, error) {
	if pub == nil && priv != nil {
		pub = priv.Public().(ed25519.PublicKey)
	}
	if pub == nil {
		return nil, errors.New("auth: public key required")
	}
	if opts.Issuer == "" {
		opts.Issuer = DefaultIssuer
	}
	if opts.Audience == "" {
		opts.Audience = DefaultAudience
	}
	if opts.TokenLifetime <= 0 {
		opts.TokenLifetime = DefaultTokenLifetime
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store: store,
		priv:  priv,
		pub:   pub,
		opts:  opts,
		log:   log,
	}, nil
}

// ParsePrivateKey accepts a base64 seed, a base64 64-byte key or a PKCS#8 PEM block.
func ParsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	encoded = strings.TrimSpace(encoded)
	if strings.HasPrefix(encoded, "-----BEGIN") {
		key, err := jwt.ParseEdPrivateKeyFromPEM([]byte(encoded))
		if err != nil {
			return nil, fmt.Errorf("auth: private key: %w", err)
		}
		return key.(ed25519.PrivateKey), nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("auth: private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	}
	return nil, fmt.Errorf("auth: private key has %d bytes", len(raw))
}

func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if strings.HasPrefix(encoded, "-----BEGIN") {
		key, err := jwt.ParseEdPublicKeyFromPEM([]byte(encoded))
		if err != nil {
			return nil, fmt.Errorf("auth: public key: %w", err)
		}
		return key.(ed25519.PublicKey), nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("auth: public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("auth: public key has %d bytes", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func (s *Service) Register(ctx context.Context, in models.RegisterInput) (models.User, error) {
	if err := in.Validate(); err != nil {
		return models.User{}, err
	}
	taken, err := s.store.UsernameExists(ctx, in.Username)
	if err != nil {
		return models.User{}, err
	}
	if taken {
		return models.User{}, fmt.Errorf("username already taken: %w", models.ErrConflict)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.opts.BcryptCost)
	if err != nil {
		return models.User{}, fmt.Errorf("auth: hash password: %w", err)
	}
	user := models.User{
		ID:           uuid.NewString(),
		Email:        in.Email,
		Username:     in.Username,
		PasswordHash: string(hashed),
		Role:         models.RoleReader,
		CreatedAt:    s.opts.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return models.User{}, fmt.Errorf("email already registered: %w", models.ErrConflict)
		}
		return models.User{}, err
	}
	s.log.Info("user registered", zap.String("user_id", user.ID), zap.String("username", user.Username))
	user.PasswordHash = ""
	return user, nil
}

// VerifyCredentials does not reveal whether the email exists.
func (s *Service) VerifyCredentials(ctx context.Context, email, password string) (Principal, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(strings.ToLower(email)))
	if errors.Is(err, models.ErrNotFound) {
		return Principal{}, fmt.Errorf("incorrect email or password: %w", models.ErrUnauthenticated)
	}
	if err != nil {
		return Principal{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Principal{}, fmt.Errorf("incorrect email or password: %w", models.ErrUnauthenticated)
	}
	return Principal{UserID: user.ID, Role: user.Role}, nil
}

func (s *Service) Login(ctx context.Context, in models.LoginInput) (models.Token, error) {
	if err := in.Validate(); err != nil {
		return models.Token{}, err
	}
	p, err := s.VerifyCredentials(ctx, in.Email, in.Password)
	if err != nil {
		return models.Token{}, err
	}
	return s.tokenFor(p)
}

// Refresh reissues a token for an already authenticated principal.
func (s *Service) Refresh(p Principal) (models.Token, error) {
	return s.tokenFor(p)
}

func (s *Service) tokenFor(p Principal) (models.Token, error) {
	signed, err := s.IssueToken(p)
	if err != nil {
		return models.Token{}, err
	}
	return models.Token{AccessToken: signed, TokenType: "bearer"}, nil
}

func (s *Service) IssueToken(p Principal) (string, error) {
	if s.priv == nil {
		return "", errors.New("auth: no signing key configured")
	}
	now := s.opts.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, Claims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.opts.Issuer,
			Subject:   p.UserID,
			Audience:  jwt.ClaimStrings{s.opts.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TokenLifetime)),
		},
	})
	signed, err := token.SignedString(s.priv)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ParseToken needs only the public key.
func (s *Service) ParseToken(token string) (Principal, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithAudience(s.opts.Audience),
		jwt.WithIssuer(s.opts.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.opts.Now),
	)
	claims := Claims{}
	parsed, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.pub, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, fmt.Errorf("token expired: %w", models.ErrUnauthenticated)
		}
		return Principal{}, fmt.Errorf("could not validate credentials: %w", models.ErrUnauthenticated)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Principal{}, fmt.Errorf("could not validate credentials: %w", models.ErrUnauthenticated)
	}
	role := claims.Role
	if !role.Valid() {
		role = models.RoleReader
	}
	return Principal{UserID: claims.Subject, Role: role}, nil
}
