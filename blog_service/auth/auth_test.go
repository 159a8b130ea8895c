package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/alimx07/Blogging_Backend/blog_service/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

type memStore struct {
	mu    sync.Mutex
	users map[string]models.User // by email
}

func (m *memStore) CreateUser(ctx context.Context, u models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Email]; ok {
		return models.ErrConflict
	}
	m.users[u.Email] = u
	return nil
}

func (m *memStore) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return models.User{}, models.ErrNotFound
	}
	return u, nil
}

func (m *memStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func newTestService(t *testing.T, now func() time.Time) (*Service, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	svc, err := NewService(&memStore{users: map[string]models.User{}}, priv, nil, Options{
		BcryptCost: bcrypt.MinCost,
		Now:        now,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc, pub
}

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)

	user, err := svc.Register(ctx, models.RegisterInput{Email: "Alice@Example.com", Username: "alice", Password: "password1"})
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, models.RoleReader, user.Role)
	assert.Empty(t, user.PasswordHash)

	_, err = svc.Register(ctx, models.RegisterInput{Email: "other@example.com", Username: "alice", Password: "password1"})
	assert.ErrorIs(t, err, models.ErrConflict)
	_, err = svc.Register(ctx, models.RegisterInput{Email: "alice@example.com", Username: "alice2", Password: "password1"})
	assert.ErrorIs(t, err, models.ErrConflict)
	_, err = svc.Register(ctx, models.RegisterInput{Email: "bad", Username: "bob", Password: "password1"})
	assert.ErrorIs(t, err, models.ErrValidation)

	p, err := svc.VerifyCredentials(ctx, "alice@example.com", "password1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, p.UserID)

	_, err = svc.VerifyCredentials(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, models.ErrUnauthenticated)
	_, err = svc.VerifyCredentials(ctx, "nobody@example.com", "password1")
	assert.ErrorIs(t, err, models.ErrUnauthenticated)

	tok, err := svc.Login(ctx, models.LoginInput{Email: "alice@example.com", Password: "password1"})
	require.NoError(t, err)
	assert.Equal(t, "bearer", tok.TokenType)

	parsed, err := svc.ParseToken(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: user.ID, Role: models.RoleReader}, parsed)
}

func TestTokenVerifiesWithPublicKeyOnly(t *testing.T) {
	signer, pub := newTestService(t, nil)
	verifier, err := NewService(nil, nil, pub, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	token, err := signer.IssueToken(Principal{UserID: "u1", Role: models.RoleAdmin})
	require.NoError(t, err)

	p, err := verifier.ParseToken(token)
	require.NoError(t, err)
	assert.True(t, p.IsAdmin())

	_, err = verifier.IssueToken(p)
	assert.Error(t, err, "verify-only service cannot sign")
}

func TestParseTokenRejects(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc, _ := newTestService(t, clock)

	token, err := svc.IssueToken(Principal{UserID: "u1", Role: models.RoleAuthor})
	require.NoError(t, err)

	now = now.Add(DefaultTokenLifetime + time.Minute)
	_, err = svc.ParseToken(token)
	assert.ErrorIs(t, err, models.ErrUnauthenticated, "expired")

	other, _ := newTestService(t, nil)
	forged, err := other.IssueToken(Principal{UserID: "u1"})
	require.NoError(t, err)
	_, err = svc.ParseToken(forged)
	assert.ErrorIs(t, err, models.ErrUnauthenticated, "wrong key")

	_, err = svc.ParseToken("garbage")
	assert.ErrorIs(t, err, models.ErrUnauthenticated)
}

func TestParseKeys(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	fromSeed, err := ParsePrivateKey(base64.StdEncoding.EncodeToString(priv.Seed()))
	require.NoError(t, err)
	assert.True(t, priv.Equal(fromSeed))

	full, err := ParsePrivateKey(base64.StdEncoding.EncodeToString(priv))
	require.NoError(t, err)
	assert.True(t, priv.Equal(full))

	parsedPub, err := ParsePublicKey(base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)
	assert.True(t, pub.Equal(parsedPub))

	_, err = ParsePrivateKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
	_, err = ParsePublicKey("%%%")
	assert.Error(t, err)
}
