package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/tripsplit/internal/auth"
	"github.com/example/tripsplit/internal/trip/domain"
	"github.com/example/tripsplit/internal/trip/repository"
)

const secret = "test-secret"

func protected(roles ...string) http.Handler {
	return auth.Middleware(secret, roles...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth.ActorFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(actor.ID.String() + "/" + string(actor.Role)))
	}))
}

func call(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareInjectsActor(t *testing.T) {
	user := domain.User{ID: uuid.New(), Role: domain.RoleRider}
	token, err := auth.IssueToken(secret, user, time.Now(), time.Hour)
	require.NoError(t, err)

	rec := call(protected(), token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, user.ID.String()+"/rider", rec.Body.String())
}

func TestMiddlewareRejects(t *testing.T) {
	user := domain.User{ID: uuid.New(), Role: domain.RoleRider}
	expired, err := auth.IssueToken(secret, user, time.Now().Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)
	foreign, err := auth.IssueToken("other-secret", user, time.Now(), time.Hour)
	require.NoError(t, err)
	valid, err := auth.IssueToken(secret, user, time.Now(), time.Hour)
	require.NoError(t, err)
	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Role:             "rider",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "42", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	require.Equal(t, http.StatusUnauthorized, call(protected(), "").Code)
	require.Equal(t, http.StatusUnauthorized, call(protected(), expired).Code)
	require.Equal(t, http.StatusUnauthorized, call(protected(), foreign).Code)
	require.Equal(t, http.StatusUnauthorized, call(protected(), badSubject).Code)
	require.Equal(t, http.StatusForbidden, call(protected("driver"), valid).Code)
}

func newAccounts(t *testing.T) *auth.Service {
	t.Helper()
	svc, err := auth.NewService(repository.NewMemoryRepository(), secret, time.Hour, bcrypt.MinCost, nil)
	require.NoError(t, err)
	return svc
}

func TestRegisterThenLogin(t *testing.T) {
	svc := newAccounts(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, auth.RegisterRequest{Name: "Dana", Email: "dana@example.com", Password: "hunter22", Role: "Driver"})
	require.NoError(t, err)
	require.Equal(t, domain.RoleDriver, reg.User.Role)
	require.Empty(t, reg.User.PasswordHash)
	require.NotEmpty(t, reg.Token)

	login, err := svc.Login(ctx, auth.LoginRequest{Email: "DANA@example.com", Password: "hunter22"})
	require.NoError(t, err)
	require.Equal(t, reg.User.ID, login.User.ID)

	claims := &auth.Claims{}
	_, err = jwt.ParseWithClaims(login.Token, claims, func(*jwt.Token) (any, error) { return []byte(secret), nil })
	require.NoError(t, err)
	actor, err := claims.Actor()
	require.NoError(t, err)
	require.Equal(t, domain.Actor{ID: reg.User.ID, Role: domain.RoleDriver}, actor)
}

func TestLoginInvalidCredentials(t *testing.T) {
	svc := newAccounts(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, auth.RegisterRequest{Name: "Rui", Email: "rui@example.com", Password: "correct-horse", Role: "rider"})
	require.NoError(t, err)

	_, err = svc.Login(ctx, auth.LoginRequest{Email: "rui@example.com", Password: "wrong-horse"})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = svc.Login(ctx, auth.LoginRequest{Email: "nobody@example.com", Password: "correct-horse"})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestRegisterValidation(t *testing.T) {
	svc := newAccounts(t)
	ctx := context.Background()
	cases := []auth.RegisterRequest{
		{Email: "a@example.com", Password: "secret1", Role: "rider"},
		{Name: "A", Email: "a@example.com", Password: "secret1", Role: "pilot"},
		{Name: "A", Email: "not-an-email", Password: "secret1", Role: "rider"},
		{Name: "A", Email: "a@example.com", Password: "123", Role: "rider"},
	}
	for _, req := range cases {
		_, err := svc.Register(ctx, req)
		require.ErrorIs(t, err, domain.ErrInvalidRequest, "%+v", req)
	}

	_, err := svc.Register(ctx, auth.RegisterRequest{Name: "A", Email: "a@example.com", Password: "secret1", Role: "rider"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, auth.RegisterRequest{Name: "B", Email: "A@example.com", Password: "secret1", Role: "driver"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}
