package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/tripsplit/internal/trip/domain"
)

// Claims extends standard registered claims with role information. The
// subject carries the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Actor converts verified claims into the caller identity used by the core.
func (c *Claims) Actor() (domain.Actor, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return domain.Actor{}, errors.New("subject is not a user id")
	}
	role, err := domain.ParseRole(c.Role)
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{ID: id, Role: role}, nil
}

// IssueToken signs an HS256 token for user valid for ttl from now.
func IssueToken(secret string, user domain.User, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		Role: string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Middleware validates JWT tokens and injects the authenticated actor into
// context. When roles are given, other roles are refused.
func Middleware(secret string, roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := tokenFromHeader(r.Header.Get("Authorization"))
			if tokenString == "" {
				deny(w, http.StatusUnauthorized, "missing token")
				return
			}
			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				deny(w, http.StatusUnauthorized, "invalid token")
				return
			}
			actor, err := claims.Actor()
			if err != nil {
				deny(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if len(allowed) > 0 {
				if _, ok := allowed[claims.Role]; !ok {
					deny(w, http.StatusForbidden, "forbidden")
					return
				}
			}
			ctx := context.WithValue(r.Context(), actorKey{}, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromContext retrieves the authenticated caller.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(domain.Actor)
	return actor, ok
}

type actorKey struct{}

func deny(w http.ResponseWriter, status int, msg string) {
	code := "unauthorized"
	if status == http.StatusForbidden {
		code = string(domain.KindForbidden)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

func tokenFromHeader(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
