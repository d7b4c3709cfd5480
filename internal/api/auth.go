package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/chat-relay/internal/server"
)

const (
	tokenCookieKey = "token"

	nameClaim    = "name"
	pictureClaim = "picture"
)

type contextKey string

const identityKey contextKey = "identity"

type SessionResponse struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

func WithIdentity(ctx context.Context, identity *server.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (*server.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*server.Identity)
	return identity, ok && identity != nil
}

func hasToken(r *http.Request) bool {
	return tokenFromRequest(r) != ""
}

// tokenFromRequest reads the token cookie, falling back to a bearer
// Authorization header for non-browser clients.
func tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(tokenCookieKey); err == nil && c.Value != "" {
		return c.Value
	}

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (s *ChatRelayApp) identityFromRequest(r *http.Request) (*server.Identity, error) {
	tokenString := tokenFromRequest(r)
	if tokenString == "" {
		return nil, fmt.Errorf("no identity token")
	}

	token, err := verifyToken(tokenString, s.signingKey)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	name, _ := claims[nameClaim].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("invalid name claim")
	}
	picture, _ := claims[pictureClaim].(string)

	return &server.Identity{Username: name, Avatar: picture}, nil
}

func verifyToken(tokenString string, key []byte) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

func (s *ChatRelayApp) session(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, SessionResponse{
		Username: identity.Username,
		Avatar:   identity.Avatar,
	})
}
