package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/115Studio/chat-backend/store"
)

// UserFinder loads users by id.
type UserFinder interface {
	GetUser(ctx context.Context, find *store.FindUser) (*store.User, error)
}

// Authenticator resolves request credentials to users.
type Authenticator struct {
	users  UserFinder
	secret []byte
}

func NewAuthenticator(users UserFinder, secret string) *Authenticator {
	return &Authenticator{users: users, secret: []byte(secret)}
}

// VerifyConnectionToken returns the user id a sync connection token was
// issued for.
func (a *Authenticator) VerifyConnectionToken(token string) (string, error) {
	claims, err := ParseAccessToken(token, a.secret)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// AuthenticateToUser reads the token from the Authorization header, or
// from the access token cookie when the header is empty, and loads its
// user.
func (a *Authenticator) AuthenticateToUser(ctx context.Context, authHeader, cookieHeader string) (*store.User, error) {
	token := ExtractBearerToken(authHeader)
	if token == "" {
		token = extractCookieToken(cookieHeader)
	}
	if token == "" {
		return nil, errors.New("missing access token")
	}
	userID, err := a.VerifyConnectionToken(token)
	if err != nil {
		return nil, err
	}
	user, err := a.users.GetUser(ctx, &store.FindUser{ID: &userID})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load user")
	}
	if user == nil {
		return nil, errors.Errorf("user %s not found", userID)
	}
	return user, nil
}

// ExtractBearerToken returns the token of a "Bearer <token>" header value.
func ExtractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func extractCookieToken(cookieHeader string) string {
	if cookieHeader == "" {
		return ""
	}
	cookies, err := http.ParseCookie(cookieHeader)
	if err != nil {
		return ""
	}
	for _, c := range cookies {
		if c.Name == AccessTokenCookieName {
			return c.Value
		}
	}
	return ""
}
