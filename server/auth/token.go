// Package auth issues and verifies the access tokens clients use for the
// REST API and the sync connection.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const (
	// Issuer is the issuer of every token this server signs.
	Issuer = "chat-backend"
	// KeyID is the key id placed in token headers, allowing rotation later.
	KeyID = "v1"
	// AccessTokenDuration is the lifetime of an access token.
	AccessTokenDuration = 7 * 24 * time.Hour
	// AccessTokenCookieName is the cookie browsers carry the token in.
	AccessTokenCookieName = "chat_access_token"
)

// ClaimsMessage is the payload of an access token.
type ClaimsMessage struct {
	UserID string `json:"id"`
	Plan   string `json:"plan,omitempty"`
	jwt.RegisteredClaims
}

// GenerateAccessToken signs a token for userID that expires at expiresAt.
// A zero expiresAt produces a token that never expires.
func GenerateAccessToken(userID, plan string, expiresAt time.Time, secret []byte) (string, error) {
	claims := &ClaimsMessage{
		UserID: userID,
		Plan:   plan,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   Issuer,
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if !expiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = KeyID
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}

// ParseAccessToken verifies the signature and expiry of token and returns
// its claims.
func ParseAccessToken(token string, secret []byte) (*ClaimsMessage, error) {
	claims := &ClaimsMessage{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Name {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		if kid, ok := t.Header["kid"].(string); ok && kid != KeyID {
			return nil, fmt.Errorf("unexpected key id %q", kid)
		}
		return secret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return nil, errors.Wrap(err, "invalid access token")
	}
	if claims.UserID == "" {
		return nil, errors.New("access token has no user id")
	}
	return claims, nil
}
