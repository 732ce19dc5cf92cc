// Package auth resolves websocket upgrade requests to verified user ids using
// HS256 signed JWTs.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultCookieName is the session cookie checked when no header or query
// token is present.
const DefaultCookieName = "token"

var (
	ErrMissingCredential = errors.New("auth: no credential presented")
	ErrInvalidCredential = errors.New("auth: invalid credential")
)

// Claims is the token payload. UserID falls back to the registered subject.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies tokens signed with a shared secret.
type JWTAuthenticator struct {
	secret     []byte
	cookieName string
	parser     *jwt.Parser
}

// NewJWTAuthenticator returns an authenticator for secret. An empty cookie
// name selects DefaultCookieName.
func NewJWTAuthenticator(secret, cookieName string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &JWTAuthenticator{
		secret:     []byte(secret),
		cookieName: cookieName,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}, nil
}

// Authenticate extracts the token from the Authorization header, the token
// query parameter or the session cookie, in that order, and returns its user.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	token, err := a.credential(r)
	if err != nil {
		return "", err
	}
	return a.ParseToken(token)
}

// ParseToken validates tokenStr and returns the user it was issued for.
func (a *JWTAuthenticator) ParseToken(tokenStr string) (string, error) {
	claims := &Claims{}
	token, err := a.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return "", ErrInvalidCredential
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("%w: token names no user", ErrInvalidCredential)
	}
	return userID, nil
}

// IssueToken signs a token for userID that expires after ttl.
func (a *JWTAuthenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *JWTAuthenticator) credential(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		return parseBearerToken(header)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	if cookie, err := r.Cookie(a.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}
	return "", ErrMissingCredential
}

func parseBearerToken(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidCredential)
	}
	return strings.TrimSpace(parts[1]), nil
}
