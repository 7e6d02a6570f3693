package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for credential resolution. Handlers map these to HTTP
// statuses and voice close codes.
var (
	ErrNoCredential      = errors.New("authentication required")
	ErrInvalidCredential = errors.New("invalid or expired token")
	ErrUnknownUser       = errors.New("user not found")
)

// tokenClaims is what a bearer token carries. Tokens are issued elsewhere;
// this service only parses and verifies.
type tokenClaims struct {
	jwt.RegisteredClaims
	Email   string `json:"email,omitempty"`
	IsAdmin bool   `json:"is_admin,omitempty"`
}

// Authenticator resolves bearer credentials to user records: HS256 signature
// and expiry checks on the token, then a user store lookup, with a TTL cache
// in front so hot tokens skip both.
type Authenticator struct {
	secret []byte
	users  *UserStore
	cache  *IdentityCache
	logger *slog.Logger
}

// NewAuthenticator builds an authenticator over the given user store.
func NewAuthenticator(cfg Config, users *UserStore, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(cfg.JWTSecret),
		users:  users,
		cache:  NewIdentityCache(cfg.AuthCacheTTL),
		logger: logger.With("component", "auth"),
	}
}

// Resolve maps a bearer token to its user record.
func (a *Authenticator) Resolve(ctx context.Context, token string) (*User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoCredential
	}

	if user, ok := a.cache.Get(token); ok {
		return user, nil
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		a.logger.Debug("token rejected", "error", err)
		return nil, ErrInvalidCredential
	}
	if claims.Subject == "" {
		return nil, ErrInvalidCredential
	}

	user, err := a.users.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}
	if user == nil {
		return nil, ErrUnknownUser
	}

	a.cache.Set(token, *user)
	return user, nil
}

// contextUserKey is where RequireUser stores the resolved user.
const contextUserKey = "authenticated_user"

// RequireUser is middleware that resolves the Authorization header and
// attaches the user to the request context. Requests without a resolvable
// credential are rejected with 401.
func (a *Authenticator) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := a.Resolve(c.Request.Context(), bearerToken(c.GetHeader("Authorization")))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(contextUserKey, user)
		c.Next()
	}
}

// currentUser returns the user attached by RequireUser, or nil.
func currentUser(c *gin.Context) *User {
	value, ok := c.Get(contextUserKey)
	if !ok {
		return nil
	}
	user, ok := value.(*User)
	if !ok {
		return nil
	}
	return user
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
