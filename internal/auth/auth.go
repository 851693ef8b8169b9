// Package auth verifies bearer tokens and resolves the calling user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pbaille/glean/internal/config"
)

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid bearer token")
	ErrInvalidIssuer = errors.New("invalid token issuer")
	ErrNoSecret      = errors.New("jwt secret not configured")
)

type ctxKey struct{}

// WithUser returns a context carrying the user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserFrom returns the user id stored by WithUser.
func UserFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Authenticator validates HS256 tokens whose subject is the user id.
type Authenticator struct {
	secret  []byte
	issuer  string
	ttl     time.Duration
	devUser string
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Authenticator from config.
func New(cfg config.AuthConfig, logger *slog.Logger) *Authenticator {
	if cfg.JWTSecret == "" && cfg.DevUser == "" {
		logger.Warn("jwt secret is empty and no dev user configured, auth will deny all requests")
	}
	return &Authenticator{
		secret:  []byte(cfg.JWTSecret),
		issuer:  cfg.Issuer,
		ttl:     cfg.TokenTTL,
		devUser: cfg.DevUser,
		logger:  logger,
		now:     time.Now,
	}
}

// Issue signs a token for userID.
func (a *Authenticator) Issue(userID string) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrNoSecret
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:   a.issuer,
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if a.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses tokenStr and returns its subject.
func (a *Authenticator) Validate(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", ErrMissingToken
	}
	if len(a.secret) == 0 {
		return "", ErrNoSecret
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return "", ErrInvalidIssuer
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// UserID resolves the user for a request. Requests without an
// Authorization header fall back to the dev user when one is configured.
func (a *Authenticator) UserID(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if a.devUser != "" {
			return a.devUser, nil
		}
		return "", ErrMissingToken
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: expected bearer scheme", ErrInvalidToken)
	}
	return a.Validate(strings.TrimSpace(token))
}
