// Package jwtauth validates handshake credentials as HS256-signed JWTs.
// The subject claim is the user id.
package jwtauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Strob0t/synchub/internal/config"
	"github.com/Strob0t/synchub/internal/domain"
	"github.com/Strob0t/synchub/internal/port/authn"
	"github.com/Strob0t/synchub/internal/port/cache"
)

const cachePrefix = "authn:"

// Validator checks signature, expiry, issuer and audience, and remembers
// accepted tokens in cache until they expire or cacheTTL elapses.
type Validator struct {
	secret   func() string
	issuer   string
	audience string
	cache    cache.Cache // optional
	cacheTTL time.Duration
	now      func() time.Time // for testing
}

var _ authn.Validator = (*Validator)(nil)

// New creates a validator. c may be nil to disable caching.
func New(cfg config.Auth, c cache.Cache, cacheTTL time.Duration) (*Validator, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%w: auth.jwt_secret is required", domain.ErrValidation)
	}
	return &Validator{
		secret:   func() string { return cfg.JWTSecret },
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		cache:    c,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}, nil
}

// SetSecretSource makes the validator read the signing secret from src on
// every parse and issue, so a rotated secret takes effect without a restart.
// Tokens already in the cache stay accepted until their cache entry expires.
func (v *Validator) SetSecretSource(src func() string) { v.secret = src }

func (v *Validator) key() ([]byte, error) {
	s := v.secret()
	if s == "" {
		return nil, fmt.Errorf("%w: signing secret is empty", domain.ErrAuthentication)
	}
	return []byte(s), nil
}

// Validate returns the token's subject. Rejections wrap domain.ErrAuthentication.
func (v *Validator) Validate(ctx context.Context, token string) (string, error) {
	key := cachePrefix + hashToken(token)
	if v.cache != nil {
		if userID, ok, err := v.cache.Get(ctx, key); err == nil && ok {
			return string(userID), nil
		} else if err != nil {
			slog.Debug("token cache lookup failed", "error", err)
		}
	}

	claims, err := v.parse(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", domain.ErrAuthentication)
	}

	if v.cache != nil {
		ttl := v.cacheTTL
		if until := claims.ExpiresAt.Sub(v.now()); until < ttl {
			ttl = until
		}
		if ttl > 0 {
			if err := v.cache.Set(ctx, key, []byte(claims.Subject), ttl); err != nil {
				slog.Debug("token cache store failed", "error", err)
			}
		}
	}
	return claims.Subject, nil
}

func (v *Validator) parse(token string) (*jwt.RegisteredClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key()
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Issue signs a token for userID that the validator accepts for ttl.
func (v *Validator) Issue(userID string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	key, err := v.key()
	if err != nil {
		return "", err
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
