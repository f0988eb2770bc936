package jwtauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Strob0t/synchub/internal/config"
	"github.com/Strob0t/synchub/internal/domain"
)

// memCache counts lookups so tests can tell cache hits from parses.
type memCache struct {
	data map[string][]byte
	sets int
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.sets++
	m.data[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

var testAuth = config.Auth{JWTSecret: "s3cret", Issuer: "synchub", Audience: "synchub"}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(config.Auth{}, nil, time.Minute); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	v, err := New(testAuth, nil, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	good, _ := v.Issue("alice", time.Hour)

	other, _ := New(config.Auth{JWTSecret: "other", Issuer: "synchub", Audience: "synchub"}, nil, 0)
	wrongKey, _ := other.Issue("alice", time.Hour)

	wrongIss, _ := New(config.Auth{JWTSecret: "s3cret", Issuer: "someone-else", Audience: "synchub"}, nil, 0)
	wrongIssuer, _ := wrongIss.Issue("alice", time.Hour)

	expired, _ := v.Issue("alice", -time.Minute)
	noSubject, _ := v.Issue("", time.Hour)

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr bool
	}{
		{"valid", good, "alice", false},
		{"garbage", "not-a-jwt", "", true},
		{"wrong key", wrongKey, "", true},
		{"wrong issuer", wrongIssuer, "", true},
		{"expired", expired, "", true},
		{"no subject", noSubject, "", true},
		{"alg none", none, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Validate(context.Background(), tt.token)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrAuthentication) {
					t.Fatalf("expected ErrAuthentication, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("user = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateCachesAcceptedTokens(t *testing.T) {
	c := &memCache{data: map[string][]byte{}}
	v, _ := New(testAuth, c, time.Minute)
	token, _ := v.Issue("bob", time.Hour)

	for range 3 {
		got, err := v.Validate(context.Background(), token)
		if err != nil || got != "bob" {
			t.Fatalf("Validate = %q, %v", got, err)
		}
	}
	if c.sets != 1 {
		t.Fatalf("expected one cache store, got %d", c.sets)
	}

	bad, _ := v.Validate(context.Background(), "junk")
	if bad != "" || c.sets != 1 {
		t.Fatal("rejected tokens must not be cached")
	}
}

func TestSecretRotation(t *testing.T) {
	secret := "first"
	v, _ := New(testAuth, nil, 0)
	v.SetSecretSource(func() string { return secret })

	oldToken, _ := v.Issue("carol", time.Hour)
	if _, err := v.Validate(context.Background(), oldToken); err != nil {
		t.Fatalf("token under current secret rejected: %v", err)
	}

	secret = "second"
	if _, err := v.Validate(context.Background(), oldToken); !errors.Is(err, domain.ErrAuthentication) {
		t.Fatalf("token signed with rotated-out secret: err = %v", err)
	}
	newToken, _ := v.Issue("carol", time.Hour)
	if got, err := v.Validate(context.Background(), newToken); err != nil || got != "carol" {
		t.Fatalf("Validate = %q, %v", got, err)
	}

	secret = ""
	if _, err := v.Issue("carol", time.Hour); !errors.Is(err, domain.ErrAuthentication) {
		t.Fatalf("Issue with empty secret: err = %v", err)
	}
}
