package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/golang-jwt/jwt/v5"
)

// clockSkew is tolerated on exp and nbf between the issuer and the relay.
const clockSkew = 30 * time.Second

// Token verifies HS256 JWTs whose sub claim is the identity.
type Token struct {
	secret []byte
	now    func() time.Time
}

func NewToken(secret string) (*Token, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("auth: token secret must be at least 16 bytes")
	}
	return &Token{secret: []byte(secret), now: time.Now}, nil
}

// Issue mints a token for id valid for ttl.
func (t *Token) Issue(id domain.UserID, ttl time.Duration) (string, error) {
	if err := validIdentity(id.String()); err != nil {
		return "", err
	}
	now := t.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   id.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return tok.SignedString(t.secret)
}

func (t *Token) Authenticate(r *http.Request) (domain.UserID, error) {
	raw := credential(r)
	if raw == "" {
		return "", fmt.Errorf("%w: missing token", domain.ErrUnauthenticated)
	}
	return t.Verify(raw)
}

func (t *Token) Verify(raw string) (domain.UserID, error) {
	var c jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(t.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", fmt.Errorf("%w: token expired", domain.ErrUnauthenticated)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "", fmt.Errorf("%w: token not valid yet", domain.ErrUnauthenticated)
	default:
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	if err := validIdentity(c.Subject); err != nil {
		return "", err
	}
	return domain.UserID(c.Subject), nil
}
