package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/vaultbridge/internal/errs"
)

// TokenService issues and verifies HS256 access tokens for control clients.
type TokenService struct {
	signKey []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewTokenService constructs a TokenService. A zero ttl means one hour.
func NewTokenService(signKey []byte, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenService{signKey: signKey, ttl: ttl, now: time.Now}
}

// Issue creates a signed token for subject.
func (s *TokenService) Issue(subject string) (string, time.Time, error) {
	if len(s.signKey) == 0 {
		return "", time.Time{}, errors.New("token: empty signing key")
	}
	now := s.now()
	exp := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}

// Verify checks signature and expiry and returns the subject.
func (s *TokenService) Verify(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signKey, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid || claims.Subject == "" {
		return "", errs.ErrUnauthorized
	}
	return claims.Subject, nil
}
