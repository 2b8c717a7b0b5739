package admin

import (
	"time"

	"github.com/cwrk-planet/signal-service/internal/domain"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
)

// TokenIssuer signs console session tokens. HS256 with a config secret:
// there is a single verifier (this service), so no key distribution.
type TokenIssuer struct {
	secret    []byte
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
	now       func() time.Time
}

func NewTokenIssuer(secret, issuer string, ttl time.Duration, now func() time.Time) *TokenIssuer {
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{
		secret:    []byte(secret),
		issuer:    issuer,
		ttl:       ttl,
		clockSkew: 30 * time.Second,
		now:       now,
	}
}

func (s *TokenIssuer) TTL() time.Duration { return s.ttl }

type SessionClaims struct {
	jwt.StandardClaims
}

func (s *TokenIssuer) Sign(username string) (string, error) {
	now := s.now()
	claims := SessionClaims{
		StandardClaims: jwt.StandardClaims{
			Id:        uuid.NewString(),
			Subject:   username,
			Issuer:    s.issuer,
			IssuedAt:  now.Unix(),
			NotBefore: now.Add(-s.clockSkew).Unix(),
			ExpiresAt: now.Add(s.ttl).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString(s.secret)
}

func (s *TokenIssuer) ParseAndValidate(tokenStr string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, domain.ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, domain.ErrInvalidToken
	}
	if !token.Valid {
		return nil, domain.ErrInvalidToken
	}
	if !claims.VerifyIssuer(s.issuer, true) {
		return nil, domain.ErrInvalidToken
	}

	now := s.now()
	nbf := time.Unix(claims.NotBefore, 0).Add(-s.clockSkew)
	exp := time.Unix(claims.ExpiresAt, 0).Add(s.clockSkew)
	if now.Before(nbf) || now.After(exp) {
		return nil, domain.ErrTokenExpired
	}

	return claims, nil
}
