package identity

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/h44z/identity-store/internal/domain"
)

// TokenProvider issues single purpose tokens for an account, for example password reset links.
type TokenProvider interface {
	Generate(purpose string, account *domain.Account) (string, error)
	Validate(purpose, token string, account *domain.Account) bool
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Stamp string `json:"stp"`
}

// JwtTokenProvider issues HMAC signed tokens. A token is only valid for the purpose, the account and the security
// stamp it was issued for, rotating the stamp invalidates all outstanding tokens.
type JwtTokenProvider struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

func NewJwtTokenProvider(secret []byte, lifetime time.Duration) *JwtTokenProvider {
	return &JwtTokenProvider{
		secret:   secret,
		lifetime: lifetime,
		now:      time.Now,
	}
}

func (p *JwtTokenProvider) Generate(purpose string, account *domain.Account) (string, error) {
	if account.IsTransient() {
		return "", errors.New("tokens can only be issued for persisted accounts")
	}

	now := p.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   string(account.Identifier),
			Audience:  jwt.ClaimStrings{purpose},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.lifetime)),
		},
		Stamp: account.SecurityStamp,
	})

	return token.SignedString(p.secret)
}

func (p *JwtTokenProvider) Validate(purpose, token string, account *domain.Account) bool {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return false
	}

	return claims.Subject == string(account.Identifier) &&
		slices.Contains(claims.Audience, purpose) &&
		claims.Stamp == account.SecurityStamp
}
