// Package auth проверяет bearer-токены и кладёт личность вызывающего в контекст запроса.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin даёт доступ к административным маршрутам.
const RoleAdmin = "admin"

var (
	// ErrSecretRequired — валидатор без секрета не создаётся.
	ErrSecretRequired = errors.New("jwt secret is required")
	// ErrSubjectRequired — токен без subject не идентифицирует пользователя.
	ErrSubjectRequired = errors.New("token subject is required")
)

// Claims — ожидаемое содержимое токена.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Principal — аутентифицированный вызывающий.
type Principal struct {
	UserID string
	Roles  []string
}

// HasRole проверяет наличие роли.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// Validator проверяет HS256-токены общим секретом.
type Validator struct {
	secret []byte
	parser *jwt.Parser
}

// NewValidator создаёт валидатор. Пустой секрет недопустим.
func NewValidator(secret string) (*Validator, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}
	return &Validator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Second),
		),
	}, nil
}

// Validate разбирает токен и возвращает личность вызывающего.
func (v *Validator) Validate(tokenStr string) (Principal, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return Principal{}, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, ErrSubjectRequired
	}
	return Principal{UserID: claims.Subject, Roles: claims.Roles}, nil
}

// Issue подписывает токен для пользователя. Используется нагрузочным генератором и тестами.
func (v *Validator) Issue(userID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
