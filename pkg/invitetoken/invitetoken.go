// Package invitetoken issues and checks the stateless tokens embedded in
// account activation links. A token binds a user id to its issuance time and
// is signed with the server secret; nothing is stored server-side.
package invitetoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenType     = "invitation"
	DefaultMaxAge = 7 * 24 * time.Hour
)

var ErrNoSecret = errors.New("invitation token secret not configured")

type Claims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

type Generator struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

func New(secret string, maxAge time.Duration) *Generator {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Generator{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// WithClock returns a copy of g that reads the current time from now.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	clone := *g
	clone.now = now
	return &clone
}

func (g *Generator) MaxAge() time.Duration {
	return g.maxAge
}

func (g *Generator) Make(userID uuid.UUID) (string, error) {
	if len(g.secret) == 0 {
		return "", ErrNoSecret
	}

	claims := Claims{
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID.String(),
			IssuedAt: jwt.NewNumericDate(g.now()),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign invitation token: %w", err)
	}
	return signed, nil
}

// Check reports whether token was issued by g for userID and is no older
// than the configured maximum age.
func (g *Generator) Check(userID uuid.UUID, token string) bool {
	if len(g.secret) == 0 || token == "" {
		return false
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return g.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		return false
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Type != tokenType || claims.IssuedAt == nil {
		return false
	}
	if claims.Subject != userID.String() {
		return false
	}

	age := g.now().Sub(claims.IssuedAt.Time)
	return age >= 0 && age <= g.maxAge
}
