// Package identity resolves the bearer credential of a WebSocket handshake to
// an authenticated user.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/junqo/messaging-gateway/internal/ability"
	"github.com/junqo/messaging-gateway/internal/fault"
)

// Verifier resolves a token to the user it was issued for. Failures are
// Authentication faults.
type Verifier interface {
	Verify(ctx context.Context, token string) (ability.User, error)
}

// Claims is the JWT claim set: the user id travels in "sub".
type Claims struct {
	Email string           `json:"email"`
	Type  ability.UserType `json:"type"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed tokens.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (ability.User, error) {
	if token == "" {
		return ability.User{}, fault.Unauthenticated("missing token")
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ability.User{}, &fault.Error{Kind: fault.Authentication, Message: "token expired", Err: err}
		}
		return ability.User{}, &fault.Error{Kind: fault.Authentication, Message: "invalid token", Err: err}
	}

	if claims.Subject == "" {
		return ability.User{}, fault.Unauthenticated("token has no subject")
	}
	if !claims.Type.Valid() {
		return ability.User{}, fault.Unauthenticated("token has unknown user type %q", claims.Type)
	}

	return ability.User{ID: claims.Subject, Email: claims.Email, Type: claims.Type}, nil
}

// Issue signs a token for user valid for ttl. It is used by tooling and
// tests; production tokens come from the platform's auth service.
func (v *JWTVerifier) Issue(user ability.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: user.Email,
		Type:  user.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest extracts the bearer credential of a handshake. It looks at
// the "token" query parameter, then the Authorization header (with or
// without the "Bearer " prefix), then the "token" cookie.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return h
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}
