package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/junqo/messaging-gateway/internal/ability"
	"github.com/junqo/messaging-gateway/internal/fault"
)

const secret = "test-secret"

var student = ability.User{ID: "u-1", Email: "s@example.com", Type: ability.TypeStudent}

func TestVerify_RoundTrip(t *testing.T) {
	v := NewJWTVerifier(secret)
	token, err := v.Issue(student, time.Minute)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	got, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if got != student {
		t.Fatalf("expected %+v, got %+v", student, got)
	}
}

func TestVerify_Rejects(t *testing.T) {
	v := NewJWTVerifier(secret)
	other := NewJWTVerifier("another-secret")

	expired, _ := v.Issue(student, -time.Minute)
	foreign, _ := other.Issue(student, time.Minute)
	noSubject, _ := v.Issue(ability.User{Type: ability.TypeStudent}, time.Minute)
	badType, _ := v.Issue(ability.User{ID: "u-1", Type: "ROBOT"}, time.Minute)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Type: ability.TypeAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"expired", expired},
		{"wrong secret", foreign},
		{"no subject", noSubject},
		{"unknown type", badType},
		{"alg none", none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.token)
			if !fault.Is(err, fault.Authentication) {
				t.Fatalf("expected authentication fault, got %v", err)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{"query", func(r *http.Request) {
			q := r.URL.Query()
			q.Set("token", "from-query")
			r.URL.RawQuery = q.Encode()
		}, "from-query"},
		{"bearer header", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer from-header")
		}, "from-header"},
		{"lowercase bearer", func(r *http.Request) {
			r.Header.Set("Authorization", "bearer from-header")
		}, "from-header"},
		{"raw header", func(r *http.Request) {
			r.Header.Set("Authorization", "raw-token")
		}, "raw-token"},
		{"cookie", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"})
		}, "from-cookie"},
		{"query wins", func(r *http.Request) {
			r.URL.RawQuery = "token=q"
			r.Header.Set("Authorization", "Bearer h")
		}, "q"},
		{"none", func(r *http.Request) {}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.setup(r)
			if got := TokenFromRequest(r); got != tt.want {
				t.Fatalf("TokenFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}
