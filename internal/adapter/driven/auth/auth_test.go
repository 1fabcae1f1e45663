package auth

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/golang-jwt/jwt/v5"
)

func TestDev_Authenticate(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		header  string
		want    domain.UserID
		wantErr bool
	}{
		{"query", "/ws?identity=alice", "", "alice", false},
		{"header", "/ws", "bob", "bob", false},
		{"missing", "/ws", "", "", true},
		{"space", "/ws?identity=a%20b", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("X-Identity", tt.header)
			}
			got, err := Dev{}.Authenticate(r)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrUnauthenticated) {
					t.Fatalf("err=%v, want ErrUnauthenticated", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("authenticate: %v", err)
			}
			if got != tt.want {
				t.Fatalf("identity=%q, want %q", got, tt.want)
			}
		})
	}
}

func TestToken_IssueAndVerify(t *testing.T) {
	tok, err := NewToken("0123456789abcdef")
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	raw, err := tok.Issue("alice", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	got, err := tok.Authenticate(r)
	if err != nil {
		t.Fatalf("authenticate header: %v", err)
	}
	if got != "alice" {
		t.Fatalf("identity=%q, want alice", got)
	}

	r = httptest.NewRequest("GET", "/ws?token="+raw, nil)
	if got, err := tok.Authenticate(r); err != nil || got != "alice" {
		t.Fatalf("authenticate query: id=%q err=%v", got, err)
	}
}

func TestToken_Rejects(t *testing.T) {
	tok, _ := NewToken("0123456789abcdef")
	other, _ := NewToken("fedcba9876543210")
	valid, _ := tok.Issue("alice", time.Minute)
	forged, _ := other.Issue("alice", time.Minute)

	expiredIssuer, _ := NewToken("0123456789abcdef")
	expiredIssuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _ := expiredIssuer.Issue("alice", time.Minute)

	earlyIssuer, _ := NewToken("0123456789abcdef")
	earlyIssuer.now = func() time.Time { return time.Now().Add(time.Hour) }
	early, _ := earlyIssuer.Issue("alice", 2*time.Hour)

	parts := strings.Split(valid, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "alice",
	}).SignedString([]byte("0123456789abcdef"))

	for name, raw := range map[string]string{
		"forged":    forged,
		"expired":   expired,
		"not yet":   early,
		"tampered":  tampered,
		"alg none":  unsigned,
		"no expiry": noExpiry,
		"malformed": "abc",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := tok.Verify(raw); !errors.Is(err, domain.ErrUnauthenticated) {
				t.Fatalf("err=%v, want ErrUnauthenticated", err)
			}
		})
	}
}

func TestToken_ToleratesClockSkew(t *testing.T) {
	tok, _ := NewToken("0123456789abcdef")
	ahead, _ := NewToken("0123456789abcdef")
	ahead.now = func() time.Time { return time.Now().Add(10 * time.Second) }
	raw, _ := ahead.Issue("alice", time.Minute)
	if got, err := tok.Verify(raw); err != nil || got != "alice" {
		t.Fatalf("identity=%q err=%v, want alice", got, err)
	}
}

func TestNewToken_ShortSecret(t *testing.T) {
	if _, err := NewToken("short"); err == nil {
		t.Fatalf("expected error")
	}
}
