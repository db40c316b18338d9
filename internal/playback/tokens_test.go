package playback

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestTokens(t *testing.T) *TokenService {
	t.Helper()
	svc, err := NewTokenService(TokenConfig{TokenSecret: "token-secret", CookieSecret: "cookie-secret"})
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return svc
}

func TestIssueAndVerify(t *testing.T) {
	svc := newTestTokens(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	token, expires, err := svc.Issue("col-1", "asset-a")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !expires.Equal(fixed.Add(time.Hour)) {
		t.Fatalf("expected one hour expiry, got %s", expires)
	}
	claims, err := svc.Verify(token, "col-1", "asset-a")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Issuer != "opticast" || len(claims.Audience) != 1 || claims.Audience[0] != "opticast_users" {
		t.Fatalf("unexpected registered claims %+v", claims.RegisteredClaims)
	}
}

func TestVerifyRejectsOtherAsset(t *testing.T) {
	svc := newTestTokens(t)
	token, _, err := svc.Issue("col-1", "asset-a")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Verify(token, "col-1", "asset-b"); !errors.Is(err, ErrScopeMismatch) {
		t.Fatalf("expected ErrScopeMismatch, got %v", err)
	}
	if _, err := svc.Verify(token, "col-2", "asset-a"); !errors.Is(err, ErrScopeMismatch) {
		t.Fatalf("expected ErrScopeMismatch, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	svc := newTestTokens(t)
	issued := time.Now().Add(-2 * time.Hour)
	svc.now = func() time.Time { return issued }
	token, _, err := svc.Issue("col-1", "asset-a")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	svc.now = time.Now
	if _, err := svc.Verify(token, "col-1", "asset-a"); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyRejectsForeignIssuerAndAlgorithm(t *testing.T) {
	svc := newTestTokens(t)
	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		MediaCollectionID: "col-1",
		VideoID:           "asset-a",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Audience:  jwt.ClaimStrings{DefaultAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := foreign.SignedString([]byte("token-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.Verify(signed, "col-1", "asset-a"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign issuer, got %v", err)
	}

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		MediaCollectionID: "col-1",
		VideoID:           "asset-a",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			Audience:  jwt.ClaimStrings{DefaultAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	none, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := svc.Verify(none, "col-1", "asset-a"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for alg none, got %v", err)
	}
}

func TestCookieRoundTripAndTampering(t *testing.T) {
	svc := newTestTokens(t)
	value, _, err := svc.IssueCookie("col-1", "asset-a")
	if err != nil {
		t.Fatalf("IssueCookie: %v", err)
	}
	if strings.Count(value, ".") != 3 {
		t.Fatalf("expected jwt plus signature, got %q", value)
	}
	if _, err := svc.VerifyCookie(value, "col-1", "asset-a"); err != nil {
		t.Fatalf("VerifyCookie: %v", err)
	}

	idx := strings.LastIndexByte(value, '.')
	tampered := value[:idx] + ".AAAA" + value[idx+5:]
	if _, err := svc.VerifyCookie(tampered, "col-1", "asset-a"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected tampered signature to fail, got %v", err)
	}
	bare := value[:idx]
	if _, err := svc.VerifyCookie(bare, "col-1", "asset-a"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected bare token to fail, got %v", err)
	}

	other, err := NewTokenService(TokenConfig{TokenSecret: "token-secret", CookieSecret: "other"})
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	if _, err := other.VerifyCookie(value, "col-1", "asset-a"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected foreign cookie secret to fail, got %v", err)
	}
}

func TestNewTokenServiceRequiresSecrets(t *testing.T) {
	if _, err := NewTokenService(TokenConfig{CookieSecret: "x"}); err == nil {
		t.Fatal("expected missing token secret error")
	}
	if _, err := NewTokenService(TokenConfig{TokenSecret: "x"}); err == nil {
		t.Fatal("expected missing cookie secret error")
	}
}
