// Package playback issues short-lived playback credentials and gates stream
// and media access behind them.
package playback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultIssuer   = "opticast"
	DefaultAudience = "opticast_users"
	DefaultTTL      = time.Hour
)

var (
	ErrInvalidToken  = errors.New("invalid playback token")
	ErrExpiredToken  = errors.New("playback token expired")
	ErrScopeMismatch = errors.New("playback token does not cover this asset")
)

// Claims scopes a playback token to one asset of one collection.
type Claims struct {
	MediaCollectionID string `json:"mediaCollectionId"`
	VideoID           string `json:"videoId"`
	jwt.RegisteredClaims
}

// TokenConfig holds the signing secrets. TokenSecret signs the JWT and
// CookieSecret signs the cookie envelope around it.
type TokenConfig struct {
	TokenSecret  string
	CookieSecret string
	TTL          time.Duration
	Issuer       string
	Audience     string
}

// TokenService issues and verifies playback tokens.
type TokenService struct {
	tokenSecret  []byte
	cookieSecret []byte
	ttl          time.Duration
	issuer       string
	audience     string
	now          func() time.Time
}

// NewTokenService validates cfg.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return nil, errors.New("playback token secret is required")
	}
	if strings.TrimSpace(cfg.CookieSecret) == "" {
		return nil, errors.New("playback cookie secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	return &TokenService{
		tokenSecret:  []byte(cfg.TokenSecret),
		cookieSecret: []byte(cfg.CookieSecret),
		ttl:          cfg.TTL,
		issuer:       cfg.Issuer,
		audience:     cfg.Audience,
		now:          time.Now,
	}, nil
}

// Issue signs a token for exactly one (collection, asset) pair.
func (s *TokenService) Issue(collectionID, assetID string) (string, time.Time, error) {
	if collectionID == "" || assetID == "" {
		return "", time.Time{}, errors.New("collection and asset are required")
	}
	now := s.now()
	expires := now.Add(s.ttl)
	claims := &Claims{
		MediaCollectionID: collectionID,
		VideoID:           assetID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.tokenSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign playback token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks signature, issuer, audience and expiry, then the scope.
func (s *TokenService) Verify(tokenString, collectionID, assetID string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.MediaCollectionID != collectionID || claims.VideoID != assetID {
		return nil, ErrScopeMismatch
	}
	return claims, nil
}

func (s *TokenService) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.tokenSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueCookie returns a cookie value wrapping a fresh token with an HMAC
// signature: token "." base64url(HMAC-SHA256(cookieSecret, token)).
func (s *TokenService) IssueCookie(collectionID, assetID string) (string, time.Time, error) {
	token, expires, err := s.Issue(collectionID, assetID)
	if err != nil {
		return "", time.Time{}, err
	}
	return token + "." + s.sign(token), expires, nil
}

// VerifyCookie checks the envelope signature and then the token.
func (s *TokenService) VerifyCookie(value, collectionID, assetID string) (*Claims, error) {
	idx := strings.LastIndexByte(value, '.')
	if idx <= 0 || idx == len(value)-1 {
		return nil, ErrInvalidToken
	}
	token, signature := value[:idx], value[idx+1:]
	if !hmac.Equal([]byte(signature), []byte(s.sign(token))) {
		return nil, ErrInvalidToken
	}
	return s.Verify(token, collectionID, assetID)
}

func (s *TokenService) sign(token string) string {
	mac := hmac.New(sha256.New, s.cookieSecret)
	mac.Write([]byte(token))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
