package recording

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "liveclass"

// ChannelClaims authorize a recorder to join one channel.
type ChannelClaims struct {
	Channel string `json:"cname"`
	UID     int    `json:"uid"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// CopyClaims authorize the archive worker to report back on one recording.
type CopyClaims struct {
	Acronym string `json:"acronym"`
	SID     string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenSigner mints HMAC-signed tokens for recorders and copy jobs. It
// implements interfaces.TokenSource.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenSigner returns a signer. A non-positive ttl defaults to one hour.
func NewTokenSigner(secret string, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// ChannelToken signs a publisher token for uid in channel.
func (s *TokenSigner) ChannelToken(channel string, uid int) (string, error) {
	now := s.now()
	return s.sign(ChannelClaims{
		Channel: channel,
		UID:     uid,
		Role:    "publisher",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   channel,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
}

// CopyJobToken signs the token carried by a copy job.
func (s *TokenSigner) CopyJobToken(acronym, sid string) (string, error) {
	now := s.now()
	return s.sign(CopyClaims{
		Acronym: acronym,
		SID:     sid,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   sid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
}

// VerifyCopyToken checks a copy job token and returns its claims.
func (s *TokenSigner) VerifyCopyToken(token string) (*CopyClaims, error) {
	if len(s.secret) == 0 {
		return nil, ErrMissingSecret
	}
	claims := &CopyClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *TokenSigner) sign(claims jwt.Claims) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrMissingSecret
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
