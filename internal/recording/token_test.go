package recording

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenSigner_CopyTokenRoundTrip(t *testing.T) {
	signer := NewTokenSigner("secret", time.Minute)

	token, err := signer.CopyJobToken("ABC", "sid-1")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	claims, err := signer.VerifyCopyToken(token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Acronym != "ABC" || claims.SID != "sid-1" || claims.Issuer != tokenIssuer {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenSigner_RejectsForeignAndExpired(t *testing.T) {
	signer := NewTokenSigner("secret", time.Minute)
	token, _ := signer.CopyJobToken("ABC", "sid-1")

	other := NewTokenSigner("other", time.Minute)
	if _, err := other.VerifyCopyToken(token); err == nil {
		t.Error("token verified with the wrong secret")
	}

	signer.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := signer.VerifyCopyToken(token); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("expected expiry error, got %v", err)
	}
}

func TestTokenSigner_ChannelToken(t *testing.T) {
	signer := NewTokenSigner("secret", 0)
	if signer.ttl != time.Hour {
		t.Errorf("default ttl = %v", signer.ttl)
	}

	token, err := signer.ChannelToken("ABC", CompositeUID)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	claims := &ChannelClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return []byte("secret"), nil })
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if claims.Channel != "ABC" || claims.UID != CompositeUID || claims.Role != "publisher" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenSigner_MissingSecret(t *testing.T) {
	signer := NewTokenSigner("", time.Minute)
	if _, err := signer.ChannelToken("ABC", CompositeUID); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("channel token error = %v", err)
	}
	if _, err := signer.CopyJobToken("ABC", "sid"); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("copy token error = %v", err)
	}
	if _, err := signer.VerifyCopyToken("x.y.z"); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("verify error = %v", err)
	}
}
