package claims

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"oidcclient/fetch"
	"oidcclient/metadata"
	"oidcclient/oidcerr"
	"oidcclient/oidctest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestValidator(t *testing.T) (*Validator, *metadata.Service, *oidctest.Provider) {
	t.Helper()
	p, err := oidctest.NewProvider()
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	t.Cleanup(p.Close)

	md := metadata.New(metadata.Settings{Authority: p.URL}, fetch.New(nil, testLogger()), testLogger())
	return NewValidator(md, testLogger()), md, p
}

func defaultOptions() Options {
	return Options{Audience: oidctest.ClientID, IssuerMode: IssuerOP, ClockSkew: 5 * time.Minute}
}

func TestValidateIDToken(t *testing.T) {
	v, _, p := newTestValidator(t)
	tok, err := p.IDToken("n1", jwt.MapClaims{"email": "alice@example.com"})
	if err != nil {
		t.Fatalf("IDToken: %v", err)
	}

	got, err := v.Validate(context.Background(), tok, defaultOptions())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got["sub"] != oidctest.Subject || got["nonce"] != "n1" || got["email"] != "alice@example.com" {
		t.Fatalf("unexpected claims: %v", got)
	}
}

func TestValidateMalformed(t *testing.T) {
	v, _, _ := newTestValidator(t)
	_, err := v.Validate(context.Background(), "not-a-jwt", defaultOptions())
	if !errors.Is(err, oidcerr.ErrParse) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if _, err := v.Validate(context.Background(), "", defaultOptions()); !errors.Is(err, oidcerr.ErrValidation) {
		t.Fatalf("expected validation error for empty token, got %v", err)
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	v, _, p := newTestValidator(t)
	tok, err := p.IDToken("", jwt.MapClaims{"aud": "someone-else"})
	if err != nil {
		t.Fatalf("IDToken: %v", err)
	}
	if _, err := v.Validate(context.Background(), tok, defaultOptions()); !errors.Is(err, oidcerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	v, _, p := newTestValidator(t)
	past := time.Now().Add(-10 * time.Minute)
	tok, err := p.IDToken("", jwt.MapClaims{"iat": past.Add(-time.Minute).Unix(), "exp": past.Unix()})
	if err != nil {
		t.Fatalf("IDToken: %v", err)
	}
	if _, err := v.Validate(context.Background(), tok, defaultOptions()); !errors.Is(err, oidcerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateClockSkew(t *testing.T) {
	v, _, p := newTestValidator(t)
	recent := time.Now().Add(-2 * time.Minute)
	tok, err := p.IDToken("", jwt.MapClaims{"iat": recent.Add(-time.Minute).Unix(), "exp": recent.Unix()})
	if err != nil {
		t.Fatalf("IDToken: %v", err)
	}
	if _, err := v.Validate(context.Background(), tok, defaultOptions()); err != nil {
		t.Fatalf("token within skew should validate: %v", err)
	}

	opts := defaultOptions()
	opts.ClockSkew = 0
	if _, err := v.Validate(context.Background(), tok, opts); !errors.Is(err, oidcerr.ErrValidation) {
		t.Fatalf("expected expiry failure without skew, got %v", err)
	}
}

func TestValidateIssuerModes(t *testing.T) {
	v, _, p := newTestValidator(t)
	tok, err := p.IDToken("", jwt.MapClaims{"iss": "http://other"})
	if err != nil {
		t.Fatalf("IDToken: %v", err)
	}

	if _, err := v.Validate(context.Background(), tok, defaultOptions()); !errors.Is(err, oidcerr.ErrValidation) {
		t.Fatalf("OP mode should reject foreign issuer, got %v", err)
	}

	opts := defaultOptions()
	opts.IssuerMode = IssuerAny
	if _, err := v.Validate(context.Background(), tok, opts); err != nil {
		t.Fatalf("ANY mode should accept token issuer: %v", err)
	}

	opts.IssuerMode = "http://other"
	if _, err := v.Validate(context.Background(), tok, opts); err != nil {
		t.Fatalf("literal issuer should match: %v", err)
	}
	opts.IssuerMode = "http://third"
	if _, err := v.Validate(context.Background(), tok, opts); !errors.Is(err, oidcerr.ErrValidation) {
		t.Fatalf("literal issuer mismatch should fail, got %v", err)
	}
}

func TestValidateBadSignature(t *testing.T) {
	v, _, p := newTestValidator(t)
	tok, err := p.IDToken("", nil)
	if err != nil {
		t.Fatalf("IDToken: %v", err)
	}
	tampered := tok[:len(tok)-4] + "AAAA"
	if tampered == tok {
		tampered = tok[:len(tok)-4] + "BBBB"
	}
	if _, err := v.Validate(context.Background(), tampered, defaultOptions()); !errors.Is(err, oidcerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateUnknownKidResetsKeys(t *testing.T) {
	v, md, p := newTestValidator(t)
	ctx := context.Background()
	if _, err := md.GetSigningKeys(ctx); err != nil {
		t.Fatalf("GetSigningKeys: %v", err)
	}
	if _, err := p.Keys.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	tok, err := p.IDToken("", nil)
	if err != nil {
		t.Fatalf("IDToken: %v", err)
	}
	if _, err := v.Validate(ctx, tok, defaultOptions()); !errors.Is(err, oidcerr.ErrNoMatchingKey) {
		t.Fatalf("expected no matching key, got %v", err)
	}

	// The miss dropped the cached set, so the retry sees the rotated key.
	if _, err := v.Validate(ctx, tok, defaultOptions()); err != nil {
		t.Fatalf("retry after rotation: %v", err)
	}
	if hits := p.JWKSHits.Load(); hits != 2 {
		t.Fatalf("expected 2 jwks fetches, got %d", hits)
	}
}

func TestValidateWithoutKid(t *testing.T) {
	v, _, p := newTestValidator(t)
	p.Keys.Reset()
	if _, err := p.Keys.AddRSA(oidctest.NoKID); err != nil {
		t.Fatalf("AddRSA: %v", err)
	}

	tok, err := p.IDToken("", nil)
	if err != nil {
		t.Fatalf("IDToken: %v", err)
	}
	if _, err := v.Validate(context.Background(), tok, defaultOptions()); err != nil {
		t.Fatalf("single key without kid should validate: %v", err)
	}
}

func TestValidateEC(t *testing.T) {
	v, _, p := newTestValidator(t)
	kid, err := p.Keys.AddEC("ec1")
	if err != nil {
		t.Fatalf("AddEC: %v", err)
	}
	tok, err := p.Keys.SignWith(kid, jwt.MapClaims{
		"iss": p.URL,
		"sub": oidctest.Subject,
		"aud": oidctest.ClientID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("SignWith: %v", err)
	}
	if _, err := v.Validate(context.Background(), tok, defaultOptions()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateTimeInsensitive(t *testing.T) {
	v, _, p := newTestValidator(t)
	tok, err := p.Keys.Sign(jwt.MapClaims{"iss": p.URL, "aud": oidctest.ClientID, "sub": oidctest.Subject})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	opts := defaultOptions()
	if _, err := v.Validate(context.Background(), tok, opts); !errors.Is(err, oidcerr.ErrValidation) {
		t.Fatalf("token without exp should fail timed validation, got %v", err)
	}
	opts.TimeInsensitive = true
	if _, err := v.Validate(context.Background(), tok, opts); err != nil {
		t.Fatalf("time-insensitive validation: %v", err)
	}
	opts.Audience = "other"
	if _, err := v.Validate(context.Background(), tok, opts); !errors.Is(err, oidcerr.ErrValidation) {
		t.Fatalf("audience still checked, got %v", err)
	}
}

func TestValidateAuthorizedParty(t *testing.T) {
	v, _, p := newTestValidator(t)
	tok, err := p.IDToken("", jwt.MapClaims{"aud": []string{oidctest.ClientID, "api"}, "azp": "api"})
	if err != nil {
		t.Fatalf("IDToken: %v", err)
	}
	if _, err := v.Validate(context.Background(), tok, defaultOptions()); !errors.Is(err, oidcerr.ErrValidation) {
		t.Fatalf("expected azp mismatch, got %v", err)
	}
}

func key(kty, kid string) metadata.SigningKey {
	return metadata.SigningKey{Kty: kty, Kid: kid}
}

func TestSelectKey(t *testing.T) {
	keys := []metadata.SigningKey{key("RSA", "a"), key("RSA", "b"), key("EC", "")}

	if k, err := SelectKey(keys, "b", "RS256"); err != nil || k.Kid != "b" {
		t.Fatalf("kid match = %+v, %v", k, err)
	}
	if _, err := SelectKey(keys, "z", "RS256"); !errors.Is(err, oidcerr.ErrNoMatchingKey) {
		t.Fatalf("unknown kid should not match, got %v", err)
	}
	if _, err := SelectKey(keys, "", "RS256"); !errors.Is(err, oidcerr.ErrAmbiguousKey) {
		t.Fatalf("two RSA keys without kid should be ambiguous, got %v", err)
	}
	if k, err := SelectKey(keys, "", "ES256"); err != nil || k.Kty != "EC" {
		t.Fatalf("single EC key = %+v, %v", k, err)
	}
	if _, err := SelectKey(keys, "", "PS256"); !errors.Is(err, oidcerr.ErrNoMatchingKey) {
		t.Fatalf("PS family filters on kty PS, got %v", err)
	}
	if _, err := SelectKey(keys, "", "HS256"); !errors.Is(err, oidcerr.ErrNoMatchingKey) {
		t.Fatalf("unsupported family should yield no key, got %v", err)
	}
}

type stubVerifier struct {
	got VerifyParams
}

func (s *stubVerifier) Verify(_ string, _ any, p VerifyParams) (map[string]any, error) {
	s.got = p
	return map[string]any{"ok": true}, nil
}

func TestValidateUsesInjectedVerifier(t *testing.T) {
	_, md, p := newTestValidator(t)
	stub := &stubVerifier{}
	v := NewValidator(md, testLogger(), WithVerifier(stub))

	tok, err := p.IDToken("", nil)
	if err != nil {
		t.Fatalf("IDToken: %v", err)
	}
	got, err := v.Validate(context.Background(), tok, defaultOptions())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got["ok"] != true || stub.got.Issuer != p.URL || stub.got.Audience != oidctest.ClientID {
		t.Fatalf("verifier not called with resolved params: %+v", stub.got)
	}
}
