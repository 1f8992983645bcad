// Package claims validates signed JWTs issued by the provider against its
// published keys.
package claims

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"oidcclient/metadata"
	"oidcclient/metrics"
	"oidcclient/oidcerr"
)

// Issuer modes.
const (
	// IssuerOP trusts the issuer from discovery metadata.
	IssuerOP = "OP"
	// IssuerAny trusts whatever issuer the token names.
	IssuerAny = "ANY"
)

// KeySource provides the trusted issuer and the signing key set.
type KeySource interface {
	Issuer(ctx context.Context) (string, error)
	GetSigningKeys(ctx context.Context) ([]metadata.SigningKey, error)
	ResetSigningKeys()
}

// Options are the per-call validation inputs.
type Options struct {
	// Audience is the expected aud, normally the client id.
	Audience string
	// IssuerMode is IssuerOP, IssuerAny, or a literal issuer.
	IssuerMode string
	ClockSkew  time.Duration
	// TimeInsensitive skips exp/nbf/iat checks, as for userinfo JWTs.
	TimeInsensitive bool
}

// Validator resolves issuer and key for a token and hands the signature and
// claim checks to a SignatureVerifier.
type Validator struct {
	keys     KeySource
	verifier SignatureVerifier
	logger   *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithVerifier replaces the default golang-jwt verifier.
func WithVerifier(v SignatureVerifier) Option {
	return func(val *Validator) {
		val.verifier = v
	}
}

// NewValidator builds a Validator.
func NewValidator(keys KeySource, logger *slog.Logger, opts ...Option) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{keys: keys, verifier: JWTVerifier{}, logger: logger}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate verifies token and returns its payload.
func (v *Validator) Validate(ctx context.Context, token string, opts Options) (map[string]any, error) {
	out, err := v.validate(ctx, token, opts)
	metrics.RecordValidation(err)
	if err != nil {
		v.logger.Warn("token validation failed", "error", err)
		return nil, err
	}
	return out, nil
}

func (v *Validator) validate(ctx context.Context, token string, opts Options) (map[string]any, error) {
	if token == "" {
		return nil, oidcerr.Validation("token is required")
	}

	unverified := jwt.MapClaims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, unverified)
	if err != nil {
		return nil, oidcerr.Parse("failed to parse token", err)
	}

	issuer, err := v.trustedIssuer(ctx, opts.IssuerMode, unverified)
	if err != nil {
		return nil, err
	}
	v.logger.Debug("validating token", "issuer", issuer, "audience", opts.Audience)

	keys, err := v.keys.GetSigningKeys(ctx)
	if err != nil {
		return nil, err
	}
	kid, _ := parsed.Header["kid"].(string)
	key, err := SelectKey(keys, kid, parsed.Method.Alg())
	if err != nil {
		if errors.Is(err, oidcerr.ErrNoMatchingKey) {
			v.keys.ResetSigningKeys()
		}
		return nil, err
	}
	pub, err := key.PublicKey()
	if err != nil {
		return nil, err
	}

	return v.verifier.Verify(token, pub, VerifyParams{
		Issuer:          issuer,
		Audience:        opts.Audience,
		ClockSkew:       opts.ClockSkew,
		TimeInsensitive: opts.TimeInsensitive,
	})
}

func (v *Validator) trustedIssuer(ctx context.Context, mode string, payload jwt.MapClaims) (string, error) {
	switch mode {
	case IssuerOP, "":
		return v.keys.Issuer(ctx)
	case IssuerAny:
		iss, _ := payload.GetIssuer()
		if iss == "" {
			return "", oidcerr.Validation("token does not contain an issuer")
		}
		return iss, nil
	default:
		return mode, nil
	}
}

// SelectKey picks the single key that can verify a token. With a kid the
// match is exact; without one the keys are narrowed by algorithm family
// and exactly one must remain.
func SelectKey(keys []metadata.SigningKey, kid, alg string) (metadata.SigningKey, error) {
	if kid != "" {
		for _, k := range keys {
			if k.Kid == kid {
				return k, nil
			}
		}
		return metadata.SigningKey{}, oidcerr.NoMatchingKey("no key matching kid %q found in signing keys", kid)
	}

	candidates := filterByAlg(keys, alg)
	switch len(candidates) {
	case 0:
		return metadata.SigningKey{}, oidcerr.NoMatchingKey("no key matching alg %q found in signing keys", alg)
	case 1:
		return candidates[0], nil
	default:
		return metadata.SigningKey{}, oidcerr.AmbiguousKey("no kid found in token and %d keys match alg %q", len(candidates), alg)
	}
}

func filterByAlg(keys []metadata.SigningKey, alg string) []metadata.SigningKey {
	var kty string
	switch {
	case strings.HasPrefix(alg, "RS"):
		kty = "RSA"
	case strings.HasPrefix(alg, "PS"):
		kty = "PS"
	case strings.HasPrefix(alg, "ES"):
		kty = "EC"
	default:
		return nil
	}
	var out []metadata.SigningKey
	for _, k := range keys {
		if k.Kty == kty {
			out = append(out, k)
		}
	}
	return out
}
