package claims

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"oidcclient/oidcerr"
)

// VerifyParams are the checks applied once a key is resolved.
type VerifyParams struct {
	Issuer          string
	Audience        string
	ClockSkew       time.Duration
	TimeInsensitive bool
}

// SignatureVerifier checks a token's signature against key and validates
// its registered claims.
type SignatureVerifier interface {
	Verify(token string, key any, p VerifyParams) (map[string]any, error)
}

// asymmetricMethods are the only algorithms accepted against published keys.
var asymmetricMethods = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// JWTVerifier verifies with golang-jwt.
type JWTVerifier struct{}

// Verify implements SignatureVerifier.
func (JWTVerifier) Verify(token string, key any, p VerifyParams) (map[string]any, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods(asymmetricMethods)}
	if p.TimeInsensitive {
		opts = append(opts, jwt.WithoutClaimsValidation())
	} else {
		opts = append(opts,
			jwt.WithLeeway(p.ClockSkew),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithIssuer(p.Issuer),
		)
		if p.Audience != "" {
			opts = append(opts, jwt.WithAudience(p.Audience))
		}
	}

	mc := jwt.MapClaims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(token, mc, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return nil, oidcerr.Wrap(err, oidcerr.KindValidation, "token validation failed")
	}

	if p.TimeInsensitive {
		if err := checkIssuerAudience(mc, p); err != nil {
			return nil, err
		}
	}
	if err := checkAuthorizedParty(mc, p.Audience); err != nil {
		return nil, err
	}
	return map[string]any(mc), nil
}

func checkIssuerAudience(mc jwt.MapClaims, p VerifyParams) error {
	iss, _ := mc.GetIssuer()
	if iss != p.Issuer {
		return oidcerr.Validation("issuer %q does not match expected %q", iss, p.Issuer)
	}
	if p.Audience == "" {
		return nil
	}
	aud, _ := mc.GetAudience()
	if !slices.Contains(aud, p.Audience) {
		return oidcerr.Validation("audience %v does not contain %q", []string(aud), p.Audience)
	}
	return nil
}

// checkAuthorizedParty requires azp to name the client when several
// audiences are present.
func checkAuthorizedParty(mc jwt.MapClaims, audience string) error {
	aud, _ := mc.GetAudience()
	if len(aud) < 2 || audience == "" {
		return nil
	}
	azp, ok := mc["azp"].(string)
	if ok && azp != audience {
		return oidcerr.Validation("azp %q does not match client %q", azp, audience)
	}
	return nil
}
