package metadata

import (
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v3"

	"oidcclient/oidcerr"
)

// SigningKey is one entry of a JWKS document. Raw keeps the full JWK so the
// key material can be decoded on demand.
type SigningKey struct {
	Kty string
	Kid string
	Alg string
	Use string
	Raw json.RawMessage
}

// UnmarshalJSON keeps the original JWK next to the selection fields.
func (k *SigningKey) UnmarshalJSON(b []byte) error {
	var head struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Alg string `json:"alg"`
		Use string `json:"use"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	k.Kty, k.Kid, k.Alg, k.Use = head.Kty, head.Kid, head.Alg, head.Use
	k.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON emits the original JWK.
func (k SigningKey) MarshalJSON() ([]byte, error) {
	if len(k.Raw) > 0 {
		return k.Raw, nil
	}
	return json.Marshal(map[string]string{"kty": k.Kty, "kid": k.Kid, "alg": k.Alg, "use": k.Use})
}

// PublicKey decodes the key material. Private JWKs are reduced to their
// public half.
func (k SigningKey) PublicKey() (any, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(k.Raw); err != nil {
		return nil, oidcerr.Parse(fmt.Sprintf("invalid signing key %q", k.Kid), err)
	}
	if !jwk.IsPublic() {
		jwk = jwk.Public()
	}
	if jwk.Key == nil {
		return nil, oidcerr.Protocol("signing key %q has no public part", k.Kid)
	}
	return jwk.Key, nil
}

// KeysFromJWKS reads the keys array of a JWKS document.
func KeysFromJWKS(doc map[string]any) ([]SigningKey, error) {
	raw, ok := doc["keys"]
	if !ok {
		return nil, oidcerr.Protocol("missing keys on keyset")
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, oidcerr.Protocol("keys on keyset is not an array")
	}
	keys := make([]SigningKey, 0, len(list))
	for i, item := range list {
		b, err := json.Marshal(item)
		if err != nil {
			return nil, oidcerr.Parse(fmt.Sprintf("keyset entry %d", i), err)
		}
		var key SigningKey
		if err := json.Unmarshal(b, &key); err != nil {
			return nil, oidcerr.Parse(fmt.Sprintf("keyset entry %d", i), err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
