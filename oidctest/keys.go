// Package oidctest runs an in-process OpenID provider for tests.
package oidctest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"sync"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type signingKey struct {
	private crypto.Signer
	method  jwt.SigningMethod
	jwk     jose.JSONWebKey
}

// KeySet holds the provider's signing keys. The first key signs.
type KeySet struct {
	mu   sync.RWMutex
	keys []signingKey
}

// NewKeySet creates a set with one RSA key.
func NewKeySet() (*KeySet, error) {
	ks := &KeySet{}
	if _, err := ks.AddRSA(""); err != nil {
		return nil, err
	}
	return ks, nil
}

// AddRSA generates an RS256 key. An empty kid gets a random one; use
// NoKID to publish the key without a kid.
func (ks *KeySet) AddRSA(kid string) (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", err
	}
	return ks.add(key, jwt.SigningMethodRS256, string(jose.RS256), kid), nil
}

// AddEC generates an ES256 key.
func (ks *KeySet) AddEC(kid string) (string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", err
	}
	return ks.add(key, jwt.SigningMethodES256, string(jose.ES256), kid), nil
}

// NoKID publishes a key without a key id.
const NoKID = "-"

func (ks *KeySet) add(key crypto.Signer, method jwt.SigningMethod, alg, kid string) string {
	switch kid {
	case "":
		kid = randomKID()
	case NoKID:
		kid = ""
	}
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: alg, Use: "sig"}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys = append(ks.keys, signingKey{private: key, method: method, jwk: jwk})
	return kid
}

// Rotate puts a fresh RSA key in front and drops every other key.
func (ks *KeySet) Rotate() (string, error) {
	fresh := &KeySet{}
	kid, err := fresh.AddRSA("")
	if err != nil {
		return "", err
	}
	ks.mu.Lock()
	ks.keys = fresh.keys
	ks.mu.Unlock()
	return kid, nil
}

// Reset removes every key.
func (ks *KeySet) Reset() {
	ks.mu.Lock()
	ks.keys = nil
	ks.mu.Unlock()
}

// Sign signs claims with the current key, stamping its kid if it has one.
func (ks *KeySet) Sign(claims jwt.MapClaims) (string, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return sign(ks.keys[0], claims)
}

// SignWith signs with the key registered under kid, or the first key
// without a kid when kid is NoKID.
func (ks *KeySet) SignWith(kid string, claims jwt.MapClaims) (string, error) {
	if kid == NoKID {
		kid = ""
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	for _, k := range ks.keys {
		if k.jwk.KeyID == kid {
			return sign(k, claims)
		}
	}
	return "", jwt.ErrInvalidKey
}

// PublicJWKS exposes the public halves.
func (ks *KeySet) PublicJWKS() jose.JSONWebKeySet {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]jose.JSONWebKey, 0, len(ks.keys))
	for _, k := range ks.keys {
		out = append(out, k.jwk.Public())
	}
	return jose.JSONWebKeySet{Keys: out}
}

func sign(k signingKey, claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(k.method, claims)
	if k.jwk.KeyID != "" {
		token.Header["kid"] = k.jwk.KeyID
	}
	return token.SignedString(k.private)
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
