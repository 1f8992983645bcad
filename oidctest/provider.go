package oidctest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"oidcclient/state"
)

// Client credentials accepted by the provider.
const (
	ClientID     = "client"
	ClientSecret = "secret"
	Subject      = "alice"
)

type grant struct {
	redirectURI   string
	nonce         string
	codeChallenge string
	scope         string
}

// Provider is an OpenID provider served by httptest. Fields may be changed
// before the first request.
type Provider struct {
	Server *httptest.Server
	URL    string
	Keys   *KeySet

	// Discovery is served as the discovery document.
	Discovery map[string]any
	// UserInfo is returned by the userinfo endpoint.
	UserInfo map[string]any
	// UserInfoJWT serves userinfo as a signed JWT.
	UserInfoJWT bool
	// TokenLifetime is the expires_in of issued access tokens.
	TokenLifetime time.Duration

	DiscoveryHits atomic.Int32
	JWKSHits      atomic.Int32
	TokenHits     atomic.Int32

	mu           sync.Mutex
	codes        map[string]grant
	refresh      map[string]string
	lastAuth     string
	lastForm     url.Values
	accessTokens map[string]bool
}

// NewProvider starts a provider. Close it with Server.Close.
func NewProvider() (*Provider, error) {
	keys, err := NewKeySet()
	if err != nil {
		return nil, err
	}
	p := &Provider{
		Keys:          keys,
		UserInfo:      map[string]any{"sub": Subject, "name": "Alice", "email": "alice@example.com"},
		TokenLifetime: time.Hour,
		codes:         make(map[string]grant),
		refresh:       make(map[string]string),
		accessTokens:  make(map[string]bool),
	}

	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", p.handleDiscovery)
	r.Get("/jwks", p.handleJWKS)
	r.Post("/token", p.handleToken)
	r.Get("/userinfo", p.handleUserInfo)
	p.Server = httptest.NewServer(r)
	p.URL = p.Server.URL

	p.Discovery = map[string]any{
		"issuer":                                p.URL,
		"authorization_endpoint":                p.URL + "/authorize",
		"token_endpoint":                        p.URL + "/token",
		"userinfo_endpoint":                     p.URL + "/userinfo",
		"jwks_uri":                              p.URL + "/jwks",
		"end_session_endpoint":                  p.URL + "/logout",
		"response_types_supported":              []string{"code", "id_token", "code id_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"id_token_signing_alg_values_supported": []string{"RS256", "ES256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
	}
	return p, nil
}

// Close stops the server.
func (p *Provider) Close() {
	p.Server.Close()
}

// IDToken signs an id_token for Subject with the given extra claims.
func (p *Provider) IDToken(nonce string, extra jwt.MapClaims) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.URL,
		"sub": Subject,
		"aud": ClientID,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for k, v := range extra {
		claims[k] = v
	}
	return p.Keys.Sign(claims)
}

// Authorize plays the user agent at the authorization endpoint and returns
// the URL the provider would redirect to.
func (p *Provider) Authorize(authURL string) (string, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("client_id") != ClientID {
		return "", fmt.Errorf("unknown client %q", q.Get("client_id"))
	}
	redirectURI := q.Get("redirect_uri")
	responseType := strings.Fields(q.Get("response_type"))

	out := url.Values{}
	out.Set("state", q.Get("state"))
	fragment := true
	for _, rt := range responseType {
		switch rt {
		case "code":
			code := state.NewID()
			p.mu.Lock()
			p.codes[code] = grant{
				redirectURI:   redirectURI,
				nonce:         q.Get("nonce"),
				codeChallenge: q.Get("code_challenge"),
				scope:         q.Get("scope"),
			}
			p.mu.Unlock()
			out.Set("code", code)
		case "id_token":
			tok, err := p.IDToken(q.Get("nonce"), nil)
			if err != nil {
				return "", err
			}
			out.Set("id_token", tok)
		case "token":
			out.Set("access_token", p.newAccessToken())
			out.Set("token_type", "Bearer")
			out.Set("expires_in", fmt.Sprint(int(p.TokenLifetime.Seconds())))
		}
	}
	if len(responseType) == 1 && responseType[0] == "code" || q.Get("response_mode") == "query" {
		fragment = false
	}
	if fragment {
		return redirectURI + "#" + out.Encode(), nil
	}
	return redirectURI + "?" + out.Encode(), nil
}

// LastTokenRequest reports how the client authenticated ("basic" or
// "post") and the form of the most recent token request.
func (p *Provider) LastTokenRequest() (string, url.Values) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAuth, p.lastForm
}

func (p *Provider) newAccessToken() string {
	tok := state.NewID()
	p.mu.Lock()
	p.accessTokens[tok] = true
	p.mu.Unlock()
	return tok
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	p.DiscoveryHits.Add(1)
	writeJSON(w, http.StatusOK, p.Discovery)
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	p.JWKSHits.Add(1)
	writeJSON(w, http.StatusOK, p.Keys.PublicJWKS())
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.TokenHits.Add(1)
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", "invalid form")
		return
	}

	method := "basic"
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		method = "post"
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}
	p.mu.Lock()
	p.lastAuth = method
	p.lastForm = r.PostForm
	p.mu.Unlock()
	if clientID != ClientID || clientSecret != ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		p.handleAuthorizationCode(w, r)
	case "refresh_token":
		p.handleRefresh(w, r)
	default:
		oauthError(w, "unsupported_grant_type", "")
	}
}

func (p *Provider) handleAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostFormValue("code")
	p.mu.Lock()
	g, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()
	if !ok {
		oauthError(w, "invalid_grant", "code invalid or expired")
		return
	}
	if g.redirectURI != r.PostFormValue("redirect_uri") {
		oauthError(w, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if g.codeChallenge != "" {
		if err := verifyPKCE(g.codeChallenge, r.PostFormValue("code_verifier")); err != nil {
			oauthError(w, "invalid_grant", err.Error())
			return
		}
	}
	p.writeTokens(w, g.nonce, g.scope)
}

func (p *Provider) handleRefresh(w http.ResponseWriter, r *http.Request) {
	rt := r.PostFormValue("refresh_token")
	p.mu.Lock()
	scope, ok := p.refresh[rt]
	delete(p.refresh, rt)
	p.mu.Unlock()
	if !ok {
		oauthError(w, "invalid_grant", "unknown refresh_token")
		return
	}
	p.writeTokens(w, "", scope)
}

func (p *Provider) writeTokens(w http.ResponseWriter, nonce, scope string) {
	refresh := state.NewID()
	p.mu.Lock()
	p.refresh[refresh] = scope
	p.mu.Unlock()

	resp := map[string]any{
		"access_token":  p.newAccessToken(),
		"token_type":    "Bearer",
		"expires_in":    int(p.TokenLifetime.Seconds()),
		"refresh_token": refresh,
		"scope":         scope,
	}
	if strings.Contains(scope, "openid") {
		idToken, err := p.IDToken(nonce, nil)
		if err != nil {
			oauthError(w, "server_error", "failed to sign id_token")
			return
		}
		resp["id_token"] = idToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	p.mu.Lock()
	known := ok && p.accessTokens[token]
	p.mu.Unlock()
	if !known {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	if p.UserInfoJWT {
		claims := jwt.MapClaims{"iss": p.URL, "aud": ClientID}
		for k, v := range p.UserInfo {
			claims[k] = v
		}
		signed, err := p.Keys.Sign(claims)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/jwt")
		_, _ = w.Write([]byte(signed))
		return
	}
	writeJSON(w, http.StatusOK, p.UserInfo)
}

func verifyPKCE(challenge, verifier string) error {
	if verifier == "" {
		return errors.New("missing code_verifier")
	}
	sum := sha256.Sum256([]byte(verifier))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
		return errors.New("code_verifier mismatch")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, code, desc string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code, "error_description": desc})
}
