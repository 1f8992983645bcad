// Package exchange redeems authorization codes and refresh tokens at the
// provider's token endpoint.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"oidcclient/oidcerr"
	"oidcclient/protocol"
)

// Client authentication methods at the token endpoint.
const (
	AuthClientSecretPost  = "client_secret_post"
	AuthClientSecretBasic = "client_secret_basic"
)

// ProviderConfigSource describes the provider endpoints.
type ProviderConfigSource interface {
	ProviderConfig(ctx context.Context) (*oidc.ProviderConfig, error)
}

// Settings identify the client at the token endpoint.
type Settings struct {
	ClientID             string
	ClientSecret         string
	RedirectURI          string
	Scopes               []string
	ClientAuthentication string
}

// CodeRequest is an authorization code redemption.
type CodeRequest struct {
	Code         string
	CodeVerifier string
	// RedirectURI overrides Settings.RedirectURI.
	RedirectURI      string
	ExtraTokenParams protocol.Params
}

// Exchanger talks to the token endpoint through x/oauth2.
type Exchanger struct {
	settings Settings
	source   ProviderConfigSource
	http     *http.Client
	logger   *slog.Logger
}

// New builds an Exchanger. A nil httpClient uses the x/oauth2 default.
func New(settings Settings, source ProviderConfigSource, httpClient *http.Client, logger *slog.Logger) *Exchanger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchanger{settings: settings, source: source, http: httpClient, logger: logger}
}

// ExchangeCode redeems req.Code, sending the PKCE verifier and any extra
// token parameters.
func (e *Exchanger) ExchangeCode(ctx context.Context, req CodeRequest) (*oauth2.Token, error) {
	if req.Code == "" {
		return nil, oidcerr.Validation("missing required parameter code")
	}
	cfg, err := e.oauthConfig(ctx, req.RedirectURI)
	if err != nil {
		return nil, err
	}

	var opts []oauth2.AuthCodeOption
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(req.CodeVerifier))
	}
	for _, p := range req.ExtraTokenParams {
		opts = append(opts, oauth2.SetAuthURLParam(p.Name, p.Value))
	}

	e.logger.Debug("exchanging authorization code", "token_endpoint", cfg.Endpoint.TokenURL)
	tok, err := cfg.Exchange(e.withClient(ctx), req.Code, opts...)
	if err != nil {
		return nil, tokenError("exchange authorization code", err)
	}
	return tok, nil
}

// Refresh redeems refreshToken for a new token set.
func (e *Exchanger) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, oidcerr.Validation("missing required parameter refresh_token")
	}
	cfg, err := e.oauthConfig(ctx, "")
	if err != nil {
		return nil, err
	}

	e.logger.Debug("refreshing token", "token_endpoint", cfg.Endpoint.TokenURL)
	tok, err := cfg.TokenSource(e.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, tokenError("refresh token", err)
	}
	return tok, nil
}

func (e *Exchanger) oauthConfig(ctx context.Context, redirectURI string) (*oauth2.Config, error) {
	pc, err := e.source.ProviderConfig(ctx)
	if err != nil {
		return nil, err
	}
	if pc.TokenURL == "" {
		return nil, oidcerr.Protocol("metadata does not contain property token_endpoint")
	}

	endpoint := pc.NewProvider(ctx).Endpoint()
	switch e.settings.ClientAuthentication {
	case AuthClientSecretBasic:
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
	default:
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	if redirectURI == "" {
		redirectURI = e.settings.RedirectURI
	}
	return &oauth2.Config{
		ClientID:     e.settings.ClientID,
		ClientSecret: e.settings.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  redirectURI,
		Scopes:       e.settings.Scopes,
	}, nil
}

func (e *Exchanger) withClient(ctx context.Context) context.Context {
	if e.http == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, e.http)
}

// IDToken returns the id_token carried by tok, if any.
func IDToken(tok *oauth2.Token) string {
	if tok == nil {
		return ""
	}
	s, _ := tok.Extra("id_token").(string)
	return s
}

func tokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode != "" {
		return &protocol.ErrorResponse{ErrorCode: re.ErrorCode, Description: re.ErrorDescription, URI: re.ErrorURI}
	}
	return fmt.Errorf("%s: %w", op, err)
}
