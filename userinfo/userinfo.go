// Package userinfo loads claims from the provider's userinfo endpoint.
package userinfo

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"oidcclient/claims"
	"oidcclient/fetch"
	"oidcclient/oidcerr"
)

// Endpoints resolves the userinfo endpoint.
type Endpoints interface {
	UserInfoEndpoint(ctx context.Context) (string, error)
}

// Settings control validation of signed userinfo responses.
type Settings struct {
	ClientID string
	// JWTIssuer is claims.IssuerOP, claims.IssuerAny, or a literal issuer.
	JWTIssuer string
	ClockSkew time.Duration
}

// Service fetches userinfo claims, accepting plain JSON or a signed JWT.
type Service struct {
	settings  Settings
	endpoints Endpoints
	validator *claims.Validator
	fetcher   *fetch.Client
	logger    *slog.Logger
}

// New builds a Service. Signed responses are checked by validator.
func New(settings Settings, endpoints Endpoints, validator *claims.Validator, httpClient *http.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{settings: settings, endpoints: endpoints, validator: validator, logger: logger}
	s.fetcher = fetch.New(httpClient, logger, fetch.WithJWTHandler(s.claimsFromJWT))
	return s
}

// GetClaims fetches the claims for accessToken.
func (s *Service) GetClaims(ctx context.Context, accessToken string) (map[string]any, error) {
	if accessToken == "" {
		return nil, oidcerr.Validation("a token is required")
	}

	url, err := s.endpoints.UserInfoEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("userinfo: fetching claims", "url", url)

	out, err := s.fetcher.GetJSON(ctx, url, accessToken)
	if err != nil {
		s.logger.Error("userinfo: fetch failed", "error", err)
		return nil, err
	}
	return out, nil
}

func (s *Service) claimsFromJWT(ctx context.Context, raw string) (map[string]any, error) {
	out, err := s.validator.Validate(ctx, raw, claims.Options{
		Audience:        s.settings.ClientID,
		IssuerMode:      s.settings.JWTIssuer,
		ClockSkew:       s.settings.ClockSkew,
		TimeInsensitive: true,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("userinfo: signed response validated")
	return out, nil
}
