// Package metadata resolves and caches the provider discovery document and
// its signing keys.
package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/sync/singleflight"

	"oidcclient/metrics"
	"oidcclient/oidcerr"
)

// FetchTimeout bounds a shared fetch once it no longer follows the context
// of the caller that started it.
const FetchTimeout = 30 * time.Second

// WellKnownPath is appended to the authority to form the discovery URL.
const WellKnownPath = ".well-known/openid-configuration"

// Discovery document fields.
const (
	FieldIssuer                = "issuer"
	FieldAuthorizationEndpoint = "authorization_endpoint"
	FieldTokenEndpoint         = "token_endpoint"
	FieldUserInfoEndpoint      = "userinfo_endpoint"
	FieldCheckSessionIframe    = "check_session_iframe"
	FieldEndSessionEndpoint    = "end_session_endpoint"
	FieldRevocationEndpoint    = "revocation_endpoint"
	FieldJWKSURI               = "jwks_uri"
)

// Getter fetches a JSON document.
type Getter interface {
	GetJSON(ctx context.Context, url, bearer string) (map[string]any, error)
}

// Settings select where metadata and keys come from.
type Settings struct {
	Authority   string
	MetadataURL string
	// Metadata, when set, is used as is and nothing is fetched.
	Metadata map[string]any
	// Seed provides defaults the fetched document overrides.
	Seed map[string]any
	// SigningKeys, when set, are used instead of the jwks_uri document.
	SigningKeys []SigningKey
}

// Service caches discovery metadata for the process lifetime and signing
// keys until ResetSigningKeys.
type Service struct {
	settings Settings
	getter   Getter
	logger   *slog.Logger

	mu       sync.RWMutex
	metadata map[string]any
	keys     []SigningKey
	keysGen  uint64

	group singleflight.Group
}

// New builds a Service.
func New(settings Settings, getter Getter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{settings: settings, getter: getter, logger: logger}
	if settings.Metadata != nil {
		s.metadata = maps.Clone(settings.Metadata)
	}
	if settings.SigningKeys != nil {
		s.keys = append([]SigningKey(nil), settings.SigningKeys...)
	}
	return s
}

// MetadataURL is the discovery document location, or "" when neither a
// metadata URL nor an authority is configured.
func (s *Service) MetadataURL() string {
	if s.settings.MetadataURL != "" {
		return s.settings.MetadataURL
	}
	if s.settings.Authority == "" {
		return ""
	}
	u := s.settings.Authority
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	return u + WellKnownPath
}

// GetMetadata returns the cached document, fetching and merging it over the
// seed on first use. Concurrent first callers share one fetch.
func (s *Service) GetMetadata(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	md := s.metadata
	s.mu.RUnlock()
	if md != nil {
		return md, nil
	}

	url := s.MetadataURL()
	if url == "" {
		return nil, oidcerr.Configuration("no authority or metadataUrl configured on settings")
	}

	v, err := s.shared(ctx, "metadata", func(ctx context.Context) (any, error) {
		s.mu.RLock()
		cached := s.metadata
		s.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}

		s.logger.Debug("fetching provider metadata", "url", url)
		doc, err := s.getter.GetJSON(ctx, url, "")
		metrics.RecordFetch("metadata", err)
		if err != nil {
			s.logger.Error("provider metadata fetch failed", "url", url, "error", err)
			return nil, fmt.Errorf("fetch metadata: %w", err)
		}

		merged := make(map[string]any, len(s.settings.Seed)+len(doc))
		maps.Copy(merged, s.settings.Seed)
		maps.Copy(merged, doc)

		s.mu.Lock()
		s.metadata = merged
		s.mu.Unlock()
		return merged, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// shared runs fn once for all concurrent callers of key. fn runs detached
// from any single caller's cancellation; each caller stops waiting when its
// own ctx is done.
func (s *Service) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := s.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), FetchTimeout)
		defer cancel()
		return fn(fetchCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Property returns a string field of the metadata. A missing required
// field is a ProtocolError; a missing optional field is "" and a warning.
func (s *Service) Property(ctx context.Context, name string, optional bool) (string, error) {
	md, err := s.GetMetadata(ctx)
	if err != nil {
		return "", err
	}
	if v, ok := md[name].(string); ok && v != "" {
		return v, nil
	}
	if optional {
		s.logger.Warn("metadata property not present", "property", name)
		return "", nil
	}
	return "", oidcerr.Protocol("metadata does not contain property %s", name)
}

func (s *Service) Issuer(ctx context.Context) (string, error) {
	return s.Property(ctx, FieldIssuer, false)
}

func (s *Service) AuthorizationEndpoint(ctx context.Context) (string, error) {
	return s.Property(ctx, FieldAuthorizationEndpoint, false)
}

func (s *Service) UserInfoEndpoint(ctx context.Context) (string, error) {
	return s.Property(ctx, FieldUserInfoEndpoint, false)
}

func (s *Service) TokenEndpoint(ctx context.Context) (string, error) {
	return s.Property(ctx, FieldTokenEndpoint, true)
}

func (s *Service) CheckSessionIframe(ctx context.Context) (string, error) {
	return s.Property(ctx, FieldCheckSessionIframe, true)
}

func (s *Service) EndSessionEndpoint(ctx context.Context) (string, error) {
	return s.Property(ctx, FieldEndSessionEndpoint, true)
}

func (s *Service) RevocationEndpoint(ctx context.Context) (string, error) {
	return s.Property(ctx, FieldRevocationEndpoint, true)
}

func (s *Service) KeysEndpoint(ctx context.Context) (string, error) {
	return s.Property(ctx, FieldJWKSURI, true)
}

// GetSigningKeys returns the cached key set, fetching jwks_uri on first use
// or after ResetSigningKeys.
func (s *Service) GetSigningKeys(ctx context.Context) ([]SigningKey, error) {
	s.mu.RLock()
	keys := s.keys
	s.mu.RUnlock()
	if keys != nil {
		return keys, nil
	}

	url, err := s.Property(ctx, FieldJWKSURI, false)
	if err != nil {
		return nil, err
	}

	v, err := s.shared(ctx, "jwks", func(ctx context.Context) (any, error) {
		s.mu.RLock()
		cached, gen := s.keys, s.keysGen
		s.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}

		s.logger.Debug("fetching signing keys", "url", url)
		doc, err := s.getter.GetJSON(ctx, url, "")
		if err != nil {
			metrics.RecordFetch("jwks", err)
			s.logger.Error("signing key fetch failed", "url", url, "error", err)
			return nil, fmt.Errorf("fetch signing keys: %w", err)
		}
		fetched, err := KeysFromJWKS(doc)
		metrics.RecordFetch("jwks", err)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.keysGen == gen {
			s.keys = fetched
		}
		s.mu.Unlock()
		s.logger.Debug("signing keys loaded", "count", len(fetched))
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]SigningKey), nil
}

// ResetSigningKeys drops the cached key set so the next lookup refetches.
// A fetch already in flight is not cached.
func (s *Service) ResetSigningKeys() {
	s.mu.Lock()
	s.keys = nil
	s.keysGen++
	s.mu.Unlock()
	s.group.Forget("jwks")
}

// ProviderConfig maps the metadata onto a go-oidc provider configuration.
func (s *Service) ProviderConfig(ctx context.Context) (*oidc.ProviderConfig, error) {
	md, err := s.GetMetadata(ctx)
	if err != nil {
		return nil, err
	}
	str := func(name string) string {
		v, _ := md[name].(string)
		return v
	}
	cfg := &oidc.ProviderConfig{
		IssuerURL:   str(FieldIssuer),
		AuthURL:     str(FieldAuthorizationEndpoint),
		TokenURL:    str(FieldTokenEndpoint),
		UserInfoURL: str(FieldUserInfoEndpoint),
		JWKSURL:     str(FieldJWKSURI),
	}
	if algs, ok := md["id_token_signing_alg_values_supported"].([]any); ok {
		for _, a := range algs {
			if v, ok := a.(string); ok {
				cfg.Algorithms = append(cfg.Algorithms, v)
			}
		}
	}
	return cfg, nil
}
