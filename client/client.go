// Package client ties metadata discovery, request building, token exchange,
// claims validation and state storage into one relying-party client.
package client

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"reflect"
	"strings"

	"golang.org/x/oauth2"

	"oidcclient/claims"
	"oidcclient/config"
	"oidcclient/exchange"
	"oidcclient/fetch"
	"oidcclient/metadata"
	"oidcclient/oidcerr"
	"oidcclient/protocol"
	"oidcclient/state"
	"oidcclient/store"
	"oidcclient/userinfo"
)

// ProtocolClaims are removed from the profile when filtering is enabled.
var ProtocolClaims = []string{"nonce", "at_hash", "iat", "nbf", "exp", "aud", "iss", "c_hash"}

// Client is a protocol-level OpenID Connect relying party.
type Client struct {
	settings config.ClientConfig
	store    state.Store
	logger   *slog.Logger
	http     *http.Client

	metadata  *metadata.Service
	validator *claims.Validator
	userinfo  *userinfo.Service
	exchanger *exchange.Exchanger
}

// Option configures a Client.
type Option func(*Client)

// WithStore sets the state store. The default is an in-memory store.
func WithStore(s state.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithHTTPClient sets the client used for every provider call.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a Client from settings. Unset settings take their defaults
// and the result is validated before anything is built.
func New(settings config.ClientConfig, opts ...Option) (*Client, error) {
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	c := &Client{settings: settings}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.store == nil {
		c.store = store.NewMemory(store.DefaultPrefix, c.logger)
	}

	ms, err := settings.MetadataSettings()
	if err != nil {
		return nil, err
	}
	c.metadata = metadata.New(ms, fetch.New(c.http, c.logger), c.logger)
	c.validator = claims.NewValidator(c.metadata, c.logger)
	c.userinfo = userinfo.New(userinfo.Settings{
		ClientID:  settings.ClientID,
		JWTIssuer: settings.UserInfoJWTIssuer,
		ClockSkew: settings.ClockSkew,
	}, c.metadata, c.validator, c.http, c.logger)
	c.exchanger = exchange.New(exchange.Settings{
		ClientID:             settings.ClientID,
		ClientSecret:         settings.ClientSecret,
		RedirectURI:          settings.RedirectURI,
		Scopes:               settings.Scopes(),
		ClientAuthentication: settings.ClientAuthentication,
	}, c.metadata, c.http, c.logger)
	return c, nil
}

// Metadata exposes the discovery service.
func (c *Client) Metadata() *metadata.Service { return c.metadata }

// Store exposes the state store.
func (c *Client) Store() state.Store { return c.store }

// CreateSigninRequest builds an authorization request from args, filling
// unset fields from the settings, and persists its state.
func (c *Client) CreateSigninRequest(ctx context.Context, args protocol.SigninArgs) (*protocol.SigninRequest, error) {
	if args.URL == "" {
		u, err := c.metadata.AuthorizationEndpoint(ctx)
		if err != nil {
			return nil, err
		}
		args.URL = u
	}
	if args.Authority == "" {
		args.Authority = c.settings.Authority
	}
	if args.Authority == "" {
		iss, err := c.metadata.Issuer(ctx)
		if err != nil {
			return nil, err
		}
		args.Authority = iss
	}
	c.applySettings(&args)

	req, err := protocol.NewSigninRequest(args)
	if err != nil {
		return nil, err
	}

	st := req.State()
	value, err := st.ToStorageString()
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, st.ID, value); err != nil {
		return nil, err
	}
	c.logger.Debug("signin request created", "state", st.ID, "response_type", args.ResponseType)
	return req, nil
}

func (c *Client) applySettings(args *protocol.SigninArgs) {
	s := c.settings
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&args.ClientID, s.ClientID)
	fill(&args.RedirectURI, s.RedirectURI)
	fill(&args.ResponseType, s.ResponseType)
	fill(&args.Scope, s.Scope)
	fill(&args.Prompt, s.Prompt)
	fill(&args.Display, s.Display)
	fill(&args.UILocales, s.UILocales)
	fill(&args.AcrValues, s.AcrValues)
	fill(&args.Resource, s.Resource)
	fill(&args.ResponseMode, s.ResponseMode)
	if args.MaxAge == nil {
		args.MaxAge = s.MaxAge
	}
	if args.ExtraQueryParams == nil {
		args.ExtraQueryParams = s.ExtraQueryParams
	}
	if args.ExtraTokenParams == nil {
		args.ExtraTokenParams = s.ExtraTokenParams
	}
}

// ReadSigninResponseState parses rawURL and loads the stored state it
// names. With remove set the state is consumed.
func (c *Client) ReadSigninResponseState(ctx context.Context, rawURL string, remove bool) (*protocol.SigninResponse, *protocol.SigninState, error) {
	resp := protocol.ParseSigninResponse(rawURL, c.responseDelimiter(rawURL))
	if resp.State == "" {
		c.logger.Error("signin response: no state in response")
		return nil, nil, oidcerr.Validation("No state in response")
	}

	var (
		value string
		ok    bool
		err   error
	)
	if remove {
		value, ok, err = c.store.Remove(ctx, resp.State)
	} else {
		value, ok, err = c.store.Get(ctx, resp.State)
	}
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		c.logger.Error("signin response: no matching state found in storage", "state", resp.State)
		return nil, nil, oidcerr.Validation("No matching state found in storage")
	}

	st, err := protocol.SigninStateFromStorageString(value)
	if err != nil {
		return nil, nil, err
	}
	resp.Data = st.Data
	return resp, st, nil
}

// responseDelimiter picks where the response parameters are expected. The
// other delimiter is used when only it carries a state.
func (c *Client) responseDelimiter(rawURL string) string {
	primary, other := "#", "?"
	if c.settings.ResponseMode == "query" ||
		(c.settings.ResponseMode == "" && protocol.IsCode(c.settings.ResponseType)) {
		primary, other = other, primary
	}
	if protocol.ParseURLFragment(rawURL, primary)["state"] == "" &&
		protocol.ParseURLFragment(rawURL, other)["state"] != "" {
		return other
	}
	return primary
}

// ProcessSigninResponse consumes the state, redeems the code if present,
// validates the id_token and builds the user profile.
func (c *Client) ProcessSigninResponse(ctx context.Context, rawURL string) (*protocol.SigninResponse, error) {
	resp, st, err := c.ReadSigninResponseState(ctx, rawURL, true)
	if err != nil {
		return nil, err
	}
	if e := resp.Err(); e != nil {
		c.logger.Warn("signin response: provider returned an error", "error", e.ErrorCode, "description", e.Description)
		return nil, e
	}

	if resp.Code != "" {
		if err := c.redeemCode(ctx, resp, st); err != nil {
			return nil, err
		}
	}

	if resp.IDToken != "" {
		profile, err := c.validateIDToken(ctx, resp.IDToken, st)
		if err != nil {
			return nil, err
		}
		resp.Profile = profile
	} else if st.Nonce != "" {
		return nil, oidcerr.Validation("Expected id_token in response")
	}

	if resp.Profile != nil {
		if c.settings.ShouldFilterProtocolClaims() {
			for _, name := range ProtocolClaims {
				delete(resp.Profile, name)
			}
		}
		if err := c.loadUserInfo(ctx, resp, st); err != nil {
			return nil, err
		}
	}

	c.logger.Info("signin response processed", "state", st.ID, "oidc", resp.IsOpenIDConnect())
	return resp, nil
}

func (c *Client) redeemCode(ctx context.Context, resp *protocol.SigninResponse, st *protocol.SigninState) error {
	tok, err := c.exchanger.ExchangeCode(ctx, exchange.CodeRequest{
		Code:             resp.Code,
		CodeVerifier:     st.CodeVerifier,
		RedirectURI:      st.RedirectURI,
		ExtraTokenParams: st.ExtraTokenParams,
	})
	if err != nil {
		return err
	}
	applyToken(resp, tok)
	return nil
}

func applyToken(resp *protocol.SigninResponse, tok *oauth2.Token) {
	resp.AccessToken = tok.AccessToken
	resp.RefreshToken = tok.RefreshToken
	resp.TokenType = tok.TokenType
	if !tok.Expiry.IsZero() {
		resp.ExpiresAt = tok.Expiry.Unix()
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		resp.Scope = scope
	}
	if idToken := exchange.IDToken(tok); idToken != "" {
		resp.IDToken = idToken
	}
}

func (c *Client) validateIDToken(ctx context.Context, idToken string, st *protocol.SigninState) (map[string]any, error) {
	audience := st.ClientID
	if audience == "" {
		audience = c.settings.ClientID
	}
	profile, err := c.validator.Validate(ctx, idToken, claims.Options{
		Audience:   audience,
		IssuerMode: claims.IssuerOP,
		ClockSkew:  c.settings.ClockSkew,
	})
	if err != nil {
		return nil, err
	}
	nonce, _ := profile["nonce"].(string)
	if nonce != st.Nonce {
		return nil, oidcerr.Validation("nonce in id_token does not match the stored state")
	}
	return profile, nil
}

func (c *Client) loadUserInfo(ctx context.Context, resp *protocol.SigninResponse, st *protocol.SigninState) error {
	if !c.settings.ShouldLoadUserInfo() || st.SkipUserInfo || resp.AccessToken == "" || !resp.IsOpenIDConnect() {
		return nil
	}
	info, err := c.userinfo.GetClaims(ctx, resp.AccessToken)
	if err != nil {
		return err
	}
	infoSub, _ := info["sub"].(string)
	profileSub, _ := resp.Profile["sub"].(string)
	if infoSub != profileSub {
		return oidcerr.Validation("sub from userinfo endpoint does not match sub in id_token")
	}
	resp.Profile = mergeClaims(resp.Profile, info, c.settings.MergeClaims)
	return nil
}

// mergeClaims adds the values of b to a. A differing value turns the claim
// into a list of both, or, with deep set, merges two objects.
func mergeClaims(a, b map[string]any, deep bool) map[string]any {
	out := maps.Clone(a)
	if out == nil {
		out = make(map[string]any, len(b))
	}
	for name, raw := range b {
		values, ok := raw.([]any)
		if !ok {
			values = []any{raw}
		}
		for _, v := range values {
			cur, exists := out[name]
			switch {
			case !exists || cur == nil:
				out[name] = v
			case isList(cur):
				list := cur.([]any)
				if !contains(list, v) {
					out[name] = append(append([]any(nil), list...), v)
				}
			case reflect.DeepEqual(cur, v):
			default:
				curObj, curIsObj := cur.(map[string]any)
				vObj, vIsObj := v.(map[string]any)
				if deep && curIsObj && vIsObj {
					out[name] = mergeClaims(curObj, vObj, deep)
				} else {
					out[name] = []any{cur, v}
				}
			}
		}
	}
	return out
}

func isList(v any) bool {
	_, ok := v.([]any)
	return ok
}

func contains(list []any, v any) bool {
	for _, item := range list {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}

// CreateSignoutRequest builds an end-session request and persists its
// state when a round trip is expected.
func (c *Client) CreateSignoutRequest(ctx context.Context, args protocol.SignoutArgs) (*protocol.SignoutRequest, error) {
	if args.URL == "" {
		u, err := c.metadata.Property(ctx, metadata.FieldEndSessionEndpoint, false)
		if err != nil {
			return nil, err
		}
		args.URL = u
	}
	if args.PostLogoutRedirectURI == "" {
		args.PostLogoutRedirectURI = c.settings.PostLogoutRedirectURI
	}

	req, err := protocol.NewSignoutRequest(args)
	if err != nil {
		return nil, err
	}
	if st := req.State(); st != nil {
		value, err := st.ToStorageString()
		if err != nil {
			return nil, err
		}
		if err := c.store.Set(ctx, st.ID, value); err != nil {
			return nil, err
		}
		c.logger.Debug("signout request created", "state", st.ID)
	}
	return req, nil
}

// ProcessSignoutResponse consumes the state named by the response, if any.
func (c *Client) ProcessSignoutResponse(ctx context.Context, rawURL string) (*protocol.SignoutResponse, error) {
	resp := protocol.ParseSignoutResponse(rawURL)
	if resp.State == "" {
		if e := resp.Err(); e != nil {
			return nil, e
		}
		return resp, nil
	}

	value, ok, err := c.store.Remove(ctx, resp.State)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.logger.Error("signout response: no matching state found in storage", "state", resp.State)
		return nil, oidcerr.Validation("No matching state found in storage")
	}
	st, err := state.FromStorageString(value)
	if err != nil {
		return nil, err
	}
	resp.Data = st.Data

	if e := resp.Err(); e != nil {
		return nil, e
	}
	return resp, nil
}

// ClearStaleState removes states older than the configured age. The
// returned channel closes when the removals are done.
func (c *Client) ClearStaleState(ctx context.Context) (<-chan struct{}, error) {
	return state.ClearStaleState(ctx, c.store, c.settings.StaleStateAge, c.logger)
}

// Refresh redeems a refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return c.exchanger.Refresh(ctx, refreshToken)
}

// UserInfo fetches the claims of accessToken.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	return c.userinfo.GetClaims(ctx, accessToken)
}

// OpenStore builds the state store described by cfg. The returned close
// function releases it.
func OpenStore(ctx context.Context, cfg config.StateStoreConfig, logger *slog.Logger) (state.Store, func() error, error) {
	switch strings.ToLower(cfg.Type) {
	case "", config.StoreMemory:
		return store.NewMemory(cfg.Prefix, logger), func() error { return nil }, nil
	case config.StoreRedis:
		r, err := store.NewRedis(ctx, store.RedisConfig{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			Prefix:   cfg.Prefix,
			TTL:      cfg.TTL,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		return nil, nil, oidcerr.Configuration("unknown state store type %q", cfg.Type)
	}
}

// FromConfig opens the configured store and builds a Client over it.
func FromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Client, func() error, error) {
	st, closeStore, err := OpenStore(ctx, cfg.StateStore, logger)
	if err != nil {
		return nil, nil, err
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.HTTPTimeout <= 0 {
		httpClient.Timeout = config.DefaultHTTPTimeout
	}
	c, err := New(cfg.Client, WithStore(st), WithHTTPClient(httpClient), WithLogger(logger))
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	return c, closeStore, nil
}
